package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facematch/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

type fakeFace struct {
	box   [4]float32
	score float32
	vec   []float32
}

func okPayload(faces ...fakeFace) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(faces)))
	for _, f := range faces {
		binary.Write(payload, binary.BigEndian, f.box)
		binary.Write(payload, binary.BigEndian, f.score)
		binary.Write(payload, binary.BigEndian, uint32(len(f.vec)))
		binary.Write(payload, binary.BigEndian, f.vec)
	}
	return payload.Bytes()
}

func errPayload(msg string) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)
	return payload.Bytes()
}

func mockWorker(responses ...[]byte) (*PythonWorker, *MockCloser) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}
	for _, resp := range responses {
		binary.Write(dataPipeMock, binary.BigEndian, uint32(len(resp)))
		dataPipeMock.Write(resp)
	}
	// Cmd is nil because we aren't testing process management, just the protocol
	return &PythonWorker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}, stdinMock
}

func TestDetectAll(t *testing.T) {
	vec := make([]float32, 128)
	vec[0] = 0.5
	w, stdin := mockWorker(okPayload(
		fakeFace{box: [4]float32{10, 20, 30, 40}, score: 0.99, vec: vec},
		fakeFace{box: [4]float32{1, 2, 3, 4}, score: 0.5, vec: vec},
	))

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	faces, err := w.DetectAll(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("DetectAll failed: %v", err)
	}

	// Verify Go sent the correct data TO Python: 4 bytes header + data
	sent := stdin.Bytes()
	if len(sent) != 4+len(inputFrame) {
		t.Fatalf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sent))
	}
	if binary.BigEndian.Uint32(sent[:4]) != uint32(len(inputFrame)) {
		t.Errorf("Wrong length header %v", sent[:4])
	}

	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	f := faces[0]
	if f.Box != (types.Box{X: 10, Y: 20, W: 30, H: 40}) {
		t.Errorf("Unexpected box %+v", f.Box)
	}
	if len(f.Descriptor) != 128 || math.Abs(f.Descriptor[0]-0.5) > 1e-9 {
		t.Errorf("Unexpected descriptor head %v (len %d)", f.Descriptor[:1], len(f.Descriptor))
	}
	if math.Abs(f.Score-0.99) > 1e-6 {
		t.Errorf("Expected score ~0.99, got %f", f.Score)
	}
}

func TestDetectAllNoFaces(t *testing.T) {
	w, _ := mockWorker(okPayload())
	faces, err := w.DetectAll(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces, got %d", len(faces))
	}
}

func TestDetectSingleReturnsPrimaryFace(t *testing.T) {
	vec := []float32{1, 2}
	w, _ := mockWorker(okPayload(
		fakeFace{box: [4]float32{0, 0, 10, 10}, score: 0.7, vec: vec},
		fakeFace{box: [4]float32{0, 0, 5, 5}, score: 0.9, vec: vec},
	), okPayload())

	c, err := w.DetectSingle(context.Background(), []byte("img"))
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Score < 0.89 {
		t.Fatalf("Expected highest scoring face, got %+v", c)
	}

	none, err := w.DetectSingle(context.Background(), []byte("img"))
	if err != nil || none != nil {
		t.Errorf("Expected nil face without error, got %+v, %v", none, err)
	}
}

func TestDetectAll_Error(t *testing.T) {
	errMsg := "Python Exception: Import Error"
	w, _ := mockWorker(errPayload(errMsg))

	_, err := w.DetectAll(context.Background(), []byte("frame"))
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "python worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "python worker error: "+errMsg, err)
	}
}

func TestDetectAllMalformed(t *testing.T) {
	truncated := okPayload(fakeFace{vec: []float32{1, 2, 3}})
	truncated = truncated[:len(truncated)-2]

	zeroDim := new(bytes.Buffer)
	zeroDim.WriteByte(statusOK)
	binary.Write(zeroDim, binary.BigEndian, uint32(1))
	binary.Write(zeroDim, binary.BigEndian, [4]float32{})
	binary.Write(zeroDim, binary.BigEndian, float32(1))
	binary.Write(zeroDim, binary.BigEndian, uint32(0))

	nan := okPayload(fakeFace{vec: []float32{float32(math.NaN())}})

	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"Empty", []byte{}, "empty detector response"},
		{"Unknown status", []byte{7}, "unknown detector status"},
		{"Truncated descriptor", truncated, "truncated descriptor"},
		{"Zero dimension", zeroDim.Bytes(), "invalid descriptor dimension"},
		{"NaN value", nan, "non-finite"},
		{"Trailing bytes", append(okPayload(), 0xFF), "trailing bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := mockWorker(tt.payload)
			_, err := w.DetectAll(context.Background(), []byte("x"))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDetectAllCancelledContext(t *testing.T) {
	w, stdin := mockWorker(okPayload())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := w.DetectAll(ctx, []byte("img")); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if stdin.Len() != 0 {
		t.Error("Nothing should be sent for a cancelled request")
	}
}

func TestDetectAllPipeClosed(t *testing.T) {
	w, _ := mockWorker() // no response queued: simulates a crashed process
	if _, err := w.DetectAll(context.Background(), []byte("img")); err == nil {
		t.Fatal("Expected EOF error from crashed worker")
	}
}

func TestDetectAllAfterTimeoutDoesNotReadStaleReply(t *testing.T) {
	r, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pw.Close()
	w := &PythonWorker{
		ID:          1,
		Stdin:       &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe:    r,
		readTimeout: 50 * time.Millisecond,
	}

	if _, err := w.DetectAll(context.Background(), []byte("image-A")); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("Expected read timeout, got %v", err)
	}

	// The detector answers A late, then B. Neither may be taken as B's result.
	for _, resp := range [][]byte{okPayload(fakeFace{vec: []float32{1, 2}}), okPayload()} {
		binary.Write(pw, binary.BigEndian, uint32(len(resp)))
		pw.Write(resp)
	}

	faces, err := w.DetectAll(context.Background(), []byte("image-B"))
	if !errors.Is(err, ErrWorkerDead) {
		t.Fatalf("Expected ErrWorkerDead, got faces=%d err=%v", len(faces), err)
	}
	if faces != nil {
		t.Errorf("Expected no faces from a dead worker, got %+v", faces)
	}
}

func TestDetectAllCrashMarksWorkerDead(t *testing.T) {
	w, _ := mockWorker() // EOF on the first read
	if _, err := w.DetectAll(context.Background(), []byte("img")); !errors.Is(err, ErrWorkerDead) {
		t.Fatalf("Expected ErrWorkerDead, got %v", err)
	}
	w.DataPipe.(*MockCloser).Write([]byte{0, 0, 0, 1, statusOK})
	if _, err := w.DetectAll(context.Background(), []byte("img")); !errors.Is(err, ErrWorkerDead) {
		t.Errorf("Expected a dead worker to stay dead, got %v", err)
	}
}

// deadEngine fails every request the way a killed PythonWorker does.
type deadEngine struct{ closed int32 }

func (d *deadEngine) DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error) {
	return nil, ErrWorkerDead
}

func (d *deadEngine) Close() { atomic.StoreInt32(&d.closed, 1) }

func TestPoolRespawnsDeadEngine(t *testing.T) {
	var active, peak int32
	dead := &deadEngine{}
	spawned := 0
	p := newPool([]engine{dead}, func(id int) (engine, error) {
		spawned++
		return &fakeEngine{active: &active, peak: &peak}, nil
	})
	defer p.Close()

	if _, err := p.DetectAll(context.Background(), []byte{1}); !errors.Is(err, ErrWorkerDead) {
		t.Fatalf("Expected ErrWorkerDead, got %v", err)
	}
	faces, err := p.DetectAll(context.Background(), []byte{7})
	if err != nil {
		t.Fatalf("Expected the replacement engine to serve, got %v", err)
	}
	if len(faces) != 1 || faces[0].Descriptor[0] != 7 {
		t.Errorf("Unexpected faces %+v", faces)
	}
	if spawned != 1 || atomic.LoadInt32(&dead.closed) != 1 {
		t.Errorf("Expected one respawn and the dead engine closed, got spawned=%d closed=%d", spawned, dead.closed)
	}
}

func TestPoolKeepsDeadEngineWhenRespawnFails(t *testing.T) {
	p := newPool([]engine{&deadEngine{}}, func(id int) (engine, error) {
		return nil, errors.New("python3 not found")
	})
	defer p.Close()

	for i := 0; i < 2; i++ {
		if _, err := p.DetectAll(context.Background(), []byte{1}); !errors.Is(err, ErrWorkerDead) {
			t.Errorf("call %d: expected ErrWorkerDead, got %v", i, err)
		}
	}
}

// fakeEngine records concurrency and returns one face per image.
type fakeEngine struct {
	active, peak *int32
	delay        time.Duration
	err          error
	closed       int32
}

func (f *fakeEngine) DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error) {
	n := atomic.AddInt32(f.active, 1)
	for {
		p := atomic.LoadInt32(f.peak)
		if n <= p || atomic.CompareAndSwapInt32(f.peak, p, n) {
			break
		}
	}
	defer atomic.AddInt32(f.active, -1)
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	if len(img) == 0 {
		return nil, nil
	}
	return []types.Candidate{{Score: float64(len(img)), Descriptor: types.Descriptor{float64(img[0])}}}, nil
}

func (f *fakeEngine) Close() { atomic.StoreInt32(&f.closed, 1) }

func newFakePool(n int, delay time.Duration) (*Pool, []*fakeEngine, *int32) {
	var active, peak int32
	engines := make([]engine, n)
	fakes := make([]*fakeEngine, n)
	for i := range engines {
		fakes[i] = &fakeEngine{active: &active, peak: &peak, delay: delay}
		engines[i] = fakes[i]
	}
	return newPool(engines, nil), fakes, &peak
}

func TestPoolDetectBatch(t *testing.T) {
	p, fakes, peak := newFakePool(3, 10*time.Millisecond)

	imgs := [][]byte{{1}, {2}, {}, {4}, {5}, {6}}
	var mu sync.Mutex
	seen := 0
	out, err := p.DetectBatch(context.Background(), imgs, func(types.ImageTask, error) {
		mu.Lock()
		seen++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("DetectBatch failed: %v", err)
	}
	if seen != len(imgs) {
		t.Errorf("Expected %d progress callbacks, got %d", len(imgs), seen)
	}
	for i, c := range out {
		if i == 2 {
			if c != nil {
				t.Errorf("Expected nil for faceless image, got %+v", c)
			}
			continue
		}
		if c == nil || c.Descriptor[0] != float64(imgs[i][0]) {
			t.Errorf("Result %d is out of order: %+v", i, c)
		}
	}
	if atomic.LoadInt32(peak) > 3 {
		t.Errorf("Pool exceeded its size: peak %d", *peak)
	}

	p.Close()
	for i, f := range fakes {
		if atomic.LoadInt32(&f.closed) != 1 {
			t.Errorf("Engine %d was not closed", i)
		}
	}
	if _, err := p.DetectAll(context.Background(), []byte{1}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	p.Close() // idempotent
}

func TestPoolPropagatesErrors(t *testing.T) {
	var active, peak int32
	boom := errors.New("boom")
	p := newPool([]engine{&fakeEngine{active: &active, peak: &peak, err: boom}}, nil)
	defer p.Close()

	_, err := p.DetectBatch(context.Background(), [][]byte{{1}, {2}}, nil)
	if !errors.Is(err, boom) {
		t.Errorf("Expected joined error to contain boom, got %v", err)
	}
}

func TestPoolRespectsContext(t *testing.T) {
	p, _, _ := newFakePool(1, 200*time.Millisecond)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.DetectAll(ctx, []byte{1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestDetectBatchStopsOnCancel(t *testing.T) {
	p, _, _ := newFakePool(1, 0)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	imgs := make([][]byte, 100)
	for i := range imgs {
		imgs[i] = []byte{byte(i + 1)}
	}
	var started int32
	_, err := p.DetectBatch(ctx, imgs, func(types.ImageTask, error) {
		atomic.AddInt32(&started, 1)
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if n := atomic.LoadInt32(&started); int(n) >= len(imgs) {
		t.Errorf("Expected the batch to stop feeding after cancel, %d of %d started", n, len(imgs))
	}
}

func TestPoolCommand(t *testing.T) {
	p, _, _ := newFakePool(2, 0)
	defer p.Close()

	if p.Command(0) != nil {
		t.Error("Expected no command for a fake engine")
	}
	if p.Command(5) != nil || p.Command(-1) != nil {
		t.Error("Expected nil for out-of-range engines")
	}
}
