package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponseSize guards against a corrupted length header allocating gigabytes.
	maxResponseSize = 64 * 1024 * 1024
	maxDescriptor   = 4096
)

// DefaultScript is the detector shipped in python/.
const DefaultScript = "python/detector.py"

// ErrWorkerDead is returned by a worker whose process was killed after a
// failed exchange. A late reply left in its pipe would otherwise be read as
// the answer to the next image.
var ErrWorkerDead = errors.New("detector process is no longer usable")

// Config configures a detector process.
type Config struct {
	Script             string
	DetectionThreshold float64
	ReadTimeout        time.Duration
}

// PythonWorker talks to one detector process. Requests go over stdin,
// responses come back over a side-channel pipe (FD 3) so that library noise
// printed to stdout cannot corrupt the protocol.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	mu          sync.Mutex
	dead        bool
}

// NewPythonWorker starts a detector process. The process is killed when ctx is cancelled.
func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	script := cfg.Script
	if script == "" {
		script = DefaultScript
	}
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("detector script: %w", err)
	}

	// 1. Initialize the SafeCommand we built
	py := utils.NewSafeCommand(ctx, "python3", "-u", script,
		"--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// communicate sends one request frame and reads one response frame.
// Protocol: [uint32 BE length][body] in both directions.
func (w *PythonWorker) communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	// Pipes from os.Pipe support deadlines; in-memory mocks do not need them.
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(w.readTimeout))
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// DetectAll returns every face the detector finds in the image, each with its descriptor.
func (w *PythonWorker) DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, fmt.Errorf("worker %d: %w", w.ID, ErrWorkerDead)
	}

	resp, err := w.communicate(img)
	if err != nil {
		// The request/response framing is out of step now.
		w.kill()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("worker %d: %w: %w", w.ID, ErrWorkerDead, ctxErr)
		}
		return nil, fmt.Errorf("worker %d: %w: %w", w.ID, ErrWorkerDead, err)
	}
	return decodeResponse(resp)
}

// kill stops the process and closes both pipes. Callers hold w.mu.
func (w *PythonWorker) kill() {
	w.dead = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
	w.Stdin.Close()
	w.DataPipe.Close()
}

// DetectSingle returns the primary face of the image, or nil if there is none.
func (w *PythonWorker) DetectSingle(ctx context.Context, img []byte) (*types.Candidate, error) {
	faces, err := w.DetectAll(ctx, img)
	if err != nil {
		return nil, err
	}
	return types.Primary(faces), nil
}

// decodeResponse parses a response body.
//
//	OK:    [0][uint32 n] n × ([4]float32 box, float32 score, uint32 dim, dim × float32)
//	Error: [1][uint32 len][message]
func decodeResponse(body []byte) ([]types.Candidate, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty detector response")
	}

	switch status {
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		if int(msgLen) > r.Len() {
			return nil, fmt.Errorf("malformed error response: message truncated")
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	case statusOK:
	default:
		return nil, fmt.Errorf("unknown detector status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}

	faces := make([]types.Candidate, 0, min(int(n), 64))
	for i := uint32(0); i < n; i++ {
		var head struct {
			Box   [4]float32
			Score float32
			Dim   uint32
		}
		if err := binary.Read(r, binary.BigEndian, &head); err != nil {
			return nil, fmt.Errorf("face %d: malformed header: %w", i, err)
		}
		if head.Dim == 0 || head.Dim > maxDescriptor {
			return nil, fmt.Errorf("face %d: invalid descriptor dimension %d", i, head.Dim)
		}
		raw := make([]float32, head.Dim)
		if err := binary.Read(r, binary.BigEndian, raw); err != nil {
			return nil, fmt.Errorf("face %d: truncated descriptor: %w", i, err)
		}

		desc := make(types.Descriptor, head.Dim)
		for j, v := range raw {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("face %d: non-finite descriptor value", i)
			}
			desc[j] = float64(v)
		}
		faces = append(faces, types.Candidate{
			Box: types.Box{
				X: float64(head.Box[0]),
				Y: float64(head.Box[1]),
				W: float64(head.Box[2]),
				H: float64(head.Box[3]),
			},
			Score:      float64(head.Score),
			Descriptor: desc,
		})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes in detector response", r.Len())
	}
	return faces, nil
}

// Close shuts the detector down and waits for it to exit.
func (w *PythonWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dead {
		w.Stdin.Close()
		w.DataPipe.Close()
		w.dead = true
	}
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Wait()
	}
}
