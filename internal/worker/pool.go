package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils"
)

// ErrPoolClosed is returned for requests made after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// engine is anything that can run detection for the pool; *PythonWorker in production.
type engine interface {
	DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error)
	Close()
}

type job struct {
	ctx  context.Context
	task types.ImageTask
	resp chan<- jobResult
}

type jobResult struct {
	faces []types.Candidate
	err   error
}

// Pool fans detection requests out over a fixed set of engines.
// Each engine handles one image at a time. An engine that reports
// ErrWorkerDead is replaced by a fresh one when the pool can spawn engines.
type Pool struct {
	jobs  chan job
	spawn func(id int) (engine, error)
	wg    sync.WaitGroup

	emu     sync.Mutex
	engines []engine

	mu     sync.RWMutex
	closed bool
}

// NewPool spawns n detector processes. If any fails to start, the ones
// already running are shut down.
func NewPool(ctx context.Context, n int, cfg Config) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	spawn := func(id int) (engine, error) {
		w, err := NewPythonWorker(ctx, id, cfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	engines := make([]engine, 0, n)
	for i := 0; i < n; i++ {
		w, err := spawn(i)
		if err != nil {
			for _, e := range engines {
				e.Close()
			}
			return nil, fmt.Errorf("engine %d: %w", i, err)
		}
		engines = append(engines, w)
	}
	return newPool(engines, spawn), nil
}

func newPool(engines []engine, spawn func(int) (engine, error)) *Pool {
	p := &Pool{
		jobs:    make(chan job, len(engines)),
		spawn:   spawn,
		engines: engines,
	}
	for i := range engines {
		p.wg.Add(1)
		go p.serve(i)
	}
	return p
}

// serve runs jobs on engine slot i until the pool is closed.
func (p *Pool) serve(i int) {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			j.resp <- jobResult{err: err}
			continue
		}
		e := p.engine(i)
		faces, err := e.DetectAll(j.ctx, j.task.Data)
		j.resp <- jobResult{faces: faces, err: err}
		if errors.Is(err, ErrWorkerDead) {
			p.respawn(i, e)
		}
	}
}

func (p *Pool) engine(i int) engine {
	p.emu.Lock()
	defer p.emu.Unlock()
	return p.engines[i]
}

// respawn replaces a dead engine. If no replacement can be started the dead
// one stays in its slot and keeps failing fast.
func (p *Pool) respawn(i int, dead engine) {
	if p.spawn == nil {
		return
	}
	dead.Close()
	e, err := p.spawn(i)
	if err != nil {
		return
	}
	p.emu.Lock()
	p.engines[i] = e
	p.emu.Unlock()
}

// Size returns the number of engines.
func (p *Pool) Size() int { return len(p.engines) }

// Command returns the process behind engine i so callers can dump its stderr
// with utils.ShowError. It is nil for engines that are not detector processes.
func (p *Pool) Command(i int) *utils.SafeCommand {
	if i < 0 || i >= len(p.engines) {
		return nil
	}
	if w, ok := p.engine(i).(*PythonWorker); ok {
		return w.Cmd
	}
	return nil
}

// DetectAll runs detection on the next free engine.
func (p *Pool) DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error) {
	resp := make(chan jobResult, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.jobs <- job{ctx: ctx, task: types.ImageTask{Data: img}, resp: resp}:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.faces, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DetectSingle returns the primary face of the image, or nil if there is none.
func (p *Pool) DetectSingle(ctx context.Context, img []byte) (*types.Candidate, error) {
	faces, err := p.DetectAll(ctx, img)
	if err != nil {
		return nil, err
	}
	return types.Primary(faces), nil
}

// DetectBatch detects the primary face of every image concurrently and
// reports progress through done (which may be nil). Results are indexed like
// the input; a nil entry means no face was found.
func (p *Pool) DetectBatch(ctx context.Context, imgs [][]byte, done func(types.ImageTask, error)) ([]*types.Candidate, error) {
	out := make([]*types.Candidate, len(imgs))
	errs := make([]error, len(imgs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Size())
feed:
	for i, img := range imgs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			break feed
		}
		wg.Add(1)
		go func(task types.ImageTask) {
			defer wg.Done()
			defer func() { <-sem }()
			c, err := p.DetectSingle(ctx, task.Data)
			out[task.Index], errs[task.Index] = c, err
			if done != nil {
				done(task, err)
			}
		}(types.ImageTask{Index: i, Data: img})
	}
	wg.Wait()

	return out, errors.Join(errs...)
}

// Close stops accepting work, waits for in-flight jobs, and shuts the engines down.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.emu.Lock()
	defer p.emu.Unlock()
	for _, e := range p.engines {
		e.Close()
	}
}
