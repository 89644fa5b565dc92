// Package session owns the state a user sees between uploads: the loaded
// reference, the current matcher, and the single image + overlay pair of the
// last query run.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/facematch/internal/logging"
	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/andresmejia3/facematch/internal/overlay"
	"github.com/andresmejia3/facematch/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Input and target identifiers accepted from callers.
const (
	InputReference = "input-reference-image"
	InputQuery     = "input-query-image"

	TargetReference = "reference-image"
	TargetQuery     = "query-image"
	TargetOverlay   = "query-overlay"
)

var (
	// ErrInvalidInput is returned for an unknown input identifier.
	ErrInvalidInput = errors.New("invalid input element")
	// ErrMissingTarget is returned for an unknown or not yet populated target.
	ErrMissingTarget = errors.New("missing target element")
	// ErrNoReference is returned when a query runs before any reference or gallery is loaded.
	ErrNoReference = errors.New("no reference loaded")
	// ErrSuperseded is returned by a run that a newer upload cancelled; its results are discarded.
	ErrSuperseded = errors.New("run superseded by a newer upload")
)

// ValidateInput checks an input identifier.
func ValidateInput(id string) error {
	if id != InputReference && id != InputQuery {
		return fmt.Errorf("%w: %q", ErrInvalidInput, id)
	}
	return nil
}

// Mode selects how overlapping query runs are handled.
type Mode int

const (
	// ModeLatestWins cancels the in-flight run when a new one starts.
	ModeLatestWins Mode = iota
	// ModeQueue runs uploads one at a time in arrival order.
	ModeQueue
)

// ParseMode converts a flag value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "latest", "latest-wins", "":
		return ModeLatestWins, nil
	case "queue":
		return ModeQueue, nil
	}
	return 0, fmt.Errorf("invalid run mode %q: must be latest-wins or queue", s)
}

// Session serialises pipeline runs and owns the display container.
type Session struct {
	pipeline *Pipeline
	cfg      matcher.Config
	mode     Mode
	logger   *zap.Logger

	mu        sync.Mutex
	turn      *sync.Cond
	served    uint64 // last generation finished, queue mode
	gen       uint64
	cancel    context.CancelFunc
	container Container
	matcher   *matcher.Matcher
	reference image.Image
	last      *Report
}

// New creates a session. cfg is used when a matcher is built from a reference image.
func New(p *Pipeline, cfg matcher.Config, mode Mode, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{pipeline: p, cfg: cfg, mode: mode, logger: logger.Named("session")}
	s.turn = sync.NewCond(&s.mu)
	return s
}

// SetMatcher installs a prebuilt matcher.
func (s *Session) SetMatcher(m *matcher.Matcher) {
	s.mu.Lock()
	s.matcher = m
	s.mu.Unlock()
}

// SetGallery builds a matcher over a labeled gallery and installs it.
func (s *Session) SetGallery(gallery []types.LabeledDescriptor) error {
	m, err := matcher.New(gallery, s.cfg)
	if err != nil {
		return err
	}
	s.SetMatcher(m)
	return nil
}

// Matcher returns the current matcher, nil before any reference is loaded.
func (s *Session) Matcher() *matcher.Matcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matcher
}

// SetReference detects faces in a reference image and rebuilds the matcher.
// With no face in the image it returns matcher.ErrNoReferenceFace and keeps
// the previous matcher.
func (s *Session) SetReference(ctx context.Context, data []byte) (int, error) {
	runID := uuid.NewString()
	log := logging.WithOperation(s.logger, "session.reference", runID)

	img, faces, err := s.pipeline.Detect(ctx, runID, data)
	if err != nil {
		log.Error("reference detection failed", zap.Error(err))
		return 0, err
	}
	m, err := matcher.FromReference(faces, s.cfg)
	if err != nil {
		log.Warn("reference rejected", zap.Error(err))
		return 0, logging.NewOperationError("session.reference", runID, err)
	}

	s.mu.Lock()
	s.matcher = m
	s.reference = img
	s.mu.Unlock()

	log.Info("reference loaded", zap.Int("faces", len(faces)))
	return len(faces), nil
}

// Run executes the pipeline for one query upload and mounts its output.
func (s *Session) Run(ctx context.Context, data []byte, display overlay.Size) (*Report, error) {
	runID := uuid.NewString()
	log := logging.WithOperation(s.logger, "session.run", runID)

	s.mu.Lock()
	m := s.matcher
	if m == nil {
		s.mu.Unlock()
		return nil, ErrNoReference
	}
	s.gen++
	gen := s.gen
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.mode == ModeQueue {
		defer s.finishTurn(gen)
		for s.served != gen-1 {
			s.turn.Wait()
		}
	} else if s.cancel != nil {
		log.Debug("cancelling in-flight run")
		s.cancel()
	}
	s.cancel = cancel

	// Teardown is unconditional: a failed previous run must not leave its
	// image, canvas or report behind.
	s.container.Clear()
	s.last = nil
	s.mu.Unlock()

	out, err := s.pipeline.Run(runCtx, runID, m, data, display)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancel = nil
	}
	if s.mode == ModeLatestWins && s.gen != gen {
		log.Info("discarding stale run")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSuperseded, err)
		}
		return nil, ErrSuperseded
	}
	if err != nil {
		log.Error("run failed", zap.Error(err))
		return nil, err
	}

	s.container.Clear()
	if err := s.container.Mount(out.Image, out.Canvas); err != nil {
		return nil, err
	}
	s.last = &out.Report
	return &out.Report, nil
}

func (s *Session) finishTurn(gen uint64) {
	s.mu.Lock()
	s.served = gen
	s.turn.Broadcast()
	s.mu.Unlock()
}

// Last returns the report of the last mounted run.
func (s *Session) Last() (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, fmt.Errorf("%w: no query has been run", ErrMissingTarget)
	}
	r := *s.last
	return &r, nil
}

// Target returns the image currently shown in a display target.
func (s *Session) Target(id string) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var img image.Image
	switch id {
	case TargetReference:
		img = s.reference
	case TargetQuery:
		img = s.container.Image()
	case TargetOverlay:
		if c := s.container.Canvas(); c != nil && s.container.Image() != nil {
			img = overlay.Compose(s.container.Image(), c)
		}
	default:
		return nil, fmt.Errorf("%w: unknown target %q", ErrMissingTarget, id)
	}
	if img == nil {
		return nil, fmt.Errorf("%w: %q is empty", ErrMissingTarget, id)
	}
	return img, nil
}

// Elements reports how many images and canvases are mounted.
func (s *Session) Elements() (images, canvases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.container.Count()
}
