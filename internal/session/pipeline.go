package session

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/facematch/internal/logging"
	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/andresmejia3/facematch/internal/overlay"
	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils"
	"go.uber.org/zap"
)

// Detector is the external face detection capability the pipeline consumes.
type Detector interface {
	DetectAll(ctx context.Context, img []byte) ([]types.Candidate, error)
}

// Report describes one finished run.
type Report struct {
	RunID   string              `json:"run_id"`
	Results []types.MatchResult `json:"results"`
	Flagged []int               `json:"flagged"`
	Summary string              `json:"summary"`
	// Boxes are the candidate boxes in display coordinates, one per result.
	Boxes []types.Box `json:"boxes"`
	// Labels are the strings drawn on the overlay, empty for undrawn boxes.
	Labels   []string      `json:"labels"`
	Display  overlay.Size  `json:"display"`
	Duration time.Duration `json:"duration_ns"`
}

// Output is everything a run produces: the decoded image, its overlay, and the report.
type Output struct {
	Image  image.Image
	Canvas *overlay.Canvas
	Report Report
}

// Pipeline runs decode → detect → match → draw for one image.
type Pipeline struct {
	detector Detector
	style    overlay.Style
	logger   *zap.Logger
}

// NewPipeline builds a pipeline around a detector.
func NewPipeline(d Detector, style overlay.Style, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{detector: d, style: style, logger: logger.Named("pipeline")}
}

// Detect decodes and detects without matching; used for reference images.
func (p *Pipeline) Detect(ctx context.Context, runID string, data []byte) (image.Image, []types.Candidate, error) {
	img, _, err := utils.DecodeImage(data)
	if err != nil {
		return nil, nil, logging.NewOperationError("pipeline.decode", runID, err)
	}
	faces, err := p.detector.DetectAll(ctx, data)
	if err != nil {
		return nil, nil, logging.NewOperationError("pipeline.detect", runID, err)
	}
	return img, faces, nil
}

// Run processes one query image. display is the size the image is shown at;
// the zero Size means the image's own size. A query with no faces produces an
// empty report, not an error.
func (p *Pipeline) Run(ctx context.Context, runID string, m *matcher.Matcher, data []byte, display overlay.Size) (*Output, error) {
	start := time.Now()
	log := logging.WithOperation(p.logger, "pipeline.run", runID)

	if err := utils.CheckDimensions(display.Width, display.Height); err != nil {
		return nil, logging.NewOperationError("pipeline.display", runID, err)
	}

	img, faces, err := p.Detect(ctx, runID, data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, logging.NewOperationError("pipeline.match", runID, err)
	}
	// Descriptors come from an external process; a model change must not reach Distance.
	for i, f := range faces {
		if len(f.Descriptor) != m.Dim() {
			err := &matcher.DimensionError{Want: m.Dim(), Got: len(f.Descriptor)}
			return nil, logging.NewOperationError("pipeline.match", runID, fmt.Errorf("face %d: %w", i, err))
		}
	}

	if display.Width <= 0 || display.Height <= 0 {
		display = overlay.SizeOf(img)
	}
	canvas := overlay.NewCanvas(img)
	canvas.MatchDimensions(display)

	outcome := m.Match(faces)

	report := Report{
		RunID:   runID,
		Results: outcome.Results,
		Flagged: outcome.Flagged,
		Summary: outcome.Summary,
		Boxes:   make([]types.Box, len(faces)),
		Labels:  make([]string, len(faces)),
		Display: display,
	}

	drawAll := m.Config().Policy == matcher.PolicyBestLabel
	flagged := make(map[int]bool, len(outcome.Flagged))
	for _, i := range outcome.Flagged {
		flagged[i] = true
	}
	for i, f := range faces {
		box := overlay.ResizeBox(f.Box, overlay.SizeOf(img), display)
		report.Boxes[i] = box
		// Single-reference only ever draws the one flagged face.
		if !drawAll && !flagged[i] {
			continue
		}
		label := matcher.FormatLabel(outcome.Results[i])
		report.Labels[i] = label
		canvas.DrawBox(box, label, p.style)
	}

	report.Duration = time.Since(start)
	log.Info("run complete",
		zap.Int("faces", len(faces)),
		zap.Int("flagged", len(outcome.Flagged)),
		zap.String("summary", outcome.Summary),
		zap.Duration("duration", report.Duration),
	)
	return &Output{Image: img, Canvas: canvas, Report: report}, nil
}
