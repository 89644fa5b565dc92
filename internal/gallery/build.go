package gallery

import (
	"context"
	"fmt"
	"io"

	"github.com/andresmejia3/facematch/internal/types"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// BatchDetector detects the primary face of many images; *worker.Pool in production.
type BatchDetector interface {
	DetectBatch(ctx context.Context, imgs [][]byte, done func(types.ImageTask, error)) ([]*types.Candidate, error)
}

// Options tune Build.
type Options struct {
	Fetcher  *Fetcher
	Progress io.Writer // nil disables the progress bar
	Logger   *zap.Logger
}

// Build enrolls every source: it loads the images, detects one face per
// image, and groups the descriptors under their labels in source order.
// Images without a face are skipped and a label left with no descriptors is
// dropped. Load and detector errors abort the build.
func Build(ctx context.Context, det BatchDetector, sources []Source, opts Options) ([]types.LabeledDescriptor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewFetcher()
	}

	type ref struct {
		label, src string
	}
	var (
		refs []ref
		imgs [][]byte
	)
	for _, s := range sources {
		for _, src := range s.Images {
			data, err := fetcher.Read(ctx, src)
			if err != nil {
				return nil, fmt.Errorf("load %s image %s: %w", s.Label, src, err)
			}
			refs = append(refs, ref{label: s.Label, src: src})
			imgs = append(imgs, data)
		}
	}

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(imgs),
			progressbar.OptionSetDescription("🧬 Enrolling faces"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowCount(),
		)
	}
	faces, err := det.DetectBatch(ctx, imgs, func(types.ImageTask, error) {
		if bar != nil {
			bar.Add(1)
		}
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return nil, fmt.Errorf("detect gallery faces: %w", err)
	}

	byLabel := make(map[string][]types.Descriptor, len(sources))
	for i, f := range faces {
		if f == nil {
			logger.Warn("no face in gallery image, skipping",
				zap.String("label", refs[i].label), zap.String("image", refs[i].src))
			continue
		}
		byLabel[refs[i].label] = append(byLabel[refs[i].label], f.Descriptor)
	}

	out := make([]types.LabeledDescriptor, 0, len(sources))
	for _, s := range sources {
		ds := byLabel[s.Label]
		if len(ds) == 0 {
			logger.Warn("identity has no usable images, dropping", zap.String("label", s.Label))
			continue
		}
		out = append(out, types.LabeledDescriptor{Label: s.Label, Descriptors: ds})
	}
	return out, nil
}
