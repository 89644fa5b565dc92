package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/andresmejia3/facematch/internal/cache"
	"github.com/andresmejia3/facematch/internal/gallery"
	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/andresmejia3/facematch/internal/session"
	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/andresmejia3/facematch/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// engine bundles the detector pool with the optional descriptor cache in front of it.
type engine struct {
	pool     *worker.Pool
	detector session.Detector
	redis    *cache.RedisCache
}

// detectionThreshold prefers the flag over FACEMATCH_DETECTION_THRESHOLD.
func detectionThreshold(cmd *cobra.Command, opts Options) float64 {
	if cmd.Flags().Changed("detection-threshold") {
		return opts.DetectionThreshold
	}
	return Cfg.Worker.DetectionThreshold
}

func startEngine(ctx context.Context, detectionThreshold float64) (*engine, error) {
	fmt.Fprintf(os.Stderr, "🚀 Starting %d detector engine(s)...\n", Cfg.Worker.Engines)
	pool, err := worker.NewPool(ctx, Cfg.Worker.Engines, worker.Config{
		Script:             Cfg.Worker.Script,
		DetectionThreshold: detectionThreshold,
		ReadTimeout:        Cfg.Worker.Timeout,
	})
	if err != nil {
		return nil, err
	}
	e := &engine{pool: pool, detector: pool}

	if Cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(ctx, Cfg.Redis.URL)
		if err != nil {
			// The cache is an optimisation; run without it.
			Logger.Warn("descriptor cache unavailable", zap.Error(err))
		} else {
			e.redis = rc
			script := Cfg.Worker.Script
			if script == "" {
				script = worker.DefaultScript
			}
			e.detector = cache.NewDetector(pool, rc, Cfg.Redis.TTL, cache.Namespace(script, detectionThreshold), Logger)
		}
	}
	return e, nil
}

// showError prints the boxed error report with the first engine's stderr.
func (e *engine) showError(context string, err error) {
	utils.ShowError(context, err, e.pool.Command(0))
}

func (e *engine) Close() {
	if e.redis != nil {
		e.redis.Close()
	}
	e.pool.Close()
}

// gallerySelected reports whether a gallery source replaces the reference image.
func gallerySelected(opts Options) bool {
	return opts.GalleryPath != "" || opts.Demo || opts.FromDB
}

// validateGalleryFlags rejects more than one gallery source.
func validateGalleryFlags(opts Options) error {
	n := 0
	for _, set := range []bool{opts.GalleryPath != "", opts.Demo, opts.FromDB} {
		if set {
			n++
		}
	}
	if n > 1 {
		return errors.New("--gallery, --demo and --from-db are mutually exclusive")
	}
	return nil
}

// loadManifest returns the manifest selected by --gallery or --demo, or nil.
func loadManifest(opts Options) (*gallery.Manifest, error) {
	switch {
	case opts.GalleryPath != "":
		return gallery.LoadManifest(opts.GalleryPath)
	case opts.Demo:
		return &gallery.Manifest{Identities: gallery.Demo()}, nil
	}
	return nil, nil
}

// buildGallery enrolls the selected gallery source.
func buildGallery(ctx context.Context, e *engine, opts Options, m *gallery.Manifest) ([]types.LabeledDescriptor, error) {
	if opts.FromDB {
		db, err := openDB(ctx)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(os.Stderr, "🗄️  Loading gallery from database...")
		g, err := db.LoadGallery(ctx)
		if err != nil {
			return nil, err
		}
		if len(g) == 0 {
			return nil, fmt.Errorf("database gallery is empty: %w", matcher.ErrNoReferenceFace)
		}
		return g, nil
	}
	return gallery.Build(ctx, e.pool, m.Identities, gallery.Options{
		Progress: os.Stderr,
		Logger:   Logger,
	})
}

// resolveMatchConfig merges flags, manifest overrides, and the environment,
// in that order of precedence.
func resolveMatchConfig(cmd *cobra.Command, opts Options, m *gallery.Manifest) (matcher.Config, session.Mode, error) {
	mc := Cfg.Match
	if m != nil {
		if m.Policy != "" {
			mc.Policy = m.Policy
		}
		if m.Aggregation != "" {
			mc.Aggregation = m.Aggregation
		}
		if m.Threshold > 0 {
			t := m.Threshold
			mc.Threshold = &t
		}
	}
	flags := cmd.Flags()
	if flags.Changed("policy") {
		mc.Policy = opts.Policy
		// A policy switch without an explicit threshold uses that policy's default.
		if !flags.Changed("threshold") && (m == nil || m.Threshold == 0) {
			mc.Threshold = nil
		}
	}
	if flags.Changed("aggregation") {
		mc.Aggregation = opts.Aggregation
	}
	if flags.Changed("threshold") {
		if opts.Threshold < 0 || math.IsNaN(opts.Threshold) {
			return matcher.Config{}, 0, fmt.Errorf("invalid threshold %v: must be >= 0", opts.Threshold)
		}
		t := opts.Threshold
		mc.Threshold = &t
	}
	if flags.Changed("mode") {
		mc.Mode = opts.Mode
	}
	mode, err := session.ParseMode(mc.Mode)
	if err != nil {
		return matcher.Config{}, 0, err
	}
	cfg, err := mc.Matcher()
	return cfg, mode, err
}

// addMatchFlags registers the matcher flags shared by match and serve.
func addMatchFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.Policy, "policy", "p", string(matcher.PolicyBestLabel), "Match policy: best-label or single-reference")
	cmd.Flags().Float64VarP(&opts.Threshold, "threshold", "t", matcher.DefaultThreshold, "Match threshold (lower is stricter; default depends on policy)")
	cmd.Flags().StringVar(&opts.Aggregation, "aggregation", string(matcher.AggregateNearest), "Per-identity distance: nearest or mean")
	cmd.Flags().StringVar(&opts.GalleryPath, "gallery", "", "YAML gallery manifest to match against instead of a reference image")
	cmd.Flags().BoolVar(&opts.Demo, "demo", false, "Match against the public demo gallery")
	cmd.Flags().BoolVar(&opts.FromDB, "from-db", false, "Match against the gallery stored in PostgreSQL")
	cmd.Flags().Float64VarP(&opts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
}
