package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/facematch/internal/gallery"
	"github.com/andresmejia3/facematch/internal/store"
	"github.com/andresmejia3/facematch/internal/types"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/spf13/cobra"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Detect gallery faces with parallel engines and store them in the database",
	Long: `Reads a YAML manifest of labeled images (or the public demo gallery with --demo),
detects one face per image and stores the descriptors under their labels.
Re-enrolling a label replaces its stored descriptors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateEnrollFlags(enrollOpts); err != nil {
			return err
		}
		enrollOpts.DetectionThreshold = detectionThreshold(cmd, enrollOpts)
		return runEnroll(cmd.Context(), enrollOpts)
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollOpts.GalleryPath, "manifest", "m", "", "YAML gallery manifest")
	enrollCmd.Flags().BoolVar(&enrollOpts.Demo, "demo", false, "Enroll the public demo gallery")
	enrollCmd.Flags().Float64VarP(&enrollOpts.DetectionThreshold, "detection-threshold", "D", 0.5, "Face detection confidence threshold")
	rootCmd.AddCommand(enrollCmd)
}

func validateEnrollFlags(opts Options) error {
	if opts.GalleryPath == "" && !opts.Demo {
		return errors.New("one of --manifest or --demo is required")
	}
	if opts.GalleryPath != "" && opts.Demo {
		return errors.New("--manifest and --demo are mutually exclusive")
	}
	return nil
}

// enrollSource names where stored descriptors came from.
func enrollSource(opts Options) string {
	if opts.Demo {
		return "demo"
	}
	return opts.GalleryPath
}

// galleryWriter is the part of the store enrollment writes to.
type galleryWriter interface {
	EnsureIdentity(ctx context.Context, name string) (int, error)
	ReplaceDescriptors(ctx context.Context, identityID int, source string, ds []types.Descriptor) error
}

var _ galleryWriter = (*store.Store)(nil)

// persistGallery stores every enrolled identity and returns the ids in gallery order.
func persistGallery(ctx context.Context, w galleryWriter, source string, g []types.LabeledDescriptor) ([]int, error) {
	ids := make([]int, len(g))
	for i, entry := range g {
		id, err := w.EnsureIdentity(ctx, entry.Label)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", entry.Label, err)
		}
		if err := w.ReplaceDescriptors(ctx, id, source, entry.Descriptors); err != nil {
			return nil, fmt.Errorf("descriptors for %q: %w", entry.Label, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func runEnroll(ctx context.Context, opts Options) error {
	manifest, err := loadManifest(opts)
	if err != nil {
		utils.ShowError("Invalid manifest", err, nil)
		return err
	}

	db, err := openDB(ctx)
	if err != nil {
		utils.ShowError("Database unavailable", err, nil)
		return err
	}

	eng, err := startEngine(ctx, opts.DetectionThreshold)
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer eng.Close()

	g, err := gallery.Build(ctx, eng.pool, manifest.Identities, gallery.Options{
		Progress: os.Stderr,
		Logger:   Logger,
	})
	if err != nil {
		eng.showError("Enrollment failed", err)
		return err
	}
	if len(g) == 0 {
		fmt.Println("❌ No faces detected in any gallery image.")
		return nil
	}

	ids, err := persistGallery(ctx, db, enrollSource(opts), g)
	if err != nil {
		utils.ShowError("Failed to store gallery", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	for i, entry := range g {
		fmt.Fprintf(os.Stderr, "👤 %s (ID: %d): %d descriptor(s)\n", entry.Label, ids[i], len(entry.Descriptors))
	}
	if dropped := len(manifest.Identities) - len(g); dropped > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d identity(ies) had no usable face and were skipped\n", dropped)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	return nil
}
