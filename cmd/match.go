package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facematch/internal/gallery"
	"github.com/andresmejia3/facematch/internal/matcher"
	"github.com/andresmejia3/facematch/internal/overlay"
	"github.com/andresmejia3/facematch/internal/session"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/spf13/cobra"
)

var matchOpts Options

var matchCmd = &cobra.Command{
	Use:   "match [reference_image] <query_image>",
	Short: "Find the faces of a reference image (or gallery) in a query image",
	Long: `Detects every face in the query image and labels each one against the
faces of the reference image. With --gallery, --demo or --from-db the query is
matched against a labeled gallery instead and only the query image is given.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if err := validateGalleryFlags(matchOpts); err != nil {
			return err
		}
		want := 2
		if gallerySelected(matchOpts) {
			want = 1
		}
		if len(args) != want {
			return fmt.Errorf("accepts %d image argument(s), received %d", want, len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runMatch(cmd, args, matchOpts)
	},
}

func init() {
	addMatchFlags(matchCmd, &matchOpts)
	matchCmd.Flags().StringVarP(&matchOpts.OutputPath, "output", "o", "", "Write the annotated query image to this PNG file")
	matchCmd.Flags().BoolVar(&matchOpts.JSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string, opts Options) error {
	ctx := cmd.Context()

	manifest, err := loadManifest(opts)
	if err != nil {
		return err
	}
	mcfg, mode, err := resolveMatchConfig(cmd, opts, manifest)
	if err != nil {
		return err
	}

	queryPath := args[len(args)-1]
	queryData, err := os.ReadFile(queryPath)
	if err != nil {
		return fmt.Errorf("failed to read query image: %w", err)
	}

	eng, err := startEngine(ctx, detectionThreshold(cmd, opts))
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer eng.Close()

	sess := session.New(session.NewPipeline(eng.detector, overlay.DefaultStyle, Logger), mcfg, mode, Logger)

	if err := loadReference(ctx, eng, sess, args, opts, manifest); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "🔍 Matching faces...")
	report, err := sess.Run(ctx, queryData, overlay.Size{})
	if err != nil {
		eng.showError("Matching failed", err)
		return err
	}

	if opts.OutputPath != "" {
		if err := writeOverlay(sess, opts.OutputPath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image written to %s\n", opts.OutputPath)
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(os.Stdout, report)
	return nil
}

// loadReference installs either the reference image's faces or a gallery as the matcher.
func loadReference(ctx context.Context, eng *engine, sess *session.Session, args []string, opts Options, manifest *gallery.Manifest) error {
	if gallerySelected(opts) {
		g, err := buildGallery(ctx, eng, opts, manifest)
		if err != nil {
			eng.showError("Failed to build gallery", err)
			return err
		}
		if err := sess.SetGallery(g); err != nil {
			eng.showError("Invalid gallery", err)
			return err
		}
		fmt.Fprintf(os.Stderr, "📚 Gallery loaded: %d identities\n", len(g))
		return nil
	}

	refData, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read reference image: %w", err)
	}
	fmt.Fprintln(os.Stderr, "🧬 Analyzing reference faces...")
	n, err := sess.SetReference(ctx, refData)
	if errors.Is(err, matcher.ErrNoReferenceFace) {
		fmt.Println("❌ No faces detected in the reference image.")
		return err
	}
	if err != nil {
		eng.showError("Reference analysis failed", err)
		return err
	}
	fmt.Fprintf(os.Stderr, "✅ Reference loaded: %d face(s)\n", n)
	return nil
}

func writeOverlay(sess *session.Session, path string) error {
	img, err := sess.Target(session.TargetOverlay)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := overlay.EncodePNG(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode output image: %w", err)
	}
	return f.Close()
}

// printReport writes one row per detected face followed by the summary line.
func printReport(out io.Writer, r *session.Report) {
	if len(r.Results) == 0 {
		fmt.Fprintln(out, "No faces detected in the query image.")
		fmt.Fprintln(out, r.Summary)
		return
	}

	flagged := make(map[int]bool, len(r.Flagged))
	for _, i := range r.Flagged {
		flagged[i] = true
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tLABEL\tDISTANCE\tMATCH")
	fmt.Fprintln(w, "----\t---\t-----\t--------\t-----")
	for i, res := range r.Results {
		b := r.Boxes[i]
		mark := ""
		if flagged[i] {
			mark = "✅"
		}
		fmt.Fprintf(w, "%d\t%.0f,%.0f %.0fx%.0f\t%s\t%.4f\t%s\n", i+1, b.X, b.Y, b.W, b.H, res.Label, res.Distance, mark)
	}
	w.Flush()
	fmt.Fprintln(out, r.Summary)
}
