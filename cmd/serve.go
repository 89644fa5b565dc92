package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/facematch/internal/overlay"
	"github.com/andresmejia3/facematch/internal/session"
	"github.com/andresmejia3/facematch/internal/utils"
	"github.com/andresmejia3/facematch/internal/web"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveOpts Options

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload service",
	Long: `Serves POST /inputs/{input-reference-image|input-query-image} and
GET /targets/{reference-image|query-image|query-overlay}. A gallery given with
--gallery, --demo or --from-db is loaded before the first request.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateGalleryFlags(serveOpts); err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runServe(cmd, serveOpts)
	},
}

func init() {
	addMatchFlags(serveCmd, &serveOpts)
	serveCmd.Flags().StringVar(&serveOpts.Addr, "addr", "", "Listen address (default: FACEMATCH_ADDR or :8080)")
	serveCmd.Flags().StringVar(&serveOpts.Mode, "mode", "latest-wins", "Overlapping query uploads: latest-wins or queue")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, opts Options) error {
	ctx := cmd.Context()

	manifest, err := loadManifest(opts)
	if err != nil {
		return err
	}
	mcfg, mode, err := resolveMatchConfig(cmd, opts, manifest)
	if err != nil {
		return err
	}
	addr := Cfg.Server.Addr
	if cmd.Flags().Changed("addr") {
		addr = opts.Addr
	}

	eng, err := startEngine(ctx, detectionThreshold(cmd, opts))
	if err != nil {
		utils.ShowError("Failed to start detector", err, nil)
		return err
	}
	defer eng.Close()

	sess := session.New(session.NewPipeline(eng.detector, overlay.DefaultStyle, Logger), mcfg, mode, Logger)
	if gallerySelected(opts) {
		if err := loadReference(ctx, eng, sess, nil, opts, manifest); err != nil {
			return err
		}
	}

	srv := web.NewServer(sess, addr, Logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		Logger.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	return <-errCh
}
