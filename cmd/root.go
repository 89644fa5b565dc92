package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facematch/internal/config"
	"github.com/andresmejia3/facematch/internal/logging"
	"github.com/andresmejia3/facematch/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds shared configuration for match, find, enroll, and serve commands
type Options struct {
	Policy             string
	Threshold          float64
	Aggregation        string
	Mode               string
	GalleryPath        string
	Demo               bool
	FromDB             bool
	OutputPath         string
	JSON               bool
	DetectionThreshold float64
	Addr               string
}

var (
	// DB is the database connection shared by subcommands, opened on first use
	DB *store.Store
	// Cfg is the environment configuration, loaded before any command runs
	Cfg *config.Config
	// Logger is the structured logger built from --log-level
	Logger *zap.Logger

	dbURL        string
	logLevel     string
	workerScript string
	numEngines   int
	redisURL     string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facematch",
	Short:   "Face detection and matching against a reference image or gallery",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(cmd)

		l, err := logging.New(Cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		Logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
		if Logger != nil {
			_ = Logger.Sync()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: FACEMATCH_DB_URL, POSTGRES_*, or postgres://localhost:5432/facematch)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: FACEMATCH_LOG_LEVEL or info)")
	flags.StringVar(&workerScript, "worker-script", "", "Path to the Python detector script (default: FACEMATCH_WORKER_SCRIPT or python/detector.py)")
	flags.IntVarP(&numEngines, "engines", "e", 0, "Number of parallel detector processes (default: FACEMATCH_ENGINES or 1)")
	flags.StringVar(&redisURL, "redis", "", "Redis URL for the descriptor cache (default: FACEMATCH_REDIS_URL, empty disables)")
}

func initConfig() {
	config.LoadEnv()
	Cfg = config.Load()
}

// applyFlagOverrides lets explicit flags win over the environment.
func applyFlagOverrides(cmd *cobra.Command) {
	if Cfg == nil {
		Cfg = config.Load()
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		Cfg.Database.URL = dbURL
	}
	if flags.Changed("log-level") {
		Cfg.LogLevel = logLevel
	}
	if flags.Changed("worker-script") {
		Cfg.Worker.Script = workerScript
	}
	if flags.Changed("engines") && numEngines > 0 {
		Cfg.Worker.Engines = numEngines
	}
	if flags.Changed("redis") {
		Cfg.Redis.URL = redisURL
	}
}

// openDB connects to PostgreSQL on first use. Commands that never touch the
// gallery store never need a database.
func openDB(ctx context.Context) (*store.Store, error) {
	if DB != nil {
		return DB, nil
	}
	s, err := store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = s
	return DB, nil
}
