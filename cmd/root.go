package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/faceguard/internal/config"
	"github.com/andresmejia3/faceguard/internal/logger"
	"github.com/andresmejia3/faceguard/internal/media"
	"github.com/andresmejia3/faceguard/internal/store"
	"github.com/andresmejia3/faceguard/internal/validator"
	"github.com/andresmejia3/faceguard/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds flags shared by validate, find and serve. Zero values defer
// to the loaded configuration.
type Options struct {
	NumEngines    int
	Threshold     float64
	MinConfidence float64
	DryRun        bool
}

var (
	// DB is the store shared by subcommands
	DB store.Store
	// Cfg is the resolved configuration
	Cfg *config.Config
	// Log is the root logger; components receive named children
	Log *zap.Logger

	dbURL   string
	cfgFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "faceguard",
	Short:   "Human photo validation with duplicate face detection",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		// The flag wins over the file and the environment
		if dbURL != "" {
			Cfg.DatabaseURL = dbURL
		}

		Log, err = logger.New(Cfg.Log.Level, Cfg.Log.Development)
		if err != nil {
			return err
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), Cfg.DatabaseURL, Log.Named("store"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to close the pool.
			DB.Close(context.Background())
		}
		if Log != nil {
			Log.Sync()
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
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database connection string; memory:// keeps records in-process (default: postgres://localhost:5432/faceguard)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
}

// newRegistrar wires the worker pool, pipeline and store together. The
// caller must Close the returned pool.
func newRegistrar(opts Options) (*validator.Registrar, *worker.Pool) {
	engines := Cfg.Worker.Engines
	if opts.NumEngines > 0 {
		engines = opts.NumEngines
	}
	threshold := Cfg.Match.Threshold
	if opts.Threshold > 0 {
		threshold = opts.Threshold
	}
	minConfidence := Cfg.Detection.MinConfidence
	if opts.MinConfidence > 0 {
		minConfidence = opts.MinConfidence
	}

	pool := worker.NewPool(worker.Config{
		Command:     Cfg.Worker.Command,
		Args:        Cfg.Worker.Args,
		ReadTimeout: Cfg.Worker.ReadTimeout,
	}, engines, Log.Named("worker"))

	sessions := validator.SessionFunc(func(ctx context.Context) (validator.Session, error) {
		s, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	pipeline := validator.NewPipeline(sessions, validator.Options{
		MinConfidence: minConfidence,
		MaxEncodeSide: Cfg.Detection.MaxEncodeSize,
		Threshold:     threshold,
		StageTimeout:  Cfg.StageTimeout,
	}, Log.Named("validator"))

	reg := validator.NewRegistrar(pipeline, DB, media.NewLocal(Cfg.MediaDir), Log.Named("registrar"))
	return reg, pool
}
