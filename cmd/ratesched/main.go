// Command ratesched runs the multi-dimensional rate-limiting scheduler as
// a standalone HTTP service, grounded on cmd/ollamacron/main.go's
// Application-struct-plus-cobra-tree shape: a root command carrying global
// flags, subcommands delegating to Application methods, and a signal-driven
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/largetownsky/ratesched/pkg/config"
	"github.com/largetownsky/ratesched/pkg/logging"
	"github.com/largetownsky/ratesched/pkg/ratelimit"
	"github.com/largetownsky/ratesched/pkg/ratelimit/ledgerstore"
	"github.com/largetownsky/ratesched/pkg/ratelimitapi"
	"github.com/largetownsky/ratesched/pkg/ratelimitmetrics"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Application holds everything a ratesched invocation may construct,
// mirroring Application's role in the teacher's main.go: one struct that
// subcommands fill in and tear down, rather than a pile of package
// globals.
type Application struct {
	Config      *config.Config
	Coordinator *ratelimit.Coordinator
	APIServer   *ratelimitapi.Server
	Logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app := &Application{}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	rootCmd := &cobra.Command{
		Use:   "ratesched",
		Short: "ratesched - multi-dimensional rate-limiting scheduler",
		Long: `ratesched admits jobs against a matrix of rolling-window resource
limits, dispatching as many as concurrently fit and queuing the rest until
enough past usage has aged out of every limit's window.`,
		Version:      buildVersion(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initializeLogging(cmd)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error), overrides config")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console), overrides config")

	rootCmd.AddCommand(
		buildServeCmd(app),
		buildConfigCmd(app),
		buildVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildServeCmd(app *Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP admission API, metrics endpoint, and configured ledger store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServe(cmd, args)
		},
	}
	cmd.Flags().String("host", "", "override server.host")
	cmd.Flags().Int("port", 0, "override server.port")
	return cmd
}

func buildConfigCmd(app *Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runConfigValidate(cmd, args)
		},
	})
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ratesched %s\n", buildVersion())
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built: %s\n", date)
			fmt.Printf("  go: %s (%s/%s)\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func (app *Application) initializeLogging(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.Logging.Format = v
	}

	logger, err := logging.New(cfg.Logging, "ratesched")
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}

	app.Config = cfg
	app.Logger = logger
	return nil
}

func (app *Application) runConfigValidate(cmd *cobra.Command, args []string) error {
	if err := config.Validate(app.Config); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

func (app *Application) runServe(cmd *cobra.Command, args []string) error {
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		app.Config.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		app.Config.Server.Port = port
	}
	if err := config.Validate(app.Config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	registry := ratelimitmetrics.NewRegistry(prometheus.DefaultRegisterer)

	if err := app.initializeCoordinator(registry); err != nil {
		return fmt.Errorf("initializing coordinator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownGrace)
		defer cancel()
		if err := app.Coordinator.Term(shutdownCtx); err != nil {
			app.Logger.Error().Err(err).Msg("coordinator shutdown error")
		}
	}()

	app.APIServer = ratelimitapi.NewServer(app.Coordinator, registry, app.Logger, app.Config.Server, app.Config.Auth, app.Config.Metrics)

	if err := app.APIServer.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	app.Logger.Info().
		Str("version", version).
		Str("host", app.Config.Server.Host).
		Int("port", app.Config.Server.Port).
		Msg("ratesched serving")

	return app.waitForShutdown()
}

// initializeCoordinator builds the ledger store configured by
// Persistence.Backend and constructs the Coordinator around it, wiring
// APIServer.PushStatsSnapshot in once the server exists via a
// forward-declared closure (the coordinator must exist before the server
// can be built, and the server's retirement hook must exist before the
// coordinator starts dispatching), and feeding registry's dispatch-latency,
// job-duration, and persistence-failure series straight from the
// coordinator's own event hooks.
func (app *Application) initializeCoordinator(registry *ratelimitmetrics.Registry) error {
	limits, err := matrixFromConfig(app.Config.Scheduler)
	if err != nil {
		return err
	}

	store, err := storeFromConfig(app.Config.Persistence, len(limits))
	if err != nil {
		return err
	}

	opts := []ratelimit.Option{
		ratelimit.WithOnRetire(func() {
			if app.APIServer != nil {
				app.APIServer.PushStatsSnapshot()
			}
		}),
		ratelimit.WithOnDispatch(func(usage []int64, waitSeconds float64) {
			for d := range usage {
				registry.DispatchLatency.WithLabelValues(strconv.Itoa(d)).Observe(waitSeconds)
			}
		}),
		ratelimit.WithOnJobComplete(func(durationSeconds float64, succeeded bool) {
			outcome := "ok"
			if !succeeded {
				outcome = "error"
			}
			registry.JobDuration.WithLabelValues(outcome).Observe(durationSeconds)
		}),
		ratelimit.WithOnPersistenceFailure(func(err error) {
			registry.PersistenceFailures.WithLabelValues("add").Inc()
		}),
	}
	if store != nil {
		opts = append(opts, ratelimit.WithStore(store))
	}

	coord, err := ratelimit.New(limits, app.Config.Scheduler.MaxConcurrent, opts...)
	if err != nil {
		return err
	}
	app.Coordinator = coord
	return nil
}

func matrixFromConfig(cfg config.SchedulerConfig) (ratelimit.Matrix, error) {
	limits := make(ratelimit.Matrix, len(cfg.Dimensions))
	for d, dimLimits := range cfg.Dimensions {
		row := make([]ratelimit.Limit, len(dimLimits))
		for i, l := range dimLimits {
			built, err := ratelimit.NewLimit(l.ResourceLimit, l.PeriodSeconds)
			if err != nil {
				return nil, fmt.Errorf("scheduler.dimensions[%d][%d]: %w", d, i, err)
			}
			row[i] = built
		}
		limits[d] = row
	}
	return limits, nil
}

func storeFromConfig(cfg config.PersistenceConfig, dims int) (ledgerstore.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return nil, nil
	case "file":
		return ledgerstore.NewFileStore(cfg.FilePath, dims)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		key := cfg.RedisKey
		if key == "" {
			key = "ratesched:ledger"
		}
		return ledgerstore.NewRedisStore(client, key, dims), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

func (app *Application) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.Logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	return app.shutdown()
}

func (app *Application) shutdown() error {
	app.Logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.Config.Server.ShutdownGrace)
	defer cancel()

	var errs []error
	if app.APIServer != nil {
		if err := app.APIServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("API server shutdown: %w", err))
		}
	}
	app.cancel()

	if len(errs) > 0 {
		for _, err := range errs {
			app.Logger.Error().Err(err).Msg("shutdown error")
		}
		return fmt.Errorf("shutdown completed with %d errors", len(errs))
	}
	app.Logger.Info().Msg("shutdown complete")
	return nil
}

func buildVersion() string {
	if version == "dev" {
		return "dev"
	}
	return "v" + version
}
