package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/manash/tryon/internal/config"
	"github.com/manash/tryon/internal/keys"
	"github.com/manash/tryon/internal/metrics"
	"github.com/manash/tryon/internal/provider"
	"github.com/manash/tryon/internal/provider/gemini"
	"github.com/manash/tryon/internal/server"
	"github.com/manash/tryon/internal/session"
	"github.com/manash/tryon/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

type App struct {
	Out         io.Writer
	Err         io.Writer
	Registry    *models.ModelRegistry
	GetEnv      func(string) string
	NewProvider func(cfg provider.Config, logger *log.Logger) provider.Provider
	// Serve blocks until the server stops. Tests replace it to avoid binding
	// a port.
	Serve func(srv *server.Server, addr string) error
}

func DefaultApp() *App {
	return &App{
		Out:      os.Stdout,
		Err:      os.Stderr,
		Registry: models.DefaultRegistry(),
		GetEnv:   os.Getenv,
		NewProvider: func(cfg provider.Config, logger *log.Logger) provider.Provider {
			return gemini.New(cfg, logger)
		},
		Serve: func(srv *server.Server, addr string) error {
			return srv.Listen(addr)
		},
	}
}

type serveOptions struct {
	configPath string
	addr       string
	model      string
	apiKey     string
	logLevel   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return newRootCmd(DefaultApp()).ExecuteContext(ctx)
}

func newRootCmd(app *App) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "tryon",
		Short: "Virtual try-on web app backed by Gemini image models",
		Long: `tryon serves a small web app: upload a photo of yourself and a photo of a
garment, and Gemini renders you wearing it.

The API key is read from --api-key, the config file, GEMINI_API_KEY or
API_KEY, in that order.

Examples:
  tryon
  tryon serve --addr :9000 --model gemini-3-pro-image-preview
  tryon --config tryon.yaml --log-level debug`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), app, opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&opts.addr, "addr", "", "listen address (default :8080)")
	flags.StringVarP(&opts.model, "model", "m", "", fmt.Sprintf("Gemini model (default %s)", models.DefaultModel))
	flags.StringVar(&opts.apiKey, "api-key", "", "Gemini API key (defaults to GEMINI_API_KEY, then API_KEY)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd(app, opts))
	cmd.AddCommand(newVersionCmd(app))
	return cmd
}

func newServeCmd(app *App, opts *serveOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the web server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), app, opts)
		},
	}
}

func newVersionCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(app.Out, "tryon %s (commit: %s)\n", version, commit)
		},
	}
}

func loadConfig(app *App, opts *serveOptions) (*config.Config, error) {
	cfg, err := config.NewLoader().WithPath(opts.configPath).WithEnv(app.GetEnv).Load()
	if err != nil {
		return nil, err
	}

	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.model != "" {
		cfg.Gemini.Model = opts.model
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if cfg.Gemini.Model == "" {
		cfg.Gemini.Model = models.DefaultModel
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "tryon",
	})
	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetFormatter(log.TextFormatter)
	}
	return logger, nil
}

func runServe(ctx context.Context, app *App, opts *serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(app, opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(app.Err, cfg.Log)
	if err != nil {
		return err
	}
	log.SetDefault(logger)

	if _, ok := app.Registry.Get(cfg.Gemini.Model); !ok {
		logger.Warn("model is not in the known list; requests are sent as-is",
			"err", fmt.Errorf("%w: %q", models.ErrUnknownModel, cfg.Gemini.Model),
			"known", app.Registry.List())
	}

	apiKey, source := keys.GetAPIKey(opts.apiKey, cfg.Gemini.APIKey, app.GetEnv)
	if apiKey == "" {
		logger.Warn("no API key configured; generation will fail until one is provided",
			"env", strings.Join(keys.EnvVars, ", "))
	} else {
		logger.Info("using API key", "source", source, "key", keys.MaskKey(apiKey))
	}

	prov := app.NewProvider(provider.Config{
		APIKey:   apiKey,
		Model:    cfg.Gemini.Model,
		BaseURL:  cfg.Gemini.BaseURL,
		Timeout:  cfg.Gemini.Timeout,
		Registry: app.Registry,
	}, logger)

	collector := metrics.NewCollector()
	sessions := session.NewManager(session.ManagerOptions{
		Instruction: gemini.TryOnInstruction,
		Model:       cfg.Gemini.Model,
		IdleTTL:     cfg.Session.IdleTTL,
	}, logger)
	collector.TrackSessions(sessions.Len)
	runner := session.NewRunner(prov, cfg.Generation.MaxConcurrent, collector, logger)

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()

	srv := server.New(srvCtx, server.Options{
		BodyLimit:    cfg.Server.BodyLimit,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit:    cfg.Generation.RateLimit,
		RateBurst:    cfg.Generation.RateBurst,
		Version:      version,
	}, sessions, runner, collector, logger)

	go sessions.Janitor(srvCtx, cfg.Session.SweepInterval)

	logger.Info("starting", "version", version, "addr", cfg.Server.Addr, "model", cfg.Gemini.Model, "provider", prov.Name())

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Serve(srv, cfg.Server.Addr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("runner shutdown", "err", err)
	} else if err != nil {
		logger.Warn("abandoned in-flight generations at shutdown deadline")
	}

	if serveErr != nil {
		return fmt.Errorf("server stopped: %w", serveErr)
	}
	return nil
}
