// Command feedloop is a feed browsing and caching engine. It signs in to the
// content provider, keeps per-account tokens refreshed, and serves feed,
// comment, and media lookups through scoped caches.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/feedloop/config"
	"github.com/wolfeidau/feedloop/telemetry"
)

var version = "dev"

type CLI struct {
	Config        string `help:"Path to the config file." short:"c" type:"path"`
	LogLevel      string `help:"Override the configured log level." enum:"debug,info,warn,error," default:""`
	LogFormat     string `help:"Override the configured log format." enum:"text,json," default:""`
	MetricsListen string `help:"Serve Prometheus metrics on this address while the command runs."`

	Login      LoginCmd      `cmd:"" help:"Sign in to an account via the browser."`
	Accounts   AccountsCmd   `cmd:"" help:"List stored accounts."`
	Switch     SwitchCmd     `cmd:"" help:"Make a stored account the active one."`
	Feed       FeedCmd       `cmd:"" help:"Fetch a feed listing."`
	Comments   CommentsCmd   `cmd:"" help:"Fetch a post's comment tree."`
	Subreddits SubredditsCmd `cmd:"" help:"List subscribed subreddits."`
	Media      MediaCmd      `cmd:"" help:"Media cache operations."`
	Version    VersionCmd    `cmd:"" help:"Print the version."`
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("feedloop"),
		kong.Description("Asynchronous feed browsing and caching engine."),
		kong.UsageOnError(),
	)

	app, err := newApp(cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := ctx.Run(app); err != nil {
		app.logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newApp(cli *CLI) (*App, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "feedloop",
		ServiceVersion:   version,
		EnablePrometheus: cli.MetricsListen != "",
	})
	if err != nil {
		return nil, fmt.Errorf("initialising metrics: %w", err)
	}

	if cli.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		go func() {
			if err := http.ListenAndServe(cli.MetricsListen, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	return &App{
		cfg:             cfg,
		logger:          logger,
		metricsShutdown: shutdown,
	}, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text", "":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(_ *App) error {
	fmt.Println("feedloop", version)
	return nil
}
