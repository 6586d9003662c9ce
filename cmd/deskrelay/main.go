package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
	"github.com/agentworkforce/deskrelay/internal/connectivity"
	"github.com/agentworkforce/deskrelay/internal/httpapi"
	"github.com/agentworkforce/deskrelay/internal/notify"
	"github.com/agentworkforce/deskrelay/internal/replay"
	"github.com/agentworkforce/deskrelay/internal/syncclient"
	"github.com/agentworkforce/deskrelay/internal/telemetry"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// Config is loaded from DESKRELAY_* variables; command-line flags win.
type Config struct {
	Addr          string        `env:"DESKRELAY_ADDR" envDefault:"127.0.0.1:7420"`
	Token         string        `env:"DESKRELAY_TOKEN"`
	ServerURL     string        `env:"DESKRELAY_SERVER_URL" envDefault:"http://127.0.0.1:8080"`
	ServerToken   string        `env:"DESKRELAY_SERVER_TOKEN"`
	NotifyURL     string        `env:"DESKRELAY_NOTIFY_URL"`
	StoreDSN      string        `env:"DESKRELAY_STORE_DSN" envDefault:"file://.deskrelay/actions.json"`
	MaxActions    int           `env:"DESKRELAY_MAX_ACTIONS" envDefault:"1024"`
	MaxStoreBytes int           `env:"DESKRELAY_MAX_STORE_BYTES" envDefault:"5242880"`
	MaxAttempts   int           `env:"DESKRELAY_MAX_ATTEMPTS" envDefault:"5"`
	SubmitTimeout time.Duration `env:"DESKRELAY_SUBMIT_TIMEOUT" envDefault:"15s"`
	BackoffBase   time.Duration `env:"DESKRELAY_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax    time.Duration `env:"DESKRELAY_BACKOFF_MAX" envDefault:"30s"`
	BackoffJitter float64       `env:"DESKRELAY_BACKOFF_JITTER" envDefault:"0.2"`
	ProbeAddr     string        `env:"DESKRELAY_PROBE_ADDR"`
	ProbeInterval time.Duration `env:"DESKRELAY_PROBE_INTERVAL" envDefault:"5s"`
	NotifyCap     int           `env:"DESKRELAY_NOTIFY_CAP" envDefault:"5"`
	AutoHide      bool          `env:"DESKRELAY_AUTOHIDE" envDefault:"true"`
	AutoHideDelay time.Duration `env:"DESKRELAY_AUTOHIDE_DELAY" envDefault:"5s"`
	RateLimitMax  int           `env:"DESKRELAY_RATE_LIMIT_MAX" envDefault:"0"`
	LogLevel      string        `env:"DESKRELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"DESKRELAY_LOG_FORMAT" envDefault:"console"`
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "deskrelay: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return err
	}

	store, err := actionqueue.BuildStoreFromDSN(cfg.StoreDSN, actionqueue.Options{
		MaxActions: cfg.MaxActions,
		MaxBytes:   cfg.MaxStoreBytes,
	})
	if err != nil {
		return fmt.Errorf("open action store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return err
	}

	var (
		sig    connectivity.Signal
		manual *connectivity.ManualSignal
	)
	if cfg.ProbeAddr == "" {
		manual = connectivity.NewManualSignal(true)
		sig = manual
	} else {
		probe := connectivity.NewProbeSignal(connectivity.ProbeOptions{
			Address:  cfg.ProbeAddr,
			Interval: cfg.ProbeInterval,
		})
		defer probe.Close()
		sig = probe
	}

	var channel *notify.Channel
	if cfg.NotifyURL != "" {
		header := http.Header{}
		if cfg.ServerToken != "" {
			header.Set("Authorization", "Bearer "+cfg.ServerToken)
		}
		channel, err = notify.NewChannel(notify.ChannelOptions{
			URL:     cfg.NotifyURL,
			Header:  header,
			Backoff: notify.NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter),
			Logger:  logger,
			Metrics: metrics,
		})
		if err != nil {
			return err
		}
		defer channel.Close()
	}

	dispatcherOpts := notify.DefaultDispatcherOptions()
	dispatcherOpts.Capacity = cfg.NotifyCap
	dispatcherOpts.AutoHide = cfg.AutoHide
	dispatcherOpts.AutoHideDelay = cfg.AutoHideDelay

	client, err := syncclient.New(syncclient.Options{
		Store:      store,
		Signal:     sig,
		Submitter:  replay.NewHTTPSubmitter(cfg.ServerURL, cfg.ServerToken, &http.Client{Timeout: cfg.SubmitTimeout}),
		Channel:    channel,
		Replay:     replay.Options{MaxAttempts: cfg.MaxAttempts},
		Dispatcher: dispatcherOpts,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Start(); err != nil {
		return err
	}

	serverCfg := httpapi.ServerConfig{
		Token:        cfg.Token,
		RateLimitMax: cfg.RateLimitMax,
		Gatherer:     registry,
		Logger:       logger,
	}
	if manual != nil {
		serverCfg.Connectivity = manual
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServerWithConfig(client, serverCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()
	logger.Info().
		Str("addr", listener.Addr().String()).
		Str("store", cfg.StoreDSN).
		Bool("notifications", channel != nil).
		Msg("deskrelay listening")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("deskrelay stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	flags := pflag.NewFlagSet("deskrelay", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "loopback API listen address")
	flags.StringVar(&cfg.Token, "token", cfg.Token, "bearer token required by the loopback API")
	flags.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "helpdesk API base URL actions are replayed to")
	flags.StringVar(&cfg.ServerToken, "server-token", cfg.ServerToken, "bearer token sent to the helpdesk API")
	flags.StringVar(&cfg.NotifyURL, "notify-url", cfg.NotifyURL, "websocket URL of the notification stream")
	flags.StringVar(&cfg.StoreDSN, "store", cfg.StoreDSN, "action store DSN (file://, sqlite://, postgres://, memory://)")
	flags.IntVar(&cfg.MaxActions, "max-actions", cfg.MaxActions, "maximum number of queued actions")
	flags.IntVar(&cfg.MaxStoreBytes, "max-store-bytes", cfg.MaxStoreBytes, "maximum size of the file store")
	flags.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "replay attempts before an action is terminal")
	flags.DurationVar(&cfg.SubmitTimeout, "submit-timeout", cfg.SubmitTimeout, "per-submission HTTP timeout")
	flags.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "first notification reconnect delay")
	flags.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "notification reconnect delay cap")
	flags.Float64Var(&cfg.BackoffJitter, "backoff-jitter", cfg.BackoffJitter, "reconnect jitter ratio (0.0-1.0)")
	flags.StringVar(&cfg.ProbeAddr, "probe-addr", cfg.ProbeAddr, "host:port dialled to detect connectivity; empty means the UI reports it")
	flags.DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "connectivity probe interval")
	flags.IntVar(&cfg.NotifyCap, "notify-cap", cfg.NotifyCap, "maximum visible notifications")
	flags.BoolVar(&cfg.AutoHide, "autohide", cfg.AutoHide, "hide notifications automatically")
	flags.DurationVar(&cfg.AutoHideDelay, "autohide-delay", cfg.AutoHideDelay, "delay before a notification is hidden")
	flags.IntVar(&cfg.RateLimitMax, "rate-limit", cfg.RateLimitMax, "mutating API requests per minute per client (0 disables)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (trace, debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console or json)")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := flags.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return normalizeConfig(cfg), nil
}

func normalizeConfig(cfg Config) Config {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.ServerToken = strings.TrimSpace(cfg.ServerToken)
	cfg.NotifyURL = strings.TrimSpace(cfg.NotifyURL)
	cfg.ProbeAddr = strings.TrimSpace(cfg.ProbeAddr)
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = replay.DefaultMaxAttempts
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = notify.DefaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	cfg.BackoffJitter = notify.ClampJitterRatio(cfg.BackoffJitter)
	if cfg.NotifyCap <= 0 {
		cfg.NotifyCap = notify.DefaultCapacity
	}
	if cfg.AutoHideDelay <= 0 {
		cfg.AutoHideDelay = notify.DefaultAutoHideDelay
	}
	return cfg
}

func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", format)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl), nil
}
