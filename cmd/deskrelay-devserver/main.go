// Command deskrelay-devserver stands in for the helpdesk backend during local
// development: it accepts replayed actions and pushes notifications over a
// websocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type Config struct {
	Addr string `env:"DESKRELAY_DEV_ADDR" envDefault:"127.0.0.1:8080"`
	// FailKinds answer 422 so terminal replay failures can be exercised.
	FailKinds []string `env:"DESKRELAY_DEV_FAIL_KINDS" envSeparator:","`
	// FlakyKinds answer 503 with Retry-After for the first FlakyCount attempts.
	FlakyKinds   []string      `env:"DESKRELAY_DEV_FLAKY_KINDS" envSeparator:","`
	FlakyCount   int           `env:"DESKRELAY_DEV_FLAKY_COUNT" envDefault:"2"`
	TickInterval time.Duration `env:"DESKRELAY_DEV_TICK_INTERVAL" envDefault:"0s"`
	MaxBodyBytes int64         `env:"DESKRELAY_DEV_MAX_BODY_BYTES" envDefault:"1048576"`
	LogLevel     string        `env:"DESKRELAY_DEV_LOG_LEVEL" envDefault:"info"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "deskrelay-devserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)

	dev := newDevServer(cfg, logger)
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.TickInterval > 0 {
		go dev.tick(ctx, cfg.TickInterval)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: dev, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", cfg.Addr).Strs("fail_kinds", cfg.FailKinds).Msg("devserver listening")

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	// Close first so notification streams return before Shutdown waits.
	dev.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig(args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	flags := pflag.NewFlagSet("deskrelay-devserver", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringSliceVar(&cfg.FailKinds, "fail-kinds", cfg.FailKinds, "action kinds rejected with 422")
	flags.StringSliceVar(&cfg.FlakyKinds, "flaky-kinds", cfg.FlakyKinds, "action kinds answered with 503 before succeeding")
	flags.IntVar(&cfg.FlakyCount, "flaky-count", cfg.FlakyCount, "503 responses per flaky action before success")
	flags.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "emit a heartbeat notification on this interval (0 disables)")
	flags.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "request body limit")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.FlakyCount < 0 {
		cfg.FlakyCount = 0
	}
	cfg.FailKinds = normalizeKinds(cfg.FailKinds)
	cfg.FlakyKinds = normalizeKinds(cfg.FlakyKinds)
	return cfg, nil
}

func normalizeKinds(kinds []string) []string {
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		if kind = strings.TrimSpace(kind); kind != "" {
			out = append(out, kind)
		}
	}
	return out
}

// tick emits an info notification per interval so reconnect behaviour can be
// watched end to end.
func (d *devServer) tick(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n++
			payload := fmt.Sprintf(`{"id":"tick_%d","type":"info","title":"Heartbeat","message":"devserver tick at %s"}`,
				n, now.UTC().Format(time.RFC3339))
			d.broadcast([]byte(payload))
		}
	}
}
