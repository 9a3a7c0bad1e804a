// Command voicelink runs one live voice session against the configured
// conversational backend: microphone capture up, synthesised audio and
// transcripts down, with metrics and health probes on the side.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/embercoach/voicelink/internal/capture"
	"github.com/embercoach/voicelink/internal/config"
	"github.com/embercoach/voicelink/internal/health"
	"github.com/embercoach/voicelink/internal/observe"
	"github.com/embercoach/voicelink/internal/session"
	"github.com/embercoach/voicelink/internal/transport"
	paudio "github.com/embercoach/voicelink/pkg/audio/portaudio"
	"github.com/embercoach/voicelink/pkg/history"
	"github.com/embercoach/voicelink/pkg/history/postgres"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("voicelink starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Backend.URL,
		"model", cfg.Backend.Model,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicelink",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics provider shutdown", "err", err)
		}
	}()

	// ── History store (optional) ──────────────────────────────────────────────
	var checks []health.Check
	deps := session.Deps{
		Input:    paudio.NewInputDevice(),
		Output:   paudio.NewOutputDevice(),
		Dial:     transport.Dial,
		Identity: osIdentity{},
		Metrics:  observe.DefaultMetrics(),
	}
	if dsn := cfg.History.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open history store", "err", err)
			return 1
		}
		defer store.Close()
		deps.Store = store
		checks = append(checks, health.Check{Name: "history", Probe: store.Ping})
		slog.Info("history store connected")
	} else {
		slog.Info("history.postgres_dsn is empty; transcripts will not be persisted")
	}

	// ── Session engine ────────────────────────────────────────────────────────
	engine := session.New(sessionConfig(cfg), deps,
		session.WithStatusObserver(func(st session.Status) {
			slog.Info("session status", "status", st)
		}),
		session.WithErrorObserver(func(err error) {
			slog.Warn("session error", "err", err)
		}),
	)
	checks = append(checks, health.Check{Name: "session", Probe: func(_ context.Context) error {
		if st := engine.Status(); st == session.StatusError {
			return fmt.Errorf("session in state %s", st)
		}
		return nil
	}})

	// ── Metrics and health server ─────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	if addr := cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		health.New(checks...).Register(mux)

		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Run the session ───────────────────────────────────────────────────────
	if err := engine.Start(); err != nil {
		slog.Error("failed to start session", "err", err)
		stop()
		_ = g.Wait()
		return 1
	}

	slog.Info("session started — press Ctrl+C to end")

	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, ending session")
		engine.End()
		<-engine.Done()
	case <-engine.Done():
		if engine.Status() == session.StatusError {
			exit = 1
		}
	}

	stop()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	slog.Info("goodbye")
	return exit
}

// sessionConfig maps the file configuration onto the engine's parameters.
func sessionConfig(cfg *config.Config) session.Config {
	targets := make([]transport.Target, 0, 1+len(cfg.Backend.FallbackURLs))
	for _, u := range append([]string{cfg.Backend.URL}, cfg.Backend.FallbackURLs...) {
		targets = append(targets, transport.Target{
			URL:    u,
			APIKey: cfg.Backend.APIKey,
			Model:  cfg.Backend.Model,
		})
	}
	return session.Config{
		Targets: targets,
		Wire: transport.SessionConfig{
			Instructions: cfg.Backend.SystemPrompt,
			Voice:        cfg.Backend.Voice,
		},
		Capture: capture.Config{
			SampleRate:        cfg.Audio.CaptureRate,
			BlockSize:         cfg.Audio.BlockSize,
			FallbackBlockSize: cfg.Audio.FallbackBlockSize,
		},
		PlaybackRate:    cfg.Audio.PlaybackRate,
		StabilityWindow: cfg.Session.StabilityWindow,
	}
}

// osIdentity resolves the session user from the operating system account.
type osIdentity struct{}

var _ history.Identity = osIdentity{}

// CurrentUser implements [history.Identity].
func (osIdentity) CurrentUser(_ context.Context) (history.User, error) {
	u, err := user.Current()
	if err != nil {
		return history.User{}, fmt.Errorf("resolve current user: %w", err)
	}
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return history.User{ID: u.Username, DisplayName: name}, nil
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
