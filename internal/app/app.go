// Package app wires the VoxWave subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the radio engine and
// the control server from the config, Run drives them until the context is
// cancelled, and Shutdown releases whatever Run left behind.
//
// For testing, inject doubles via the [Providers] struct and functional
// options (WithListener, WithMetrics, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxwave/internal/config"
	"github.com/MrWong99/voxwave/internal/control"
	"github.com/MrWong99/voxwave/internal/observe"
	"github.com/MrWong99/voxwave/internal/radio"
	"github.com/MrWong99/voxwave/pkg/audio"
	"github.com/MrWong99/voxwave/pkg/provider/live"
)

// httpShutdownTimeout bounds the graceful stop of the control server.
const httpShutdownTimeout = 5 * time.Second

// Providers holds the live session provider and the audio backend.
// Populated by main.go via the config registry.
type Providers struct {
	Live  live.Provider
	Audio audio.Platform
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	engine   *radio.Engine
	control  *control.Server
	server   *http.Server
	listener net.Listener
	levelVar *slog.LevelVar
	metrics  *observe.Metrics

	configPath    string
	watchInterval time.Duration
	watcher       *config.Watcher

	// mu guards cfg across reloads.
	mu sync.Mutex

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithListener serves the control API on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithMetrics injects the metric instruments used by the engine and the
// HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// that owns lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithConfigFile watches path while the app runs and applies every valid
// edit through [App.Reload]. A non-positive interval uses
// [config.DefaultWatchInterval].
func WithConfigFile(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the engine and the control server together.
// The providers struct comes from main.go (populated via the config
// registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: live provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: audio platform is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	engineOpts, err := EngineOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	engineOpts.Provider = providers.Live
	engineOpts.Devices = providers.Audio
	engineOpts.Metrics = a.metrics

	a.engine, err = radio.New(engineOpts)
	if err != nil {
		return nil, fmt.Errorf("app: create radio engine: %w", err)
	}

	if a.configPath != "" {
		a.watcher, err = config.NewWatcher(a.configPath, a.Reload, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	a.control = control.New(a.engine, control.WithMetrics(a.metrics))
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.control.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Engine returns the radio engine.
func (a *App) Engine() *radio.Engine { return a.engine }

// EngineOptions translates the radio, provider and audio sections of cfg
// into engine options. Provider, Devices and Metrics are left for the
// caller.
func EngineOptions(cfg *config.Config) (radio.Options, error) {
	rc, err := RadioConfiguration(cfg.Radio)
	if err != nil {
		return radio.Options{}, err
	}
	return radio.Options{
		ProviderName:  cfg.Provider.Name,
		Configuration: rc,
		Frequencies:   cfg.Radio.Frequencies,
		Session: radio.SessionSettings{
			Model:        cfg.Provider.Model,
			Voice:        cfg.Provider.Voice,
			Instructions: cfg.Radio.Instructions,
		},
		TranscriptLines: cfg.Radio.TranscriptLines,
		ReconnectDelay:  cfg.Radio.ReconnectDelay,
		ConnectTimeout:  cfg.Radio.ConnectTimeout,
		InputFormat:     audio.Format{SampleRate: cfg.Audio.InputSampleRate, Channels: 1},
		OutputFormat:    audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: 1},
		BlockSize:       cfg.Audio.BlockSize,
	}, nil
}

// RadioConfiguration converts the radio section to the engine's operator
// configuration.
func RadioConfiguration(rc config.RadioConfig) (radio.Configuration, error) {
	mode, err := radio.ParseMode(string(rc.Mode))
	if err != nil {
		return radio.Configuration{}, err
	}
	return radio.Configuration{
		Frequency: rc.Frequency,
		Mode:      mode,
		Volume:    rc.VolumeOr(config.DefaultVolume),
		Squelch:   rc.SquelchOr(config.DefaultSquelch),
	}, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the engine, the control server and, when configured, the
// config watcher until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.engine.Run(gctx)
	})

	g.Go(func() error {
		var err error
		if a.listener != nil {
			err = a.server.Serve(a.listener)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: control server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	slog.Info("app running",
		"listen_addr", a.addr(),
		"provider", a.cfg.Provider.Name,
		"audio", a.cfg.Audio.Backend,
	)
	return g.Wait()
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the difference between old and new to the running app.
// It is meant as the [config.Watcher] callback. Keys that need a restart are
// logged and otherwise ignored.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IsEmpty() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}

	if d.RadioChanged {
		cfg := a.engine.Snapshot().Configuration
		next, err := mergeRadio(cfg, old.Radio, new.Radio)
		if err == nil {
			err = a.engine.UpdateConfiguration(next)
		}
		if err != nil {
			slog.Warn("config: radio settings not applied", "err", err)
		} else {
			slog.Info("config: radio settings applied",
				"frequency", radio.FormatFrequency(next.Frequency),
				"mode", next.Mode,
				"volume", next.Volume,
				"squelch", next.Squelch,
			)
		}
	}

	if d.SessionChanged {
		err := a.engine.UpdateSession(radio.SessionSettings{
			Model:        new.Provider.Model,
			Voice:        new.Provider.Voice,
			Instructions: new.Radio.Instructions,
		})
		if err != nil {
			slog.Warn("config: session settings not applied", "err", err)
		} else {
			slog.Info("config: session settings applied", "model", new.Provider.Model, "voice", new.Provider.Voice)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes require a restart", "keys", d.RestartRequired)
	}

	a.mu.Lock()
	a.cfg = new
	a.mu.Unlock()
}

// mergeRadio applies only the fields that changed between old and new to
// cur, so operator changes made at runtime to other fields survive.
func mergeRadio(cur radio.Configuration, old, new config.RadioConfig) (radio.Configuration, error) {
	if old.Frequency != new.Frequency {
		cur.Frequency = new.Frequency
	}
	if old.Mode != new.Mode {
		mode, err := radio.ParseMode(string(new.Mode))
		if err != nil {
			return cur, err
		}
		cur.Mode = mode
	}
	if v := new.VolumeOr(config.DefaultVolume); v != old.VolumeOr(config.DefaultVolume) {
		cur.Volume = v
	}
	if v := new.SquelchOr(config.DefaultSquelch); v != old.SquelchOr(config.DefaultSquelch) {
		cur.Squelch = v
	}
	return cur, nil
}

// SlogLevel maps a config log level to its slog level. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config returns the config most recently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the engine and the control server. It is safe to call
// after Run has returned and more than once. If ctx expires first the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := a.engine.Close(); err != nil {
				slog.Warn("radio engine close error", "err", err)
			}
		}()

		if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("control server shutdown error", "err", err)
		}

		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded")
			shutdownErr = ctx.Err()
			return
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
