// Package app wires all voxcast subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the encoder supervisor
// and the bridge engine and joins the voice channel, Run serves the engine
// inbox and the HTTP endpoints, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithLauncher,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxcast/internal/bridge"
	"github.com/MrWong99/voxcast/internal/config"
	"github.com/MrWong99/voxcast/internal/events"
	"github.com/MrWong99/voxcast/internal/health"
	"github.com/MrWong99/voxcast/internal/observe"
	"github.com/MrWong99/voxcast/internal/resilience"
	"github.com/MrWong99/voxcast/internal/sink"
	"github.com/MrWong99/voxcast/pkg/audio"
)

// eventBuffer is the per-subscriber buffer of the /events hub.
const eventBuffer = 32

// Voice is the conference the bridge streams from. [*discord.Conference]
// implements it.
type Voice interface {
	audio.Conference

	// Join enters the voice channel and keeps it joined until Leave.
	Join(ctx context.Context) error

	// Leave exits the voice channel.
	Leave() error

	// Joined reports whether a voice connection is held right now.
	Joined() bool
}

// Platform holds the conference-side dependencies built by main.go.
type Platform struct {
	// Voice is the conference. Required.
	Voice Voice

	// GatewayReady reports whether the chat gateway is connected. Nil
	// disables the discord readiness check.
	GatewayReady func() bool
}

// App owns all subsystem lifetimes of the voxcast bridge.
type App struct {
	cfg      *config.Config
	platform *Platform

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	hub      *events.Hub
	launcher sink.Launcher
	sink     *sink.Supervisor
	engine   *bridge.Engine
	handler  http.Handler
	levels   *slog.LevelVar

	// configPath enables hot reload when non-empty.
	configPath     string
	reloadInterval time.Duration

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLauncher injects an encoder launcher instead of resolving ffmpeg.
func WithLauncher(l sink.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// WithMetrics injects the metric instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the log level of the default logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levels = lv }
}

// WithHotReload watches the config file at path and applies
// hot-reloadable changes while the app runs. A zero interval uses the
// watcher default.
func WithHotReload(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.reloadInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The platform comes
// from main.go (the Discord conference). Use Option functions to inject test
// doubles.
//
// New performs all initialisation synchronously: encoder resolution, engine
// construction, and joining the voice channel. The stream itself is only
// started by a connect command or by autoconnect in [App.Run].
func New(ctx context.Context, cfg *config.Config, platform *Platform, opts ...Option) (*App, error) {
	if platform == nil || platform.Voice == nil {
		return nil, errors.New("app: a voice conference is required")
	}
	a := &App{
		cfg:      cfg,
		platform: platform,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.levels == nil {
		a.levels = new(slog.LevelVar)
		a.levels.Set(cfg.Server.LogLevel.Slog())
	}
	a.hub = events.NewHub(eventBuffer)

	// ── 1. Encoder supervisor ────────────────────────────────────────────
	if err := a.initSink(); err != nil {
		return nil, fmt.Errorf("app: init sink: %w", err)
	}

	// ── 2. Bridge engine ─────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. Voice channel ─────────────────────────────────────────────────
	if err := platform.Voice.Join(ctx); err != nil {
		return nil, fmt.Errorf("app: join voice channel: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		return platform.Voice.Leave()
	})

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.buildHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// streamFormat is the PCM format mixed by the engine and read by ffmpeg.
func (a *App) streamFormat() audio.Format {
	return audio.Format{SampleRate: audio.SampleRate, Channels: a.cfg.Bridge.Channels}
}

// initSink resolves the encoder and creates the supervisor.
func (a *App) initSink() error {
	if a.launcher == nil {
		ic := a.cfg.Icecast
		l, err := sink.NewFFmpegLauncher(sink.FFmpegConfig{
			Path:       ic.FFmpegPath,
			Input:      a.streamFormat(),
			Bitrate:    ic.Bitrate,
			Server:     ic.Server,
			Port:       ic.Port,
			Username:   ic.Username,
			Password:   ic.Password,
			MountPoint: ic.MountPoint,
		})
		if err != nil {
			return err
		}
		a.launcher = l
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "encoder",
		MaxFailures:  a.cfg.Icecast.Restart.MaxFailures,
		ResetTimeout: a.cfg.Icecast.Restart.ResetTimeout,
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("encoder breaker state changed", "from", from, "to", to)
		},
	})

	snk, err := sink.New(sink.Config{
		Launcher:    a.launcher,
		StopTimeout: a.cfg.Icecast.StopTimeout,
		Breaker:     breaker,
		Metrics:     a.metrics,
		OnRestart: func() {
			if a.engine != nil {
				a.engine.SinkRestarted()
			}
		},
	})
	if err != nil {
		return err
	}
	a.sink = snk
	return nil
}

// initEngine builds the bridge engine on top of the conference and sink.
func (a *App) initEngine() error {
	b := a.cfg.Bridge
	eng, err := bridge.New(a.platform.Voice, a.sink, bridge.Config{
		Format:          a.streamFormat(),
		BufferDuration:  b.BufferDuration,
		TickInterval:    b.TickInterval,
		MaxSilence:      b.MaxSilence,
		CommandPrefix:   b.CommandPrefix,
		SuggestCommands: b.SuggestCommands,
		Autoconnect:     b.Autoconnect,
		StartCue:        b.StartCue,
		StopCue:         b.StopCue,
		Metrics:         a.metrics,
		Events:          a.hub,
	})
	if err != nil {
		return err
	}
	a.engine = eng

	// The engine stops the watchdog and the sink; retiring encoders are then
	// given until the shutdown deadline to flush.
	a.closers = append(a.closers,
		func(context.Context) error {
			eng.Close()
			return nil
		},
		a.sink.Wait,
	)
	return nil
}

// buildHandler assembles /metrics, /healthz, /readyz and /events behind the
// observability middleware.
func (a *App) buildHandler() http.Handler {
	checkers := []health.Checker{
		health.Voice(a.platform.Voice.Joined),
		health.Sink(a.engine.Streaming, a.sink.Alive),
	}
	if a.platform.GatewayReady != nil {
		checkers = append([]health.Checker{health.Discord(a.platform.GatewayReady)}, checkers...)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)
	mux.Handle("GET /events", a.hub)
	return observe.Middleware(a.metrics)(mux)
}

// Engine returns the bridge engine, e.g. to bind slash commands to it.
func (a *App) Engine() *bridge.Engine {
	return a.engine
}

// Handler returns the HTTP handler served on server.listen_addr.
func (a *App) Handler() http.Handler {
	return a.handler
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the engine inbox and the HTTP endpoints and blocks until ctx
// is cancelled or one of them fails. With hot reload enabled the config file
// is watched for the lifetime of Run.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	if a.configPath != "" {
		var opts []config.WatcherOption
		if a.reloadInterval > 0 {
			opts = append(opts, config.WithInterval(a.reloadInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.applyConfig, opts...)
		if err != nil {
			ln.Close()
			return fmt.Errorf("app: watch config: %w", err)
		}
		defer w.Stop()
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("app running", "voice_joined", a.platform.Voice.Joined())
	return g.Wait()
}

// applyConfig is the hot-reload callback. Only log level, command prefix and
// max silence are applied; other changes are reported.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.levels.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CommandPrefixChanged {
		a.engine.SetCommandPrefix(d.NewCommandPrefix)
		slog.Info("command prefix changed", "prefix", d.NewCommandPrefix)
	}
	if d.MaxSilenceChanged {
		a.engine.SetMaxSilence(d.NewMaxSilence)
		slog.Info("max silence changed", "max_silence", d.NewMaxSilence)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order: the engine stops the
// stream, retiring encoders flush, and the voice channel is left. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
