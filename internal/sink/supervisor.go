// Package sink supervises the encoder process that publishes the mixed
// conference audio to the streaming server.
//
// A [Supervisor] is either Disconnected or Connected. While Connected it owns
// exactly one encoder [Process] and forwards PCM buffers to its input. A
// process that died on its own is relaunched once, on the next write. A write
// that fails leaves the supervisor Disconnected; reconnecting is the caller's
// decision.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxcast/internal/observe"
	"github.com/MrWong99/voxcast/internal/resilience"
)

// ErrBrokenSink is wrapped by [Supervisor.Write] when the encoder input is
// closed or broken, or when a dead encoder could not be relaunched. The
// supervisor is Disconnected when it is returned.
var ErrBrokenSink = errors.New("sink: encoder input broken")

// ErrClosed is returned by [Supervisor.Write] while the supervisor is
// Disconnected.
var ErrClosed = errors.New("sink: not connected")

// Launch reasons recorded on metrics and spans.
const (
	reasonStart   = "start"
	reasonRestart = "restart"
)

// Process is a running encoder.
type Process interface {
	// Write blocks until p has been handed to the encoder's input.
	Write(p []byte) (int, error)

	// CloseInput closes the encoder's input so it can flush and exit.
	CloseInput() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts encoder processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// Config holds the dependencies of a [Supervisor].
type Config struct {
	// Launcher starts the encoder. Required.
	Launcher Launcher

	// StopTimeout is how long a stopped encoder may take to flush before it
	// is killed. Default: 5s.
	StopTimeout time.Duration

	// Breaker guards launches against crash loops. Default: a breaker that
	// opens after 3 consecutive launch failures for 30s.
	Breaker *resilience.CircuitBreaker

	// Metrics receives launch and write instruments. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnRestart, if set, is called after a dead encoder was relaunched.
	OnRestart func()
}

// Supervisor owns the encoder process lifecycle.
//
// All methods are safe for concurrent use. The blocking pipe write in
// [Supervisor.Write] runs without holding the supervisor lock, so
// [Supervisor.Stop] never waits for a slow encoder.
type Supervisor struct {
	launcher    Launcher
	stopTimeout time.Duration
	breaker     *resilience.CircuitBreaker
	metrics     *observe.Metrics
	onRestart   func()

	mu        sync.Mutex
	proc      Process
	connected bool

	// retiring tracks stopped processes that are still flushing.
	retiring sync.WaitGroup
}

// New returns a Disconnected Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("sink: launcher is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "encoder"})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Supervisor{
		launcher:    cfg.Launcher,
		stopTimeout: cfg.StopTimeout,
		breaker:     cfg.Breaker,
		metrics:     cfg.Metrics,
		onRestart:   cfg.OnRestart,
	}, nil
}

// Start launches the encoder and transitions to Connected. It is a no-op
// while already Connected. An explicit Start clears the crash-loop breaker.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	s.breaker.Reset()
	proc, err := s.launch(ctx, reasonStart)
	if err != nil {
		return fmt.Errorf("sink: start encoder: %w", err)
	}
	s.proc = proc
	s.connected = true
	slog.Info("sink: encoder started")
	return nil
}

// Write forwards buf to the encoder.
//
// If the encoder exited since the last write, it is relaunched exactly once
// before writing. Every byte of buf is attempted; a short or failed write
// transitions to Disconnected and returns an error wrapping [ErrBrokenSink].
// While Disconnected, Write returns [ErrClosed].
func (s *Supervisor) Write(ctx context.Context, buf []byte) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrClosed
	}
	proc := s.proc
	restarted := false
	if exited(proc) {
		slog.Warn("sink: encoder exited unexpectedly, relaunching")
		next, err := s.launch(ctx, reasonRestart)
		if err != nil {
			s.proc = nil
			s.connected = false
			s.mu.Unlock()
			s.metrics.SinkFailures.Add(ctx, 1)
			return fmt.Errorf("%w: relaunch: %w", ErrBrokenSink, err)
		}
		s.proc = next
		proc = next
		restarted = true
	}
	s.mu.Unlock()

	if restarted && s.onRestart != nil {
		s.onRestart()
	}

	n, err := proc.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	if n > 0 {
		s.metrics.BytesWritten.Add(ctx, int64(n))
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	current := s.proc == proc
	if current {
		s.proc = nil
		s.connected = false
	}
	s.mu.Unlock()

	if !current {
		// Stop retired this process while the write was in flight.
		return ErrClosed
	}
	s.metrics.SinkFailures.Add(ctx, 1)
	s.retire(proc)
	return fmt.Errorf("%w: %w", ErrBrokenSink, err)
}

// Stop closes the encoder input so it can flush and exit, and transitions to
// Disconnected. The encoder is killed if it has not exited after the stop
// timeout. Stop is safe to call repeatedly and never blocks on the encoder.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.connected = false
	s.mu.Unlock()

	if proc != nil {
		s.retire(proc)
		slog.Info("sink: encoder stopped")
	}
}

// IsConnected reports whether the supervisor is Connected.
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Alive reports whether the supervisor is Connected to a running encoder.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !exited(s.proc)
}

// Wait blocks until every stopped encoder has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.retiring.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch starts one encoder through the breaker. Must be called with s.mu
// held.
func (s *Supervisor) launch(ctx context.Context, reason string) (Process, error) {
	ctx, span := observe.StartSpan(ctx, "sink.launch",
		trace.WithAttributes(attribute.String("reason", reason)))
	defer span.End()

	var proc Process
	err := s.breaker.Execute(func() error {
		var err error
		proc, err = s.launcher.Launch(ctx)
		return err
	})
	s.metrics.RecordSinkLaunch(ctx, reason, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Error("sink: encoder launch failed", "reason", reason, "err", err)
		return nil, err
	}
	return proc, nil
}

// retire closes proc's input and kills it if it outlives the stop timeout.
func (s *Supervisor) retire(proc Process) {
	if err := proc.CloseInput(); err != nil {
		slog.Debug("sink: close encoder input", "err", err)
	}
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()
		select {
		case <-proc.Done():
		case <-timer.C:
			slog.Warn("sink: encoder did not exit in time, killing", "timeout", s.stopTimeout)
			if err := proc.Kill(); err != nil {
				slog.Debug("sink: kill encoder", "err", err)
			}
		}
	}()
}

func exited(p Process) bool {
	if p == nil {
		return true
	}
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
