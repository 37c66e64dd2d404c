// Package session keeps the bridge attached to its voice channel. The
// [Reconnector] owns the active [audio.VoiceConnection] and rejoins the
// channel with exponential backoff whenever the transport drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// ErrRetriesExhausted is logged when an outage outlasts every attempt.
var ErrRetriesExhausted = errors.New("session: reconnection retries exhausted")

const (
	defaultMaxRetries = 10
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// retryPolicy is a capped exponential backoff with up to 10% added jitter.
type retryPolicy struct {
	attempts int
	initial  time.Duration
	max      time.Duration
}

// delay returns the wait after the given failed attempt, counting from 1.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.initial
	for i := 1; i < attempt && d < p.max; i++ {
		d *= 2
	}
	d = min(d, p.max)
	if jitter := int64(d / 10); jitter > 0 {
		d += time.Duration(rand.Int64N(jitter))
	}
	return d
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	Platform  audio.Platform
	ChannelID string

	// MaxRetries caps the attempts per outage. Default 10.
	MaxRetries int

	// Backoff is the first wait. It doubles per failed attempt up to
	// MaxBackoff. Defaults 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnDisconnect runs once per outage before the first attempt.
	OnDisconnect func()

	// OnReconnect receives the new connection after a successful rejoin.
	OnReconnect func(audio.VoiceConnection)
}

// Reconnector joins a voice channel and keeps it joined. After the initial
// [Reconnector.Connect], [Reconnector.Monitor] treats either the
// connection's Done channel or [Reconnector.NotifyDisconnect] as an outage.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	platform     audio.Platform
	channelID    string
	policy       retryPolicy
	onDisconnect func()
	onReconnect  func(audio.VoiceConnection)

	// quit is cancelled by Stop and ends any monitor.
	quit context.Context
	stop context.CancelFunc
	lost chan struct{}

	mu   sync.Mutex
	conn audio.VoiceConnection
}

// NewReconnector returns a Reconnector with defaults applied.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	p := retryPolicy{attempts: cfg.MaxRetries, initial: cfg.Backoff, max: cfg.MaxBackoff}
	if p.attempts <= 0 {
		p.attempts = defaultMaxRetries
	}
	if p.initial <= 0 {
		p.initial = defaultBackoff
	}
	if p.max <= 0 {
		p.max = defaultMaxBackoff
	}
	quit, stop := context.WithCancel(context.Background())
	return &Reconnector{
		platform:     cfg.Platform,
		channelID:    cfg.ChannelID,
		policy:       p,
		onDisconnect: cfg.OnDisconnect,
		onReconnect:  cfg.OnReconnect,
		quit:         quit,
		stop:         stop,
		lost:         make(chan struct{}, 1),
	}
}

// Connect performs the initial join.
func (r *Reconnector) Connect(ctx context.Context) (audio.VoiceConnection, error) {
	conn, err := r.platform.Connect(ctx, r.channelID)
	if err != nil {
		return nil, fmt.Errorf("session: join voice channel %q: %w", r.channelID, err)
	}
	r.swapConn(conn)
	return conn, nil
}

// Monitor handles outages in the background until ctx ends or
// [Reconnector.Stop] is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(r.quit, cancel)
	go func() {
		defer unhook()
		defer cancel()
		r.watch(ctx)
	}()
}

// NotifyDisconnect reports an outage the connection itself cannot see, such
// as a gateway drop. Repeated calls during one outage collapse into one.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.lost <- struct{}{}:
	default:
	}
}

// Stop ends monitoring and leaves the voice channel. Calls after the first
// return nil.
func (r *Reconnector) Stop() error {
	r.stop()
	if conn := r.swapConn(nil); conn != nil {
		return conn.Disconnect()
	}
	return nil
}

// Connection returns the active connection, or nil during an outage and
// after retries ran out.
func (r *Reconnector) Connection() audio.VoiceConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) swapConn(c audio.VoiceConnection) audio.VoiceConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conn
	r.conn = c
	return old
}

// ended reports why monitoring should stop. Stop cancels the monitor context
// asynchronously, so quit is checked directly as well.
func (r *Reconnector) ended(ctx context.Context) error {
	if err := r.quit.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Reconnector) watch(ctx context.Context) {
	for {
		// With no connection only explicit notifications wake the loop.
		var dropped <-chan struct{}
		if conn := r.Connection(); conn != nil {
			dropped = conn.Done()
		}
		select {
		case <-ctx.Done():
			return
		case <-dropped:
		case <-r.lost:
		}
		if r.ended(ctx) != nil {
			return
		}

		if r.onDisconnect != nil {
			r.onDisconnect()
		}
		conn, err := r.rejoin(ctx)
		switch {
		case err == nil:
			if r.onReconnect != nil {
				r.onReconnect(conn)
			}
		case errors.Is(err, ErrRetriesExhausted):
			slog.Error("session: giving up on voice channel", "channel_id", r.channelID, "err", err)
		}

		// A notification raised during this outage is already handled.
		select {
		case <-r.lost:
		default:
		}
	}
}

// rejoin releases the dead connection and joins again under the retry
// policy. It returns ctx.Err() when stopped mid-outage.
func (r *Reconnector) rejoin(ctx context.Context) (audio.VoiceConnection, error) {
	// Discord allows one voice connection per guild; a late Disconnect of the
	// old one would tear down its replacement.
	if old := r.swapConn(nil); old != nil {
		_ = old.Disconnect()
	}

	for attempt := 1; attempt <= r.policy.attempts; attempt++ {
		if err := r.ended(ctx); err != nil {
			return nil, err
		}
		conn, err := r.platform.Connect(ctx, r.channelID)
		if err == nil {
			r.mu.Lock()
			if r.quit.Err() != nil {
				r.mu.Unlock()
				_ = conn.Disconnect()
				return nil, r.quit.Err()
			}
			r.conn = conn
			r.mu.Unlock()
			slog.Info("session: rejoined voice channel", "channel_id", r.channelID, "attempt", attempt)
			return conn, nil
		}

		wait := r.policy.delay(attempt)
		slog.Warn("session: rejoin failed",
			"channel_id", r.channelID,
			"attempt", attempt,
			"of", r.policy.attempts,
			"retry_in", wait,
			"err", err,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, r.policy.attempts)
}
