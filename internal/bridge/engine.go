// Package bridge wires the conference, the mixer, the stream sink, and the
// command dispatcher into one streaming session controller.
//
// The [Engine] is driven by two sources: a [watchdog.Watchdog] whose handler
// performs one fetch-mix-write tick and re-arms itself, and an inbox of chat
// messages drained by [Engine.Run]. Only the engine starts and stops the
// watchdog and the sink, and it always does so together under its state
// lock, so a running tick loop implies an active stream and vice versa.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxcast/internal/command"
	"github.com/MrWong99/voxcast/internal/events"
	"github.com/MrWong99/voxcast/internal/observe"
	"github.com/MrWong99/voxcast/internal/sink"
	"github.com/MrWong99/voxcast/internal/watchdog"
	"github.com/MrWong99/voxcast/pkg/audio"
	"github.com/MrWong99/voxcast/pkg/audio/mixer"
)

// Chat replies.
const (
	ReplyAlreadyConnected    = "Icecast already connected"
	ReplyStarted             = "Icecast stream started"
	ReplyStopped             = "Icecast streaming stopped"
	ReplyAlreadyDisconnected = "Icecast already disconnected"
	ReplyStatusConnected     = "Icecast stream is connected"
	ReplyStatusDisconnected  = "Icecast stream is disconnected"
)

// Command names.
const (
	CmdConnect    = "connect"
	CmdDisconnect = "disconnect"
	CmdStatus     = "status"
)

// inboxSize bounds the number of chat messages waiting for the Run loop.
const inboxSize = 64

// Sink is the stream sink the engine drives. [*sink.Supervisor] implements
// it.
type Sink interface {
	Start(ctx context.Context) error
	Write(ctx context.Context, buf []byte) error
	Stop()
	IsConnected() bool
}

// Publisher receives lifecycle events. [*events.Hub] implements it.
type Publisher interface {
	Publish(ev events.Event)
}

// Config holds the engine parameters.
type Config struct {
	// Format is the PCM format written to the sink. Channels must be 1 or 2.
	Format audio.Format

	// BufferDuration is the audio window mixed per tick. It must be a
	// positive multiple of 10ms.
	BufferDuration time.Duration

	// TickInterval is the watchdog timeout between ticks.
	TickInterval time.Duration

	// MaxSilence disconnects the stream after this much consecutive
	// silence. Zero disables the timeout.
	MaxSilence time.Duration

	// CommandPrefix introduces chat commands.
	CommandPrefix string

	// SuggestCommands adds "did you mean" hints to unknown-command replies.
	SuggestCommands bool

	// Autoconnect starts streaming as soon as [Engine.Run] starts.
	Autoconnect bool

	// StartCue and StopCue are optional audio files played into the voice
	// channel when a stream starts or stops.
	StartCue string
	StopCue  string

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Events receives lifecycle events. Optional.
	Events Publisher
}

// Engine is the streaming session controller.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	conf    audio.Conference
	sink    Sink
	tracker *mixer.Tracker
	dog     *watchdog.Watchdog
	disp    *command.Dispatcher
	metrics *observe.Metrics
	events  Publisher
	inbox   chan audio.Message

	// mu is the engine state lock. It guards streaming and session and
	// serialises every start and stop of the watchdog and sink.
	mu        sync.Mutex
	streaming bool
	session   string
	baseCtx   context.Context

	closeOnce sync.Once
}

// New validates cfg and returns an Engine bound to conf and snk. It
// registers itself for the conference's text and transport callbacks.
func New(conf audio.Conference, snk Sink, cfg Config) (*Engine, error) {
	if conf == nil || snk == nil {
		return nil, errors.New("bridge: conference and sink are required")
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("bridge: tick interval must be positive, got %v", cfg.TickInterval)
	}
	tracker, err := mixer.NewTracker(cfg.Format, cfg.BufferDuration, cfg.MaxSilence)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	e := &Engine{
		cfg:     cfg,
		conf:    conf,
		sink:    snk,
		tracker: tracker,
		metrics: cfg.Metrics,
		events:  cfg.Events,
		inbox:   make(chan audio.Message, inboxSize),
		baseCtx: context.Background(),
	}
	e.dog = watchdog.New(cfg.TickInterval, e.onExpired)
	e.disp = command.New(cfg.CommandPrefix, map[string]command.Handler{
		CmdConnect:    e.Connect,
		CmdDisconnect: e.Disconnect,
		CmdStatus:     e.Status,
	}, conf.SendTextMessage,
		command.WithSuggestions(cfg.SuggestCommands),
		command.WithObserver(func(ctx context.Context, r command.Result) {
			e.metrics.RecordCommand(ctx, r.Command, r.Outcome.String())
		}),
	)

	conf.OnTextMessage(e.Submit)
	conf.OnDisconnected(e.voiceLost)
	conf.OnReconnected(e.Resume)
	return e, nil
}

// Run drains the inbox until ctx is done, then stops any active stream. With
// Autoconnect set, a stream is started first.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	slog.Info("bridge: engine running",
		"prefix", e.disp.Prefix(),
		"buffer", e.cfg.BufferDuration,
		"tick", e.cfg.TickInterval,
		"format", e.cfg.Format.String(),
	)
	if e.cfg.Autoconnect {
		slog.Info("bridge: autoconnect enabled")
		e.say(e.Connect(ctx))
	}

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return nil
		case msg := <-e.inbox:
			e.handle(ctx, msg)
		}
	}
}

// Submit queues an inbound chat message for the Run loop. It never blocks;
// when the inbox is full the message is dropped.
func (e *Engine) Submit(msg audio.Message) {
	select {
	case e.inbox <- msg:
	default:
		slog.Warn("bridge: inbox full, dropping message", "author", msg.AuthorName)
	}
}

// HandleMessage dispatches msg synchronously on the caller's goroutine.
func (e *Engine) HandleMessage(ctx context.Context, msg audio.Message) command.Result {
	return e.handle(ctx, msg)
}

func (e *Engine) handle(ctx context.Context, msg audio.Message) command.Result {
	slog.Debug("bridge: message received", "author", msg.AuthorName, "text", msg.Text)
	ctx, span := observe.StartSpan(ctx, "bridge.message")
	defer span.End()
	res := e.disp.Dispatch(ctx, msg.Text)
	if res.Outcome != command.NotCommand {
		span.SetAttributes(
			attribute.String("command", res.Command),
			attribute.String("outcome", res.Outcome.String()),
		)
	}
	return res
}

// Execute runs the named command directly, bypassing prefix parsing, and
// returns the reply. ok is false for unknown names. Slash commands use it.
func (e *Engine) Execute(ctx context.Context, name string) (reply string, ok bool) {
	var fn command.Handler
	switch name {
	case CmdConnect:
		fn = e.Connect
	case CmdDisconnect:
		fn = e.Disconnect
	case CmdStatus:
		fn = e.Status
	default:
		e.metrics.RecordCommand(ctx, name, command.Unknown.String())
		return command.UnknownReply, false
	}
	reply = fn(ctx)
	e.metrics.RecordCommand(ctx, name, command.Executed.String())
	return reply, true
}

// Connect starts a stream session unless one is active and returns the
// reply text.
func (e *Engine) Connect(ctx context.Context) string {
	ctx, span := observe.StartSpan(ctx, "bridge.connect")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sink.IsConnected() {
		return ReplyAlreadyConnected
	}
	if err := e.sink.Start(ctx); err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Error("bridge: failed to start stream", "err", err)
		return "Failed to start Icecast stream: " + err.Error()
	}

	e.session = uuid.NewString()
	e.streaming = true
	e.tracker.Reset()
	e.conf.SetReceiveAudio(true)
	e.dog.Start()
	e.metrics.ActiveStreams.Add(ctx, 1)
	span.SetAttributes(attribute.String("session_id", e.session))

	observe.Logger(observe.WithSession(ctx, e.session)).Info("bridge: stream started")
	e.publish(events.StreamStarted, "")
	e.cue(e.cfg.StartCue)
	return ReplyStarted
}

// Disconnect stops the active stream session and returns the reply text.
// The watchdog is always stopped first so that no tick can race the
// stopped sink.
func (e *Engine) Disconnect(ctx context.Context) string {
	ctx, span := observe.StartSpan(ctx, "bridge.disconnect")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnectLocked(ctx)
}

// disconnectLocked must be called with e.mu held.
func (e *Engine) disconnectLocked(ctx context.Context) string {
	e.dog.Stop()
	if !e.streaming && !e.sink.IsConnected() {
		return ReplyAlreadyDisconnected
	}

	e.sink.Stop()
	e.conf.SetReceiveAudio(false)
	if e.streaming {
		e.metrics.ActiveStreams.Add(ctx, -1)
	}
	observe.Logger(observe.WithSession(ctx, e.session)).Info("bridge: stream stopped")
	e.publish(events.StreamStopped, "")
	e.streaming = false
	e.session = ""
	e.cue(e.cfg.StopCue)
	return ReplyStopped
}

// Status reports whether the sink is connected.
func (e *Engine) Status(context.Context) string {
	if e.sink.IsConnected() {
		return ReplyStatusConnected
	}
	return ReplyStatusDisconnected
}

// Streaming reports whether a stream session is active.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// SessionID returns the active session ID, or "".
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Resume re-enables reception and re-arms the tick loop after the conference
// transport was re-established. It does nothing without an active session.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.streaming || !e.sink.IsConnected() {
		return
	}
	e.conf.SetReceiveAudio(true)
	e.dog.Reset()
	slog.Info("bridge: stream resumed after reconnect", "session_id", e.session)
	e.publish(events.VoiceRestored, "")
}

// SinkRestarted records that the sink relaunched a dead encoder.
func (e *Engine) SinkRestarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publish(events.SinkRestarted, "")
}

// SetMaxSilence changes the silence timeout of the running engine.
func (e *Engine) SetMaxSilence(d time.Duration) {
	e.tracker.SetMaxSilence(d)
}

// SetCommandPrefix changes the chat command prefix of the running engine.
func (e *Engine) SetCommandPrefix(prefix string) {
	e.disp.SetPrefix(prefix)
}

// Close stops any active stream without chat replies. It is idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.dog.Stop()
		if e.streaming || e.sink.IsConnected() {
			e.sink.Stop()
			e.conf.SetReceiveAudio(false)
			if e.streaming {
				e.metrics.ActiveStreams.Add(e.baseCtx, -1)
			}
			e.publish(events.StreamStopped, "shutdown")
			e.streaming = false
			e.session = ""
		}
		slog.Info("bridge: engine closed")
	})
}

// onExpired is the watchdog handler: one tick per expiry.
func (e *Engine) onExpired(watchdog.Expired) {
	e.mu.Lock()
	ctx := e.baseCtx
	session := e.session
	e.mu.Unlock()
	if session == "" {
		return
	}
	e.tick(observe.WithSession(ctx, session), session)
}

// tick fetches one window of conference audio, mixes it, writes it to the
// sink, and re-arms the watchdog. Silence and sink failures end the session
// with a chat notification; they never escape the tick.
func (e *Engine) tick(ctx context.Context, session string) {
	start := time.Now()
	frames := e.conf.FetchAudio(e.tracker.Window())

	buf, err := e.tracker.Mix(frames)
	if err != nil {
		e.metrics.RecordTick(ctx, observe.TickSilenceExceeded, time.Since(start))
		e.metrics.SilenceTimeouts.Add(ctx, 1)
		maxSilence := e.tracker.MaxSilence()
		observe.Logger(ctx).Warn("bridge: no audio received, disconnecting", "max_silence", maxSilence)
		e.end(ctx, session, events.SilenceTimeout, fmt.Sprintf(
			"No audio received for the last %s s. Disconnecting from Icecast...",
			strconv.FormatFloat(maxSilence.Seconds(), 'f', -1, 64)))
		return
	}

	err = e.sink.Write(ctx, buf)
	switch {
	case err == nil:
		e.metrics.RecordTick(ctx, observe.TickWritten, time.Since(start))
		e.mu.Lock()
		if e.streaming && e.session == session && e.sink.IsConnected() {
			e.dog.Reset()
		}
		e.mu.Unlock()
	case errors.Is(err, sink.ErrClosed):
		// A concurrent disconnect won the race.
		e.metrics.RecordTick(ctx, observe.TickClosed, time.Since(start))
		observe.Logger(ctx).Debug("bridge: tick after sink closed")
	default:
		e.metrics.RecordTick(ctx, observe.TickBroken, time.Since(start))
		observe.Logger(ctx).Error("bridge: stream sink broken, disconnecting", "err", err)
		e.end(ctx, session, events.SinkBroken,
			"Lost connection to Icecast. Disconnecting from Icecast...")
	}
}

// end notifies the conference and disconnects, provided session is still
// the active one.
func (e *Engine) end(ctx context.Context, session, kind, notice string) {
	e.mu.Lock()
	if !e.streaming || e.session != session {
		e.mu.Unlock()
		return
	}
	e.publish(kind, notice)
	e.say(notice)
	reply := e.disconnectLocked(ctx)
	e.mu.Unlock()
	e.say(reply)
}

func (e *Engine) voiceLost() {
	e.mu.Lock()
	defer e.mu.Unlock()
	slog.Warn("bridge: conference transport lost", "streaming", e.streaming)
	e.publish(events.VoiceLost, "")
}

// say posts text to the conference, logging failures.
func (e *Engine) say(text string) {
	if text == "" {
		return
	}
	if err := e.conf.SendTextMessage(text); err != nil {
		slog.Warn("bridge: failed to send chat message", "err", err)
	}
}

// cue plays path into the voice channel in the background.
func (e *Engine) cue(path string) {
	if path == "" {
		return
	}
	go func() {
		if err := e.conf.SendAudioCue(path); err != nil {
			slog.Warn("bridge: failed to play audio cue", "path", path, "err", err)
		}
	}()
}

// publish emits a lifecycle event. Must be called with e.mu held.
func (e *Engine) publish(kind, detail string) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{Type: kind, SessionID: e.session, Detail: detail})
}
