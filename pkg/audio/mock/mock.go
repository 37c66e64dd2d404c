// Package mock provides in-memory implementations of [audio.Conference],
// [audio.VoiceConnection], and [audio.Platform] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	conf := &mock.Conference{}
//	conf.QueueFrames([]audio.ParticipantFrame{{ParticipantID: "u1", PCM: pcm, HasAudio: true}})
//	eng, _ := bridge.New(conf, sink, cfg)
//	conf.EmitText(audio.Message{Text: "!connect"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// ─── Conference ───────────────────────────────────────────────────────────────

// Conference is a mock implementation of [audio.Conference].
type Conference struct {
	mu sync.Mutex

	// queued frames are returned by FetchAudio in order; once drained,
	// FetchAudio returns DefaultFrames.
	queued [][]audio.ParticipantFrame

	// DefaultFrames is returned by FetchAudio when no queued frames remain.
	DefaultFrames []audio.ParticipantFrame

	// SendTextError is returned by SendTextMessage.
	SendTextError error

	// SendAudioCueError is returned by SendAudioCue.
	SendAudioCueError error

	// Messages records every SendTextMessage argument in order.
	Messages []string

	// Cues records every SendAudioCue argument in order.
	Cues []string

	// ReceiveCalls records every SetReceiveAudio argument in order.
	ReceiveCalls []bool

	// Receiving mirrors the last SetReceiveAudio argument.
	Receiving bool

	// CallCountFetchAudio records how many times FetchAudio was called.
	CallCountFetchAudio int

	// FetchWindows records the window argument of each FetchAudio call.
	FetchWindows []time.Duration

	onText         func(audio.Message)
	onDisconnected func()
	onReconnected  func()
}

// QueueFrames appends one FetchAudio result to the queue.
func (c *Conference) QueueFrames(frames []audio.ParticipantFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, frames)
}

// FetchAudio implements [audio.Conference].
func (c *Conference) FetchAudio(window time.Duration) []audio.ParticipantFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountFetchAudio++
	c.FetchWindows = append(c.FetchWindows, window)
	if len(c.queued) > 0 {
		f := c.queued[0]
		c.queued = c.queued[1:]
		return f
	}
	return c.DefaultFrames
}

// SetReceiveAudio implements [audio.Conference].
func (c *Conference) SetReceiveAudio(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ReceiveCalls = append(c.ReceiveCalls, on)
	c.Receiving = on
}

// SendTextMessage implements [audio.Conference].
func (c *Conference) SendTextMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Messages = append(c.Messages, text)
	return c.SendTextError
}

// SendAudioCue implements [audio.Conference].
func (c *Conference) SendAudioCue(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Cues = append(c.Cues, path)
	return c.SendAudioCueError
}

// OnTextMessage implements [audio.Conference].
func (c *Conference) OnTextMessage(cb func(audio.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onText = cb
}

// OnDisconnected implements [audio.Conference].
func (c *Conference) OnDisconnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = cb
}

// OnReconnected implements [audio.Conference].
func (c *Conference) OnReconnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnected = cb
}

// EmitText invokes the registered text callback, if any.
func (c *Conference) EmitText(msg audio.Message) {
	c.mu.Lock()
	cb := c.onText
	c.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// EmitDisconnected invokes the registered disconnect callback, if any.
func (c *Conference) EmitDisconnected() {
	c.mu.Lock()
	cb := c.onDisconnected
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// EmitReconnected invokes the registered reconnect callback, if any.
func (c *Conference) EmitReconnected() {
	c.mu.Lock()
	cb := c.onReconnected
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// SentMessages returns a copy of the recorded text messages.
func (c *Conference) SentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Messages...)
}

// SentCues returns a copy of the recorded cue paths.
func (c *Conference) SentCues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Cues...)
}

// IsReceiving returns the last SetReceiveAudio argument.
func (c *Conference) IsReceiving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Receiving
}

// FetchCount returns how many times FetchAudio was called.
func (c *Conference) FetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountFetchAudio
}

// ─── VoiceConnection ──────────────────────────────────────────────────────────

// PlayCall records the arguments of one [VoiceConnection.Play] invocation.
type PlayCall struct {
	PCM    []byte
	Format audio.Format
}

// VoiceConnection is a mock implementation of [audio.VoiceConnection].
type VoiceConnection struct {
	mu sync.Mutex

	// FetchResult is returned by Fetch.
	FetchResult []audio.ParticipantFrame

	// PlayError is returned by Play.
	PlayError error

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	// ReceiveCalls records every SetReceive argument in order.
	ReceiveCalls []bool

	// PlayCalls records every Play invocation.
	PlayCalls []PlayCall

	// CallCountFetch records how many times Fetch was called.
	CallCountFetch int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	done     chan struct{}
	doneOnce sync.Once
}

func (v *VoiceConnection) doneChan() chan struct{} {
	if v.done == nil {
		v.done = make(chan struct{})
	}
	return v.done
}

// Fetch implements [audio.VoiceConnection].
func (v *VoiceConnection) Fetch(time.Duration) []audio.ParticipantFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.CallCountFetch++
	return v.FetchResult
}

// SetReceive implements [audio.VoiceConnection].
func (v *VoiceConnection) SetReceive(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ReceiveCalls = append(v.ReceiveCalls, on)
}

// Play implements [audio.VoiceConnection].
func (v *VoiceConnection) Play(pcm []byte, format audio.Format) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.PlayCalls = append(v.PlayCalls, PlayCall{PCM: append([]byte(nil), pcm...), Format: format})
	return v.PlayError
}

// Done implements [audio.VoiceConnection].
func (v *VoiceConnection) Done() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.doneChan()
}

// Drop simulates a transport loss by closing the Done channel.
func (v *VoiceConnection) Drop() {
	v.mu.Lock()
	ch := v.doneChan()
	v.mu.Unlock()
	v.doneOnce.Do(func() { close(ch) })
}

// Disconnect implements [audio.VoiceConnection].
func (v *VoiceConnection) Disconnect() error {
	v.mu.Lock()
	v.CallCountDisconnect++
	err := v.DisconnectError
	v.mu.Unlock()
	v.Drop()
	return err
}

// Disconnects returns how many times Disconnect was called.
func (v *VoiceConnection) Disconnects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.CallCountDisconnect
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Platform.Connect] invocation.
type ConnectCall struct {
	// ChannelID is the channelID argument passed to Connect.
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResults are returned by successive Connect calls. Once
	// exhausted, the last entry is reused. A nil entry yields ConnectError.
	ConnectResults []*VoiceConnection

	// ConnectError is returned when the selected result is nil.
	ConnectError error

	// FailFirst makes the first FailFirst calls return ConnectError.
	FailFirst int

	// ConnectCalls records every Connect invocation.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.VoiceConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{ChannelID: channelID})
	if n < p.FailFirst || len(p.ConnectResults) == 0 {
		return nil, p.ConnectError
	}
	idx := min(n-p.FailFirst, len(p.ConnectResults)-1)
	if vc := p.ConnectResults[idx]; vc != nil {
		return vc, nil
	}
	return nil, p.ConnectError
}

// Calls returns how many times Connect was called.
func (p *Platform) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}
