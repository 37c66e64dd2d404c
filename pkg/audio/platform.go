// Package audio defines the interfaces and types shared by the conference
// side of voxcast: PCM formats, per-participant frames, and the capabilities
// the bridge needs from a voice platform.
//
// The primary abstractions are:
//
//   - [Platform] joins a voice channel and returns a [VoiceConnection].
//   - [VoiceConnection] buffers per-participant audio and plays cues back.
//   - [Conference] is the full capability set the bridge engine consumes:
//     audio fetch, text messaging, and transport lifecycle notifications.
//
// Implementations live in platform-specific packages (pkg/audio/discord,
// internal/discord). The interfaces stay narrow so the bridge never sees
// provider details.
package audio

import (
	"context"
	"time"
)

// VoiceConnection is an active session on a voice channel.
//
// Implementations must be safe for concurrent use.
type VoiceConnection interface {
	// Fetch drains up to window worth of PCM from every participant buffer.
	// Participants that have been silent for longer than the platform's idle
	// timeout are omitted.
	Fetch(window time.Duration) []ParticipantFrame

	// SetReceive switches audio reception on or off. While off, incoming
	// audio is discarded and participant buffers are cleared.
	SetReceive(on bool)

	// Play sends pcm into the voice channel. pcm is 16-bit little-endian in
	// the given format. Play blocks until the audio has been handed to the
	// transport or the connection is lost.
	Play(pcm []byte, format Format) error

	// Done is closed when the underlying transport is lost.
	Done() <-chan struct{}

	// Disconnect leaves the voice channel. It is safe to call more than once.
	Disconnect() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins the voice channel identified by channelID. ctx governs
	// the connection attempt only.
	Connect(ctx context.Context, channelID string) (VoiceConnection, error)
}

// Conference is the capability set the bridge engine consumes from the
// voice conference.
//
// Implementations must be safe for concurrent use. Callbacks may run on
// transport goroutines concurrently with calls into the Conference.
type Conference interface {
	// FetchAudio returns one frame per known participant covering window.
	FetchAudio(window time.Duration) []ParticipantFrame

	// SetReceiveAudio switches audio reception on or off.
	SetReceiveAudio(on bool)

	// SendTextMessage posts text to the conference text channel.
	SendTextMessage(text string) error

	// SendAudioCue plays the audio file at path into the voice channel.
	SendAudioCue(path string) error

	// OnTextMessage registers the callback for inbound chat messages. Only
	// one callback is kept; later calls replace earlier ones.
	OnTextMessage(cb func(Message))

	// OnDisconnected registers the callback invoked when the transport drops.
	OnDisconnected(cb func())

	// OnReconnected registers the callback invoked once the transport has
	// been re-established after a drop.
	OnReconnected(cb func())
}
