package audio

import "time"

// MinFrameDuration is the smallest audio granularity the conference
// delivers. Mixing windows must be a positive multiple of it.
const MinFrameDuration = 10 * time.Millisecond

// SampleRate is the fixed PCM sample rate used across the bridge. Discord
// Opus and the encoder input both run at 48 kHz.
const SampleRate = 48000

// Format describes the sample rate and channel count of a PCM stream. It is
// an immutable value threaded through every component that touches PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns f with a single channel.
func (f Format) Mono() Format {
	return Format{SampleRate: f.SampleRate, Channels: 1}
}

// Samples returns the number of samples per channel covering d.
func (f Format) Samples(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(d) / int64(time.Second))
}

// Bytes returns the byte length of d worth of 16-bit PCM in this format.
func (f Format) Bytes(d time.Duration) int {
	return f.Samples(d) * f.Channels * 2
}

// Duration returns how much audio n bytes of 16-bit PCM represent.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := n / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// ParticipantFrame is the audio one participant produced during a single
// tick. PCM is 16-bit little-endian mono at [SampleRate]. HasAudio is false
// when the participant was silent for the whole window; PCM is then empty.
type ParticipantFrame struct {
	// ParticipantID is the platform-specific identifier of the speaker.
	ParticipantID string

	// PCM holds at most one window of samples. It may be shorter than the
	// window when the participant's buffer ran dry.
	PCM []byte

	// HasAudio reports whether the participant sent any audio for the window.
	HasAudio bool
}

// Message is an inbound chat message posted in the conference text channel.
type Message struct {
	// ChannelID is the text channel the message was posted in.
	ChannelID string

	// AuthorID is the platform user ID of the sender.
	AuthorID string

	// AuthorName is the display name of the sender.
	AuthorName string

	// Text is the raw message content, markup included.
	Text string
}
