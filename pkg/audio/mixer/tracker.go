// Package mixer turns the per-participant frames of one bridge tick into a
// single PCM buffer and keeps track of how long the conference has been
// silent.
//
// Mixing is additive: every participant that spoke during the window is
// overlaid onto the same silent buffer at offset zero, and the sum is
// saturated to the int16 range. Frames are never concatenated.
package mixer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// ErrConfiguration is wrapped by [NewTracker] when the window or output
// format cannot be mixed. It is a startup error and never recovered.
var ErrConfiguration = errors.New("mixer: invalid configuration")

// ErrSilenceExceeded is returned by [Tracker.Mix] once the accumulated
// silence grows past the configured maximum. The counter has already been
// reset when the error is returned.
var ErrSilenceExceeded = errors.New("mixer: maximum silence duration exceeded")

// Tracker mixes participant frames and counts consecutive silence.
//
// All methods are safe for concurrent use.
type Tracker struct {
	format audio.Format
	window time.Duration
	// samples is the number of mono samples covering one window.
	samples int

	mu         sync.Mutex
	maxSilence time.Duration
	silence    time.Duration
}

// NewTracker validates the mixing parameters and returns a Tracker.
//
// window must be a positive multiple of [audio.MinFrameDuration] and
// format.Channels must be 1 or 2. A maxSilence of zero disables the silence
// timeout; the counter is still maintained.
func NewTracker(format audio.Format, window, maxSilence time.Duration) (*Tracker, error) {
	if window <= 0 || window%audio.MinFrameDuration != 0 {
		return nil, fmt.Errorf("%w: buffer duration %v must be a positive multiple of %v",
			ErrConfiguration, window, audio.MinFrameDuration)
	}
	if format.Channels != 1 && format.Channels != 2 {
		return nil, fmt.Errorf("%w: channels must be 1 (mono) or 2 (stereo), got %d",
			ErrConfiguration, format.Channels)
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive, got %d", ErrConfiguration, format.SampleRate)
	}
	if maxSilence < 0 {
		return nil, fmt.Errorf("%w: max silence must not be negative, got %v", ErrConfiguration, maxSilence)
	}
	return &Tracker{
		format:     format,
		window:     window,
		samples:    format.Samples(window),
		maxSilence: maxSilence,
	}, nil
}

// Format returns the output format of mixed buffers.
func (t *Tracker) Format() audio.Format { return t.format }

// Window returns the duration covered by one mixed buffer.
func (t *Tracker) Window() time.Duration { return t.window }

// Mix overlays every frame that has audio onto a silent window and returns
// the result in the tracker's output format. When no frame has audio the
// silence counter grows by one window; otherwise it is reset.
//
// If the silence counter exceeds the maximum, the counter is reset and
// [ErrSilenceExceeded] is returned instead of a buffer.
func (t *Tracker) Mix(frames []audio.ParticipantFrame) ([]byte, error) {
	acc := make([]int32, t.samples)
	heard := false
	for _, f := range frames {
		if !f.HasAudio {
			continue
		}
		heard = true
		n := min(len(f.PCM)/2, t.samples)
		for i := range n {
			acc[i] += int32(audio.SampleAt(f.PCM, i))
		}
	}

	if err := t.account(heard); err != nil {
		return nil, err
	}

	mono := make([]byte, t.samples*2)
	for i, v := range acc {
		audio.PutSample(mono, i, audio.Clamp16(v))
	}
	if t.format.Channels == 2 {
		return audio.MonoToStereo(mono), nil
	}
	return mono, nil
}

// account updates the silence counter for one window.
func (t *Tracker) account(heard bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if heard {
		t.silence = 0
		return nil
	}
	t.silence += t.window
	slog.Debug("mixer: silence detected", "window", t.window, "total", t.silence)

	if t.maxSilence > 0 && t.silence > t.maxSilence {
		t.silence = 0
		return ErrSilenceExceeded
	}
	return nil
}

// Silence returns the current consecutive silence duration.
func (t *Tracker) Silence() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.silence
}

// MaxSilence returns the configured silence timeout.
func (t *Tracker) MaxSilence() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxSilence
}

// SetMaxSilence replaces the silence timeout. Negative values are treated
// as zero.
func (t *Tracker) SetMaxSilence(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxSilence = max(d, 0)
}

// Reset clears the silence counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.silence = 0
}
