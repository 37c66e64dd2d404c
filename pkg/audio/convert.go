package audio

import (
	"errors"
	"fmt"
)

// ErrMisalignedPCM is returned by [Convert] when the input is not a whole
// number of 16-bit sample frames.
var ErrMisalignedPCM = errors.New("audio: pcm length is not a whole number of sample frames")

// Convert converts 16-bit PCM from one format to another. If the formats
// already match, pcm is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert, which avoids
// resampling two channels when the target is mono.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	if from.Channels <= 0 || len(pcm)%(2*from.Channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrMisalignedPCM, len(pcm), from)
	}
	if from == to {
		return pcm, nil
	}
	if from.SampleRate != to.SampleRate {
		pcm = Resample16(pcm, from.Channels, from.SampleRate, to.SampleRate)
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	case from.Channels != to.Channels:
		return nil, fmt.Errorf("audio: unsupported channel conversion %d -> %d", from.Channels, to.Channels)
	}
	return pcm, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(SampleAt(pcm, i*2))
		r := int32(SampleAt(pcm, i*2+1))
		PutSample(out, i, Clamp16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. If the rates match or
// are invalid, pcm is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	frameBytes := 2 * channels
	srcFrames := len(pcm) / frameBytes
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(SampleAt(pcm, idx*channels+ch))
			s1 := float64(SampleAt(pcm, next*channels+ch))
			PutSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// SampleAt returns the i-th little-endian int16 sample of pcm.
func SampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// PutSample stores s as the i-th little-endian int16 sample of pcm.
func PutSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// Clamp16 saturates v to the int16 range.
func Clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Int16sToBytes converts int16 samples to little-endian bytes.
func Int16sToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		PutSample(b, i, s)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = SampleAt(b, i)
	}
	return samples
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
