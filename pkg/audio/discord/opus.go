package discord

import (
	"fmt"
	"iter"
	"slices"

	"layeh.com/gopus"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// Discord carries 20 ms frames of 48 kHz stereo Opus in both directions.
const (
	opusSampleRate = audio.SampleRate
	opusChannels   = 2

	// opusFrameSize is samples per channel in one 20 ms frame.
	opusFrameSize = opusSampleRate / 50
	// opusFrameBytes is one frame of interleaved stereo s16le.
	opusFrameBytes = opusFrameSize * opusChannels * 2
	// maxOpusPacket caps the encoder output buffer.
	maxOpusPacket = 4000
)

// opusDecoder holds the decoding state of one SSRC.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decodeMono decodes one packet and downmixes it to mono s16le, the format
// speaker buffers are kept in.
func (d *opusDecoder) decodeMono(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.StereoToMono(audio.Int16sToBytes(pcm)), nil
}

// opusEncoder compresses cue audio for playback into the channel.
type opusEncoder struct {
	enc *gopus.Encoder
}

func newOpusEncoder() (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc}, nil
}

// encodeFrame compresses exactly one frame of interleaved stereo s16le.
func (e *opusEncoder) encodeFrame(frame []byte) ([]byte, error) {
	if len(frame) != opusFrameBytes {
		return nil, fmt.Errorf("discord: opus frame is %d bytes, want %d", len(frame), opusFrameBytes)
	}
	pkt, err := e.enc.Encode(audio.BytesToInt16s(frame), opusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return pkt, nil
}

// frames yields one packet per 20 ms of pcm, padding the tail frame with
// silence. Iteration stops after the first error.
func (e *opusEncoder) frames(pcm []byte) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for off := 0; off < len(pcm); off += opusFrameBytes {
			frame := pcm[off:min(off+opusFrameBytes, len(pcm))]
			if len(frame) < opusFrameBytes {
				frame = append(slices.Clone(frame), make([]byte, opusFrameBytes-len(frame))...)
			}
			pkt, err := e.encodeFrame(frame)
			if !yield(pkt, err) || err != nil {
				return
			}
		}
	}
}
