// Package cue loads short audio files played into the voice channel when a
// stream starts or stops.
//
// Files ending in .mp3 are decoded with go-mp3. Anything else is read as raw
// 16-bit little-endian mono PCM at 48 kHz.
package cue

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// RawFormat is the format assumed for cue files that are not MP3.
var RawFormat = audio.Format{SampleRate: audio.SampleRate, Channels: 1}

// mp3Channels is the channel count go-mp3 always decodes to.
const mp3Channels = 2

// Load reads the cue at path and returns its PCM converted to format.
func Load(path string, format audio.Format) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cue: read %q: %w", path, err)
	}

	src := RawFormat
	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		dec, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("cue: decode %q: %w", path, err)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(dec); err != nil {
			return nil, fmt.Errorf("cue: decode %q: %w", path, err)
		}
		data = buf.Bytes()
		src = audio.Format{SampleRate: dec.SampleRate(), Channels: mp3Channels}
	}

	pcm, err := audio.Convert(data, src, format)
	if err != nil {
		return nil, fmt.Errorf("cue: convert %q: %w", path, err)
	}
	return pcm, nil
}

// Cache memoises decoded cues per path and target format.
//
// Cache is safe for concurrent use. The zero value is ready to use.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey][]byte
}

type cacheKey struct {
	path   string
	format audio.Format
}

// Get returns the cue at path converted to format, loading it on first use.
// Failed loads are not cached.
func (c *Cache) Get(path string, format audio.Format) ([]byte, error) {
	key := cacheKey{path: path, format: format}

	c.mu.Lock()
	pcm, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return pcm, nil
	}

	pcm, err := Load(path, format)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[cacheKey][]byte)
	}
	c.entries[key] = pcm
	return pcm, nil
}

// Invalidate drops every cached cue, forcing the next Get to reload from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}
