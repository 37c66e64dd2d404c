package discord

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.VoiceConnection = (*Connection)(nil)

const (
	// maxBuffered caps the PCM kept per participant. Older audio is dropped
	// when a reader falls behind.
	maxBuffered = time.Second

	// idleTimeout removes participants that sent nothing for this long.
	idleTimeout = time.Minute
)

// silenceFrame is the Opus packet Discord sends when a speaker stops.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// recvFormat is the PCM format kept in participant buffers.
var recvFormat = audio.Format{SampleRate: opusSampleRate, Channels: 1}

// sendFormat is the PCM format Discord expects for playback.
var sendFormat = audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}

// participant holds decoded mono PCM for one SSRC.
type participant struct {
	dec       *opusDecoder
	pcm       []byte
	lastHeard time.Time
}

// Connection wraps a discordgo.VoiceConnection and adapts it to
// [audio.VoiceConnection]. Incoming Opus packets are decoded per SSRC,
// downmixed to mono, and buffered until [Connection.Fetch] drains them.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string

	mu        sync.Mutex
	receiving bool
	peers     map[uint32]*participant
	ssrcUser  map[uint32]string

	// playMu serialises Play so cues never interleave.
	playMu sync.Mutex

	done     chan struct{}
	lostOnce sync.Once
	discOnce sync.Once

	removeHandler func()

	// disconnectVC tears down the voice connection. Defaults to
	// vc.Disconnect; overridden in tests.
	disconnectVC func() error

	now func() time.Time
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive loop.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		peers:        make(map[uint32]*participant),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		now:          time.Now,
	}

	vc.AddHandler(c.handleSpeakingUpdate)
	c.removeHandler = session.AddHandler(func(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		if s.State == nil || s.State.User == nil {
			return
		}
		c.handleOwnVoiceState(s.State.User.ID, vsu)
	})

	go c.recvLoop()
	return c
}

// Fetch drains up to window worth of mono PCM from every participant buffer.
// A participant whose buffer is empty yields a frame with HasAudio false.
// Frames are ordered by participant ID.
func (c *Connection) Fetch(window time.Duration) []audio.ParticipantFrame {
	want := recvFormat.Bytes(window)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	frames := make([]audio.ParticipantFrame, 0, len(c.peers))
	for ssrc, p := range c.peers {
		if len(p.pcm) == 0 && now.Sub(p.lastHeard) > idleTimeout {
			delete(c.peers, ssrc)
			continue
		}
		n := min(want, len(p.pcm))
		f := audio.ParticipantFrame{ParticipantID: c.participantIDLocked(ssrc)}
		if n > 0 {
			f.PCM = slices.Clone(p.pcm[:n])
			f.HasAudio = true
			p.pcm = p.pcm[n:]
		}
		frames = append(frames, f)
	}
	slices.SortFunc(frames, func(a, b audio.ParticipantFrame) int {
		switch {
		case a.ParticipantID < b.ParticipantID:
			return -1
		case a.ParticipantID > b.ParticipantID:
			return 1
		}
		return 0
	})
	return frames
}

// SetReceive switches reception on or off. Turning it off discards all
// buffered audio; packets keep being drained from the transport.
func (c *Connection) SetReceive(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiving = on
	if !on {
		for _, p := range c.peers {
			p.pcm = nil
		}
	}
}

// Play converts pcm to 48 kHz stereo, encodes it as 20 ms Opus frames, and
// hands them to the transport. It blocks until every frame has been queued
// or the connection is closed. The final partial frame is padded with
// silence.
func (c *Connection) Play(pcm []byte, format audio.Format) error {
	data, err := audio.Convert(pcm, format, sendFormat)
	if err != nil {
		return err
	}
	enc, err := newOpusEncoder()
	if err != nil {
		return err
	}

	c.playMu.Lock()
	defer c.playMu.Unlock()

	c.setSpeaking(true)
	defer c.setSpeaking(false)
	for pkt, err := range enc.frames(data) {
		if err != nil {
			return err
		}
		select {
		case c.vc.OpusSend <- pkt:
		case <-c.done:
			return nil
		}
	}
	return nil
}

// Done is closed when the connection is lost or disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Disconnect leaves the voice channel. It is safe to call more than once;
// subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.discOnce.Do(func() {
		c.markLost()
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

func (c *Connection) markLost() {
	c.lostOnce.Do(func() { close(c.done) })
}

// recvLoop decodes incoming Opus packets into per-SSRC mono buffers.
func (c *Connection) recvLoop() {
	maxBytes := recvFormat.Bytes(maxBuffered)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				slog.Warn("discord: voice receive channel closed")
				c.markLost()
				return
			}
			if pkt == nil || slices.Equal(pkt.Opus, silenceFrame) {
				continue
			}
			c.receive(pkt, maxBytes)
		}
	}
}

func (c *Connection) receive(pkt *discordgo.Packet, maxBytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.receiving {
		return
	}

	p, ok := c.peers[pkt.SSRC]
	if !ok {
		dec, err := newOpusDecoder()
		if err != nil {
			slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
			return
		}
		p = &participant{dec: dec}
		c.peers[pkt.SSRC] = p
	}

	mono, err := p.dec.decodeMono(pkt.Opus)
	if err != nil {
		slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
		return
	}
	p.pcm = append(p.pcm, mono...)
	if over := len(p.pcm) - maxBytes; over > 0 {
		p.pcm = p.pcm[over:]
	}
	p.lastHeard = c.now()
}

// handleSpeakingUpdate records which user owns an SSRC.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
}

// handleOwnVoiceState marks the connection lost when the bot itself leaves
// or is moved out of the voice channel.
func (c *Connection) handleOwnVoiceState(botID string, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || vsu.UserID != botID {
		return
	}
	if vsu.ChannelID != c.vc.ChannelID {
		slog.Warn("discord: bot left voice channel", "channel", c.vc.ChannelID, "now", vsu.ChannelID)
		c.markLost()
	}
}

// participantIDLocked returns the user ID for ssrc, or the SSRC itself when
// the owner is not known yet. Must be called with c.mu held.
func (c *Connection) participantIDLocked(ssrc uint32) string {
	if id, ok := c.ssrcUser[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Debug("discord: speaking notification error", "speaking", b, "err", err)
	}
}
