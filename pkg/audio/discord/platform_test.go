package discord

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxcast/pkg/audio"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newTestConnection creates a Connection backed by fake OpusSend/OpusRecv
// channels instead of a real Discord voice connection.
func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		ChannelID: "voice-1",
		OpusSend:  make(chan []byte, 16),
		OpusRecv:  make(chan *discordgo.Packet, 16),
	}
	c := &Connection{
		vc:           vc,
		guildID:      "guild-test",
		peers:        make(map[uint32]*participant),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		disconnectVC: func() error { return nil },
		now:          time.Now,
	}
	go c.recvLoop()
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

// tonePacket encodes 20 ms of a 440 Hz stereo tone.
func tonePacket(t *testing.T) []byte {
	t.Helper()
	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder: %v", err)
	}
	pcm := make([]int16, opusFrameSize*opusChannels)
	for i := range opusFrameSize {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/opusSampleRate))
		pcm[2*i] = v
		pcm[2*i+1] = v
	}
	pkt, err := enc.encodeFrame(audio.Int16sToBytes(pcm))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pkt
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

func TestNewPlatform(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	p := New(s, "guild-123")
	if p.session != s || p.guildID != "guild-123" || p.join == nil {
		t.Errorf("New() = %+v", p)
	}
}

func TestPlatform_ConnectJoinError(t *testing.T) {
	t.Parallel()

	boom := errors.New("voice gateway refused")
	var gotGuild, gotChannel string
	var gotMute, gotDeaf bool
	p := &Platform{guildID: "g", join: func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error) {
		gotGuild, gotChannel, gotMute, gotDeaf = guildID, channelID, mute, deaf
		return nil, boom
	}}

	if _, err := p.Connect(context.Background(), "v1"); !errors.Is(err, boom) {
		t.Fatalf("Connect() = %v, want %v", err, boom)
	}
	if gotGuild != "g" || gotChannel != "v1" || gotMute || gotDeaf {
		t.Errorf("join(%q, %q, %v, %v), want (g, v1, false, false)", gotGuild, gotChannel, gotMute, gotDeaf)
	}
}

func TestPlatform_ConnectCancelled(t *testing.T) {
	t.Parallel()

	p := &Platform{join: func(string, string, bool, bool) (*discordgo.VoiceConnection, error) {
		t.Error("join called with a cancelled context")
		return nil, nil
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Connect(ctx, "v1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Connect() = %v, want context.Canceled", err)
	}
}

func TestPlatform_ConnectTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := &Platform{join: func(string, string, bool, bool) (*discordgo.VoiceConnection, error) {
		<-release
		return nil, errors.New("too late")
	}}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Connect(ctx, "v1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() = %v, want context.DeadlineExceeded", err)
	}
}

// ─── receive path ────────────────────────────────────────────────────────────

func TestConnection_ReceiveBuffersMonoPCM(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.SetReceive(true)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: tonePacket(t)}

	var frames []audio.ParticipantFrame
	waitFor(t, func() bool {
		frames = c.Fetch(10 * time.Millisecond)
		return len(frames) == 1 && frames[0].HasAudio
	})
	if frames[0].ParticipantID != "100" {
		t.Errorf("ParticipantID = %q, want SSRC fallback %q", frames[0].ParticipantID, "100")
	}
	if got, want := len(frames[0].PCM), recvFormat.Bytes(10*time.Millisecond); got != want {
		t.Errorf("PCM length = %d, want %d", got, want)
	}

	// The second half of the 20 ms packet is still buffered.
	frames = c.Fetch(10 * time.Millisecond)
	if len(frames) != 1 || !frames[0].HasAudio {
		t.Fatalf("second fetch = %+v, want remaining audio", frames)
	}
	frames = c.Fetch(10 * time.Millisecond)
	if len(frames) != 1 || frames[0].HasAudio || len(frames[0].PCM) != 0 {
		t.Fatalf("third fetch = %+v, want a silent frame", frames)
	}
}

func TestConnection_SilenceFrameIgnored(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.SetReceive(true)
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 7, Opus: silenceFrame}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 8, Opus: tonePacket(t)}

	// Packets are processed in order, so once SSRC 8 shows up SSRC 7 was seen.
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.peers[8]
		return ok
	})
	for _, f := range c.Fetch(10 * time.Millisecond) {
		if f.ParticipantID == "7" {
			t.Fatal("silence frame created a participant")
		}
	}
}

func TestConnection_ReceiveDisabledDiscards(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	pkt := tonePacket(t)
	c.receive(&discordgo.Packet{SSRC: 1, Opus: pkt}, recvFormat.Bytes(maxBuffered))
	if frames := c.Fetch(10 * time.Millisecond); len(frames) != 0 {
		t.Fatalf("Fetch while not receiving = %+v, want none", frames)
	}

	c.SetReceive(true)
	c.receive(&discordgo.Packet{SSRC: 1, Opus: pkt}, recvFormat.Bytes(maxBuffered))
	c.SetReceive(false)
	frames := c.Fetch(10 * time.Millisecond)
	if len(frames) != 1 || frames[0].HasAudio {
		t.Fatalf("Fetch after SetReceive(false) = %+v, want one silent frame", frames)
	}
}

func TestConnection_BufferCapped(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.SetReceive(true)
	pkt := tonePacket(t)
	maxBytes := recvFormat.Bytes(maxBuffered)
	for range 60 { // 1.2 s of audio
		c.receive(&discordgo.Packet{SSRC: 3, Opus: pkt}, maxBytes)
	}
	frames := c.Fetch(2 * time.Second)
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if got := len(frames[0].PCM); got != maxBytes {
		t.Errorf("buffered = %d bytes, want cap %d", got, maxBytes)
	}
}

func TestConnection_IdleParticipantDropped(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.SetReceive(true)
	c.receive(&discordgo.Packet{SSRC: 5, Opus: tonePacket(t)}, recvFormat.Bytes(maxBuffered))
	_ = c.Fetch(time.Second)

	c.mu.Lock()
	c.now = func() time.Time { return time.Now().Add(2 * idleTimeout) }
	c.mu.Unlock()

	if frames := c.Fetch(10 * time.Millisecond); len(frames) != 0 {
		t.Fatalf("frames = %+v, want idle participant dropped", frames)
	}
}

func TestConnection_SpeakingUpdateMapsUser(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.SetReceive(true)
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "bob", SSRC: 20})
	c.handleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "alice", SSRC: 10})
	pkt := tonePacket(t)
	maxBytes := recvFormat.Bytes(maxBuffered)
	c.receive(&discordgo.Packet{SSRC: 20, Opus: pkt}, maxBytes)
	c.receive(&discordgo.Packet{SSRC: 10, Opus: pkt}, maxBytes)

	frames := c.Fetch(10 * time.Millisecond)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[0].ParticipantID != "alice" || frames[1].ParticipantID != "bob" {
		t.Errorf("order = [%s %s], want [alice bob]", frames[0].ParticipantID, frames[1].ParticipantID)
	}
}

// ─── playback ────────────────────────────────────────────────────────────────

func TestConnection_PlayEncodesPaddedFrames(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	mono := audio.Format{SampleRate: 48000, Channels: 1}
	pcm := make([]byte, mono.Bytes(30*time.Millisecond))

	if err := c.Play(pcm, mono); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := len(c.vc.OpusSend); got != 2 {
		t.Fatalf("queued packets = %d, want 2 (30 ms padded to two 20 ms frames)", got)
	}
	for range 2 {
		if pkt := <-c.vc.OpusSend; len(pkt) == 0 {
			t.Error("empty Opus packet")
		}
	}
}

func TestConnection_PlayMisaligned(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	err := c.Play([]byte{1, 2, 3}, audio.Format{SampleRate: 48000, Channels: 2})
	if !errors.Is(err, audio.ErrMisalignedPCM) {
		t.Fatalf("Play error = %v, want ErrMisalignedPCM", err)
	}
}

func TestConnection_PlayStopsOnDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	c.vc.OpusSend = make(chan []byte) // nobody reads

	errc := make(chan error, 1)
	go func() {
		errc <- c.Play(make([]byte, sendFormat.Bytes(time.Second)), sendFormat)
	}()
	time.Sleep(20 * time.Millisecond)
	_ = c.Disconnect()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after Disconnect")
	}
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestConnection_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	calls := 0
	c.disconnectVC = func() error { calls++; return nil }
	for i := range 3 {
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect[%d]: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("disconnectVC called %d times, want 1", calls)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Disconnect")
	}
}

func TestConnection_RecvClosedMarksLost(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	close(c.vc.OpusRecv)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after receive channel closed")
	}
}

func TestConnection_OwnVoiceStateMarksLost(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)

	// Other users and other guilds are ignored.
	c.handleOwnVoiceState("bot", &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "someone"}})
	c.handleOwnVoiceState("bot", &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "other", UserID: "bot"}})
	c.handleOwnVoiceState("bot", &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot", ChannelID: "voice-1"}})
	select {
	case <-c.Done():
		t.Fatal("Done closed by unrelated voice state")
	default:
	}

	c.handleOwnVoiceState("bot", &discordgo.VoiceStateUpdate{VoiceState: &discordgo.VoiceState{GuildID: "guild-test", UserID: "bot"}})
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after the bot left the channel")
	}
}

func TestConnection_ConcurrentDisconnect(t *testing.T) {
	t.Parallel()

	c := newTestConnection(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Disconnect()
		})
	}
	wg.Wait()
}
