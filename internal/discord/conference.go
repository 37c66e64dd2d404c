package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxcast/internal/session"
	"github.com/MrWong99/voxcast/pkg/audio"
	"github.com/MrWong99/voxcast/pkg/audio/cue"
)

// Compile-time interface assertion.
var _ audio.Conference = (*Conference)(nil)

// ErrNotJoined is returned when an operation needs the voice channel but the
// bot is not in it.
var ErrNotJoined = errors.New("discord: not joined to the voice channel")

// cueFormat is the format cues are decoded to before playback.
var cueFormat = audio.Format{SampleRate: audio.SampleRate, Channels: 2}

// ConferenceConfig configures a [Conference].
type ConferenceConfig struct {
	// Platform joins the voice channel.
	Platform audio.Platform

	// Sender posts chat replies.
	Sender MessageSender

	// VoiceChannelID is the channel whose audio is streamed.
	VoiceChannelID string

	// TextChannelID is where commands are read and replies posted. Defaults
	// to VoiceChannelID, which is the text chat built into voice channels.
	TextChannelID string

	// Permissions filters who may issue chat commands. Nil allows everyone.
	Permissions *PermissionChecker

	// Cues caches decoded cue files. Nil disables caching.
	Cues *cue.Cache

	// ReconnectBackoff and ReconnectMaxRetries tune voice rejoin. Zero values
	// use the reconnector defaults.
	ReconnectBackoff    time.Duration
	ReconnectMaxRetries int
}

// Conference implements [audio.Conference] on top of a Discord guild: audio
// comes from a voice channel, commands and replies go through a text channel.
//
// Conference is safe for concurrent use.
type Conference struct {
	sender        MessageSender
	textChannelID string
	perms         *PermissionChecker
	cues          *cue.Cache
	reconn        *session.Reconnector

	mu             sync.RWMutex
	receiving      bool
	onText         func(audio.Message)
	onDisconnected func()
	onReconnected  func()
}

// NewConference creates a Conference. Call [Conference.Join] to enter the
// voice channel.
func NewConference(cfg ConferenceConfig) (*Conference, error) {
	if cfg.Platform == nil || cfg.Sender == nil {
		return nil, errors.New("discord: conference needs a platform and a message sender")
	}
	if cfg.VoiceChannelID == "" {
		return nil, errors.New("discord: conference needs a voice channel ID")
	}
	c := &Conference{
		sender:        cfg.Sender,
		textChannelID: cfg.TextChannelID,
		perms:         cfg.Permissions,
		cues:          cfg.Cues,
	}
	if c.textChannelID == "" {
		c.textChannelID = cfg.VoiceChannelID
	}
	if c.perms == nil {
		c.perms = NewPermissionChecker("")
	}
	if c.cues == nil {
		c.cues = &cue.Cache{}
	}
	c.reconn = session.NewReconnector(session.ReconnectorConfig{
		Platform:     cfg.Platform,
		ChannelID:    cfg.VoiceChannelID,
		MaxRetries:   cfg.ReconnectMaxRetries,
		Backoff:      cfg.ReconnectBackoff,
		OnDisconnect: c.handleLost,
		OnReconnect:  c.handleRestored,
	})
	return c, nil
}

// Join enters the voice channel and starts watching the connection. ctx
// bounds the monitor's lifetime.
func (c *Conference) Join(ctx context.Context) error {
	conn, err := c.reconn.Connect(ctx)
	if err != nil {
		return err
	}
	c.mu.RLock()
	conn.SetReceive(c.receiving)
	c.mu.RUnlock()
	c.reconn.Monitor(ctx)
	slog.Info("discord: joined voice channel", "text_channel", c.textChannelID)
	return nil
}

// Leave exits the voice channel and stops reconnecting.
func (c *Conference) Leave() error {
	return c.reconn.Stop()
}

// Joined reports whether a voice connection is currently held.
func (c *Conference) Joined() bool {
	return c.reconn.Connection() != nil
}

// TextChannelID returns the channel commands are read from.
func (c *Conference) TextChannelID() string {
	return c.textChannelID
}

// FetchAudio implements [audio.Conference]. It returns nil while the voice
// connection is down.
func (c *Conference) FetchAudio(window time.Duration) []audio.ParticipantFrame {
	conn := c.reconn.Connection()
	if conn == nil {
		return nil
	}
	return conn.Fetch(window)
}

// SetReceiveAudio implements [audio.Conference]. The setting survives
// reconnects.
func (c *Conference) SetReceiveAudio(on bool) {
	c.mu.Lock()
	c.receiving = on
	c.mu.Unlock()
	if conn := c.reconn.Connection(); conn != nil {
		conn.SetReceive(on)
	}
}

// SendTextMessage implements [audio.Conference].
func (c *Conference) SendTextMessage(text string) error {
	if _, err := c.sender.ChannelMessageSend(c.textChannelID, text); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// SendAudioCue implements [audio.Conference]. It blocks while the cue plays.
func (c *Conference) SendAudioCue(path string) error {
	conn := c.reconn.Connection()
	if conn == nil {
		return ErrNotJoined
	}
	pcm, err := c.cues.Get(path, cueFormat)
	if err != nil {
		return err
	}
	return conn.Play(pcm, cueFormat)
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

// HandleMessageCreate filters a gateway message and forwards it to the text
// callback. Messages from bots, from other channels, and from members
// without the controller role are dropped.
func (c *Conference) HandleMessageCreate(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.ChannelID != c.textChannelID {
		return
	}
	if !c.perms.Allows(m.Member) {
		slog.Debug("discord: ignoring message from non-controller", "user", m.Author.ID)
		return
	}

	c.mu.RLock()
	cb := c.onText
	c.mu.RUnlock()
	if cb == nil {
		return
	}
	cb(audio.Message{
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Text:       m.Content,
	})
}

func (c *Conference) handleLost() {
	c.mu.RLock()
	cb := c.onDisconnected
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Conference) handleRestored(conn audio.VoiceConnection) {
	c.mu.RLock()
	conn.SetReceive(c.receiving)
	cb := c.onReconnected
	c.mu.RUnlock()
	if cb != nil {
		cb()
	}
}
