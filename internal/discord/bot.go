// Package discord provides the Discord bot layer for voxcast. It owns the
// discordgo.Session lifecycle, exposes the guild as an [audio.Conference],
// routes the /stream slash command, and checks the controller role.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxcast/pkg/audio"
	discordaudio "github.com/MrWong99/voxcast/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild the bot serves.
	GuildID string

	// ControllerRoleID restricts stream control to members holding this
	// role. Empty allows everyone.
	ControllerRoleID string

	// SlashCommands registers /stream with Discord when true.
	SlashCommands bool
}

// Bot owns the Discord gateway connection.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	guildID   string
	slash     bool
	commands  []*discordgo.ApplicationCommand
	onMessage func(*discordgo.MessageCreate)
	ready     atomic.Bool
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the gateway handlers.
func New(_ context.Context, cfg Config) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates

	b := &Bot{
		session:  session,
		platform: discordaudio.New(session, cfg.GuildID),
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.ControllerRoleID),
		guildID:  cfg.GuildID,
		slash:    cfg.SlashCommands,
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		b.mu.RLock()
		cb := b.onMessage
		b.mu.RUnlock()
		if cb != nil && m.GuildID == b.guildID {
			cb(m)
		}
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		b.ready.Store(true)
		slog.Info("discord: gateway ready")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		b.ready.Store(true)
		slog.Info("discord: gateway resumed")
	})
	session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		b.ready.Store(false)
		slog.Warn("discord: gateway disconnected")
	})

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return b, nil
}

// Platform returns the audio.Platform for voice channel connections.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Ready reports whether the gateway connection is up.
func (b *Bot) Ready() bool {
	return b.ready.Load()
}

// OnMessage registers the callback for messages posted in the guild.
func (b *Bot) OnMessage(cb func(*discordgo.MessageCreate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = cb
}

// Run registers slash commands with the Discord API when enabled and blocks
// until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if cmds := b.router.ApplicationCommands(); b.slash && len(cmds) > 0 {
		b.mu.RLock()
		appID := b.session.State.User.ID
		b.mu.RUnlock()

		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		slog.Info("discord: commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

// Close unregisters commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		b.ready.Store(false)
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		slog.Info("discord: bot closed")
	})
	return closeErr
}
