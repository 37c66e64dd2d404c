// Package discord implements [audio.Platform] on discordgo voice. Incoming
// Opus is decoded per SSRC into bounded mono buffers that the bridge drains
// once per mixing window; cues are encoded back to Opus for playback.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxcast/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// Platform joins voice channels of one guild through a session owned by the
// bot layer.
type Platform struct {
	session *discordgo.Session
	guildID string

	// join defaults to session.ChannelVoiceJoin.
	join func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
}

// New returns a Platform for guildID.
func New(session *discordgo.Session, guildID string) *Platform {
	return &Platform{session: session, guildID: guildID, join: session.ChannelVoiceJoin}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins channelID unmuted and undeafened. ctx bounds the handshake
// only. If ctx ends first, a join that completes later is torn down.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.VoiceConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := make(chan joinResult, 1)
	go func() {
		vc, err := p.join(p.guildID, channelID, false, false)
		res <- joinResult{vc, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, r.err)
		}
		return newConnection(r.vc, p.session, p.guildID), nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, ctx.Err())
	}
}
