package discord

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

// StreamCommand is the name of the slash command that controls the stream.
const StreamCommand = "stream"

// streamTimeout bounds a single slash command execution.
const streamTimeout = 10 * time.Second

// Executor runs a bridge command by name and returns the reply text. ok is
// false for unknown names.
type Executor func(ctx context.Context, name string) (reply string, ok bool)

// StreamCommandDefinition returns the /stream command registered with Discord.
func StreamCommandDefinition(actions []string) *discordgo.ApplicationCommand {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(actions))
	for _, a := range actions {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: a, Value: a})
	}
	return &discordgo.ApplicationCommand{
		Name:        StreamCommand,
		Description: "Control the Icecast stream",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "action",
				Description: "What to do with the stream",
				Required:    true,
				Choices:     choices,
			},
		},
	}
}

// StreamHandler returns the handler for /stream. The reply is posted as the
// interaction response instead of a channel message.
func StreamHandler(exec Executor, perms *PermissionChecker) HandlerFunc {
	return func(r Responder, i *discordgo.InteractionCreate) {
		if perms != nil && !perms.Allows(i.Member) {
			RespondEphemeral(r, i, "You are not allowed to control the stream.")
			return
		}

		var action string
		for _, opt := range i.ApplicationCommandData().Options {
			if opt.Name == "action" && opt.Type == discordgo.ApplicationCommandOptionString {
				action = opt.StringValue()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
		defer cancel()
		reply, ok := exec(ctx, action)
		if !ok {
			slog.Warn("discord: unknown stream action", "action", action)
			RespondEphemeral(r, i, reply)
			return
		}
		Respond(r, i, reply)
	}
}
