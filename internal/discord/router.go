package discord

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one slash command interaction.
type HandlerFunc func(r Responder, i *discordgo.InteractionCreate)

// CommandRouter maps slash command names to handlers and keeps the command
// definitions in registration order for publishing to Discord.
type CommandRouter struct {
	mu       sync.RWMutex
	defs     []*discordgo.ApplicationCommand
	handlers map[string]HandlerFunc
}

// NewCommandRouter creates an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{handlers: make(map[string]HandlerFunc)}
}

// RegisterCommand routes interactions for cmd.Name to handler. Registering
// the same name again replaces both the definition and the handler.
func (r *CommandRouter) RegisterCommand(cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := slices.IndexFunc(r.defs, func(d *discordgo.ApplicationCommand) bool { return d.Name == cmd.Name }); i >= 0 {
		r.defs[i] = cmd
	} else {
		r.defs = append(r.defs, cmd)
	}
	r.handlers[cmd.Name] = handler
}

// ApplicationCommands returns the registered definitions.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.defs)
}

// Handle runs the handler registered for an application command interaction.
// Other interaction types are ignored. Unknown commands, and handlers that
// panic, get an ephemeral error reply.
func (r *CommandRouter) Handle(resp Responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}

	name := i.ApplicationCommandData().Name
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		slog.Warn("discord: unknown command", "command", name)
		RespondEphemeral(resp, i, "Unknown command.")
		return
	}

	defer func() {
		if v := recover(); v != nil {
			slog.Error("discord: command handler panicked", "command", name, "panic", v)
			RespondEphemeral(resp, i, "Command failed.")
		}
	}()
	handler(resp, i)
}
