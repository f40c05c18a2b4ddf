package discord

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one application command interaction.
type HandlerFunc func(s *discordgo.Session, i *discordgo.InteractionCreate)

type route struct {
	def     *discordgo.ApplicationCommand
	handler HandlerFunc
	subs    map[string]HandlerFunc
}

// Router dispatches slash commands by name. Commands with sub-commands are
// dispatched by their first sub-command option.
type Router struct {
	mu     sync.RWMutex
	routes map[string]*route
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]*route)}
}

// Command registers def with handler h. Registering a name again replaces
// the previous route.
func (r *Router) Command(def *discordgo.ApplicationCommand, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[def.Name] = &route{def: def, handler: h}
}

// Subcommand registers h for sub-command sub of def. All sub-commands of one
// command share the same definition.
func (r *Router) Subcommand(def *discordgo.ApplicationCommand, sub string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.routes[def.Name]
	if !ok || rt.subs == nil {
		rt = &route{def: def, subs: make(map[string]HandlerFunc)}
		r.routes[def.Name] = rt
	}
	rt.subs[sub] = h
}

// Definitions returns the registered command definitions ordered by name.
func (r *Router) Definitions() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*discordgo.ApplicationCommand, 0, len(r.routes))
	for _, rt := range r.routes {
		defs = append(defs, rt.def)
	}
	slices.SortFunc(defs, func(a, b *discordgo.ApplicationCommand) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Handle is the discordgo InteractionCreate handler.
func (r *Router) Handle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}
	h, path := r.lookup(i.ApplicationCommandData())
	if h == nil {
		slog.Warn("discord: no handler for command", "command", path)
		NewReply(s, i).Private("Unknown command.")
		return
	}
	h(s, i)
}

func (r *Router) lookup(data discordgo.ApplicationCommandInteractionData) (HandlerFunc, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[data.Name]
	if !ok {
		return nil, data.Name
	}
	if rt.subs == nil {
		return rt.handler, data.Name
	}
	if len(data.Options) == 0 || data.Options[0].Type != discordgo.ApplicationCommandOptionSubCommand {
		return nil, data.Name
	}
	sub := data.Options[0].Name
	return rt.subs[sub], data.Name + " " + sub
}
