// Package discord provides the Discord bot layer for voxstream. It owns the
// discordgo.Session lifecycle, routes slash command interactions to
// registered handlers, and joins voice channels on behalf of playback
// sessions that use gateway delivery.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxstream/internal/consumer"
	discordaudio "github.com/MrWong99/voxstream/pkg/audio/discord"
)

// ErrNotConnected is returned by [Bot.Join] after the bot has been closed.
var ErrNotConnected = errors.New("discord: bot is not connected")

// Config holds Discord bot configuration.
type Config struct {
	// Token is the Discord bot token without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID restricts slash command registration to one guild. Empty
	// registers global commands.
	GuildID string `yaml:"guild_id"`

	// DJRoleID is the role allowed to control playback. Empty allows
	// everyone.
	DJRoleID string `yaml:"dj_role_id"`
}

// Bot owns the Discord gateway connection, routes interactions to registered
// command handlers and keeps one voice connection per guild.
type Bot struct {
	mu       sync.RWMutex
	session  *discordgo.Session
	router   *Router
	access   *Access
	guildID  string
	commands []*discordgo.ApplicationCommand

	voiceMu sync.Mutex
	voice   map[string]*discordaudio.Connection
	onLost  func(guildID string)

	closed    bool
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction handler.
func New(_ context.Context, cfg Config) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := newBot(session, cfg)
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	return b, nil
}

func newBot(session *discordgo.Session, cfg Config) *Bot {
	return &Bot{
		session: session,
		router:  NewRouter(),
		access:  NewAccess(cfg.DJRoleID),
		guildID: cfg.GuildID,
		voice:   make(map[string]*discordaudio.Connection),
	}
}

// Session returns the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *Router {
	return b.router
}

// Access returns the playback access policy.
func (b *Bot) Access() *Access {
	return b.access
}

// Ready reports whether the gateway session has received its READY payload.
func (b *Bot) Ready() bool {
	s := b.Session()
	return s != nil && s.DataReady
}

// OnVoiceLost registers a callback invoked when the bot is disconnected from
// a voice channel by someone else. The connection is already forgotten when
// fn runs.
func (b *Bot) OnVoiceLost(fn func(guildID string)) {
	b.voiceMu.Lock()
	defer b.voiceMu.Unlock()
	b.onLost = fn
}

// Join connects to channelID in guildID. An existing connection in the same
// channel is reused; one in another channel is replaced.
func (b *Bot) Join(ctx context.Context, guildID, channelID string) (consumer.GatewayPeer, error) {
	b.voiceMu.Lock()
	if b.closed {
		b.voiceMu.Unlock()
		return nil, ErrNotConnected
	}
	old := b.voice[guildID]
	if old != nil && old.ChannelID() == channelID {
		b.voiceMu.Unlock()
		return old, nil
	}
	delete(b.voice, guildID)
	b.voiceMu.Unlock()

	if old != nil {
		if err := old.Disconnect(); err != nil {
			slog.Warn("discord: leave previous channel", "guild_id", guildID, "err", err)
		}
	}

	conn, err := discordaudio.Join(ctx, b.Session(), guildID, channelID)
	if err != nil {
		return nil, err
	}
	conn.OnLost(func() { b.lost(guildID, conn) })

	b.voiceMu.Lock()
	b.voice[guildID] = conn
	b.voiceMu.Unlock()

	slog.Info("discord: joined voice channel", "guild_id", guildID, "channel_id", channelID)
	return conn, nil
}

// Leave disconnects from the voice channel of guildID, if any.
func (b *Bot) Leave(guildID string) {
	b.voiceMu.Lock()
	conn := b.voice[guildID]
	delete(b.voice, guildID)
	b.voiceMu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		slog.Warn("discord: leave voice channel", "guild_id", guildID, "err", err)
	}
	slog.Info("discord: left voice channel", "guild_id", guildID)
}

// VoiceChannel returns the channel the bot is connected to in guildID.
func (b *Bot) VoiceChannel(guildID string) (string, bool) {
	b.voiceMu.Lock()
	defer b.voiceMu.Unlock()
	conn, ok := b.voice[guildID]
	if !ok {
		return "", false
	}
	return conn.ChannelID(), true
}

func (b *Bot) lost(guildID string, conn *discordaudio.Connection) {
	b.voiceMu.Lock()
	if b.voice[guildID] != conn {
		b.voiceMu.Unlock()
		return
	}
	delete(b.voice, guildID)
	fn := b.onLost
	b.voiceMu.Unlock()

	slog.Warn("discord: voice connection lost", "guild_id", guildID)
	_ = conn.Disconnect()
	if fn != nil {
		fn(guildID)
	}
}

// Run registers slash commands with the Discord API and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.Definitions()
	if len(cmds) > 0 {
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
	return ctx.Err()
}

// Close leaves every voice channel, unregisters commands and disconnects
// from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.voiceMu.Lock()
		b.closed = true
		conns := b.voice
		b.voice = make(map[string]*discordaudio.Connection)
		b.voiceMu.Unlock()

		var errs []error
		for guildID, conn := range conns {
			if err := conn.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("discord: leave %s: %w", guildID, err))
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					slog.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}
		if b.session != nil {
			if err := b.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("discord: close session: %w", err))
			}
		}
		closeErr = errors.Join(errs...)
		slog.Info("discord: bot closed")
	})
	return closeErr
}
