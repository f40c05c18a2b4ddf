// Package commands implements the voxstream slash commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxstream/internal/consumer"
	"github.com/MrWong99/voxstream/internal/discord"
	"github.com/MrWong99/voxstream/internal/player"
	"github.com/MrWong99/voxstream/internal/track"
	"github.com/MrWong99/voxstream/pkg/audio"
)

// Owner is the session owner used for sessions started through slash
// commands.
const Owner = "discord"

// commandTimeout bounds resolving and joining for one interaction.
const commandTimeout = 30 * time.Second

// Voice joins and leaves voice channels. [discord.Bot] implements it.
type Voice interface {
	Join(ctx context.Context, guildID, channelID string) (consumer.GatewayPeer, error)
	Leave(guildID string)
}

// Config holds the dependencies of [PlayerCommands].
type Config struct {
	Voice         Voice
	Manager       *player.Manager
	Tracks        *track.Service
	Access        *discord.Access
	DefaultVolume float64
}

// PlayerCommands implements /play, /pause, /resume, /stop, /volume,
// /nowplaying and /leave.
type PlayerCommands struct {
	cfg Config

	mu            sync.RWMutex
	defaultVolume float64
}

// NewPlayerCommands creates a PlayerCommands and registers its handlers
// with the bot's router.
func NewPlayerCommands(bot *discord.Bot, cfg Config) *PlayerCommands {
	if cfg.Voice == nil {
		cfg.Voice = bot
	}
	if cfg.Access == nil {
		cfg.Access = bot.Access()
	}
	pc := newPlayerCommands(cfg)
	pc.Register(bot.Router())
	return pc
}

func newPlayerCommands(cfg Config) *PlayerCommands {
	return &PlayerCommands{cfg: cfg, defaultVolume: cfg.DefaultVolume}
}

// SetDefaultVolume changes the volume applied to sessions created from now on.
func (pc *PlayerCommands) SetDefaultVolume(v float64) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.defaultVolume = v
}

func (pc *PlayerCommands) volumeDefault() float64 {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.defaultVolume
}

// Register registers every command with the router.
func (pc *PlayerCommands) Register(router *discord.Router) {
	handlers := map[string]discord.HandlerFunc{
		"play":       pc.handlePlay,
		"pause":      pc.guildAction(pc.pause),
		"resume":     pc.guildAction(pc.resume),
		"stop":       pc.guildAction(pc.stop),
		"leave":      pc.guildAction(pc.leave),
		"volume":     pc.handleVolume,
		"nowplaying": pc.handleNowPlaying,
	}
	for _, def := range pc.Definitions() {
		router.Command(def, handlers[def.Name])
	}
}

// Definitions returns the ApplicationCommand definitions for Discord.
func (pc *PlayerCommands) Definitions() []*discordgo.ApplicationCommand {
	minVolume := 0.0
	return []*discordgo.ApplicationCommand{
		{
			Name:        "play",
			Description: "Play a URL or search result in your voice channel",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "query",
				Description: "URL or search terms",
				Required:    true,
			}},
		},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "stop", Description: "Stop the current track"},
		{Name: "leave", Description: "Stop playback and leave the voice channel"},
		{Name: "nowplaying", Description: "Show the current track"},
		{
			Name:        "volume",
			Description: "Set the volume of the current track",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "percent",
				Description: "0 to 200",
				Required:    true,
				MinValue:    &minVolume,
				MaxValue:    200,
			}},
		},
	}
}

// ─── Operations ──────────────────────────────────────────────────────────────

// play resolves query, joins channelID and starts the track.
func (pc *PlayerCommands) play(ctx context.Context, guildID, channelID, query string) (*audio.Track, error) {
	id, t, err := pc.cfg.Tracks.Resolve(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", query, err)
	}
	s, err := pc.cfg.Manager.Session(ctx, guildID, player.SessionOptions{
		Owner:         Owner,
		DefaultVolume: pc.volumeDefault(),
		Strategy: func(guildID string, src audio.FrameSource) consumer.Strategy {
			return consumer.NewGateway(guildID, src)
		},
	})
	if err != nil {
		return nil, err
	}
	gw, ok := s.Strategy().(*consumer.Gateway)
	if !ok {
		return nil, errors.New("session does not use gateway delivery")
	}
	peer, err := pc.cfg.Voice.Join(ctx, guildID, channelID)
	if err != nil {
		return nil, fmt.Errorf("join voice channel: %w", err)
	}
	gw.SetPeer(peer)
	if err := s.Play(ctx, id); err != nil {
		return nil, err
	}
	return t, nil
}

func (pc *PlayerCommands) pause(_ context.Context, s *player.Session) string {
	if !s.Pause() {
		return "Playback is already paused."
	}
	return "Paused."
}

func (pc *PlayerCommands) resume(_ context.Context, s *player.Session) string {
	if !s.Resume() {
		return "Playback is not paused."
	}
	return "Resumed."
}

func (pc *PlayerCommands) stop(_ context.Context, s *player.Session) string {
	s.Stop()
	return "Stopped."
}

func (pc *PlayerCommands) leave(ctx context.Context, s *player.Session) string {
	pc.cfg.Manager.Destroy(ctx, s.GuildID())
	pc.cfg.Voice.Leave(s.GuildID())
	return "Left the voice channel."
}

func (pc *PlayerCommands) volume(guildID string, percent int64) (string, error) {
	s, err := pc.cfg.Manager.Lookup(guildID, Owner)
	if err != nil {
		return "", err
	}
	s.SetVolume(float64(percent) / 100)
	return fmt.Sprintf("Volume set to %.0f%%.", s.Controller().Volume()*100), nil
}

// ─── Handlers ────────────────────────────────────────────────────────────────

const msgNotDJ = "You need the DJ role to control playback."

func (pc *PlayerCommands) handlePlay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	reply := discord.NewReply(s, i)
	if !pc.cfg.Access.CanControl(i) {
		reply.Private(msgNotDJ)
		return
	}
	vs, err := s.State.VoiceState(i.GuildID, interactionUserID(i))
	if err != nil || vs == nil || vs.ChannelID == "" {
		reply.Private("You must be in a voice channel to play music.")
		return
	}
	query := i.ApplicationCommandData().Options[0].StringValue()

	reply.Defer()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	t, err := pc.play(ctx, i.GuildID, vs.ChannelID, query)
	if err != nil {
		reply.Failf("Failed to play: %v", err)
		return
	}
	reply.Public(fmt.Sprintf("Now playing **%s**.", t.Title))
}

func (pc *PlayerCommands) handleVolume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	reply := discord.NewReply(s, i)
	if !pc.cfg.Access.CanControl(i) {
		reply.Private(msgNotDJ)
		return
	}
	msg, err := pc.volume(i.GuildID, i.ApplicationCommandData().Options[0].IntValue())
	if err != nil {
		reply.Failf("Error: %v", err)
		return
	}
	reply.Private(msg)
}

func (pc *PlayerCommands) handleNowPlaying(s *discordgo.Session, i *discordgo.InteractionCreate) {
	reply := discord.NewReply(s, i)
	sess, ok := pc.cfg.Manager.Get(i.GuildID)
	if !ok {
		reply.Private("Nothing is playing.")
		return
	}
	reply.Embed(discord.NowPlayingEmbed(sess.Status()))
}

// guildAction wraps an operation on the guild's slash-command session.
func (pc *PlayerCommands) guildAction(op func(context.Context, *player.Session) string) discord.HandlerFunc {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		reply := discord.NewReply(s, i)
		if !pc.cfg.Access.CanControl(i) {
			reply.Private(msgNotDJ)
			return
		}
		sess, err := pc.cfg.Manager.Lookup(i.GuildID, Owner)
		if err != nil {
			reply.Private("Nothing is playing.")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		reply.Private(op(ctx, sess))
	}
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
