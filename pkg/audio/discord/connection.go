package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxstream/pkg/audio"
)

const (
	// trailingSilence is the number of silence frames sent when audio stops,
	// so that receivers do not interpolate the last real frame.
	trailingSilence = 5

	// sendTimeout bounds a single hand-off to the voice connection.
	sendTimeout = 100 * time.Millisecond
)

// Connection wraps a discordgo.VoiceConnection and acts as a pull-based
// gateway peer: it polls an attached [audio.FrameSource] once per frame
// period and sends ready Opus frames to Discord.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	channelID string
	botUserID string

	srcMu sync.Mutex
	src   audio.FrameSource

	mu     sync.Mutex
	onLost func()

	done      chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Disconnect to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// setSpeaking defaults to vc.Speaking; overridden in tests.
	setSpeaking func(bool) error

	// tick is the polling period. Defaults to [audio.FrameDuration].
	tick time.Duration
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts its send loop.
func newConnection(vc *discordgo.VoiceConnection, guildID, channelID string) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		done:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		disconnectVC: vc.Disconnect,
		setSpeaking:  vc.Speaking,
		tick:         audio.FrameDuration,
	}
	go c.sendLoop()
	return c
}

// ChannelID returns the voice channel the bot is in.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Attach makes the connection poll src. It replaces any previous source.
func (c *Connection) Attach(src audio.FrameSource) {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	c.src = src
}

// Detach stops polling. The connection stays in the voice channel.
func (c *Connection) Detach() {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	c.src = nil
}

func (c *Connection) source() audio.FrameSource {
	c.srcMu.Lock()
	defer c.srcMu.Unlock()
	return c.src
}

// OnLost registers cb to be called when the bot is disconnected from the voice
// channel by Discord (kicked, channel deleted). Only one callback may be
// registered; subsequent calls replace the previous one.
func (c *Connection) OnLost(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = cb
}

// Disconnect leaves the voice channel and stops the send loop. It is safe to
// call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.loopDone

		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		slog.Info("discord: left voice channel", "guild_id", c.guildID, "channel_id", c.ChannelID())
	})
	return err
}

// sendLoop polls the attached source every tick. Speaking is signalled on the
// first real frame and cleared after a short run of trailing silence once the
// source runs dry.
func (c *Connection) sendLoop() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	speaking := false
	silenceLeft := 0

	for {
		select {
		case <-c.done:
			if speaking {
				c.speaking(false)
			}
			return
		case <-ticker.C:
		}

		var frame []byte
		if src := c.source(); src != nil && src.CanProvide() {
			frame, _ = src.Provide()
		}

		switch {
		case frame != nil:
			if !speaking {
				c.speaking(true)
				speaking = true
			}
			silenceLeft = trailingSilence
		case silenceLeft > 0:
			frame = audio.SilenceFrame()
			silenceLeft--
		case speaking:
			c.speaking(false)
			speaking = false
			continue
		default:
			continue
		}

		if !c.send(frame) {
			return
		}
	}
}

// send hands frame to discordgo. A frame that cannot be handed off within
// sendTimeout is dropped. It returns false once the connection is closed.
func (c *Connection) send(frame []byte) bool {
	t := time.NewTimer(sendTimeout)
	defer t.Stop()
	select {
	case c.vc.OpusSend <- frame:
	case <-t.C:
		slog.Warn("discord: voice send blocked, dropping frame", "guild_id", c.guildID)
	case <-c.done:
		return false
	}
	return true
}

// handleVoiceStateUpdate detects the bot being removed from its channel.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || c.botUserID == "" || vsu.UserID != c.botUserID {
		return
	}
	c.mu.Lock()
	prev := c.channelID
	if vsu.ChannelID != "" {
		c.channelID = vsu.ChannelID
		c.mu.Unlock()
		if vsu.ChannelID != prev {
			slog.Info("discord: bot moved to another channel",
				"guild_id", c.guildID,
				"from", prev,
				"to", vsu.ChannelID,
			)
		}
		return
	}
	cb := c.onLost
	c.mu.Unlock()

	slog.Warn("discord: bot was disconnected from voice", "guild_id", c.guildID, "channel_id", prev)
	if cb != nil {
		go cb()
	}
}

// speaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) speaking(b bool) {
	if err := c.setSpeaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
