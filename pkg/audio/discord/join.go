// Package discord sends voxstream Opus frames into Discord voice channels
// through bwmarrin/discordgo.
//
// A [Connection] pulls from an attached [audio.FrameSource] on a 20 ms
// clock and hands each ready frame to discordgo unchanged. Frames arrive
// encoded; nothing here touches PCM.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Join connects the bot to channelID in guildID. ctx bounds the handshake
// only; the returned Connection stays up until [Connection.Disconnect] or
// until someone else moves the bot out.
func Join(ctx context.Context, s *discordgo.Session, guildID, channelID string) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join %s/%s: %w", guildID, channelID, err)
	}
	// Self-deafened: incoming voice is never read.
	vc, err := s.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("discord: join %s/%s: %w", guildID, channelID, err)
	}

	conn := newConnection(vc, guildID, channelID)
	if s.State != nil && s.State.User != nil {
		conn.botUserID = s.State.User.ID
	}
	conn.removeHandler = s.AddHandler(conn.handleVoiceStateUpdate)
	return conn, nil
}
