package discord

import (
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxstream/internal/player"
)

const (
	embedColorPlaying = 0x2ECC71
	embedColorPaused  = 0xF1C40F
	embedColorIdle    = 0x95A5A6
)

// NowPlayingEmbed renders a session snapshot as a Discord embed.
func NowPlayingEmbed(st player.Status) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     "Nothing playing",
		Color:     embedColorIdle,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: st.State},
	}
	if st.Track == nil {
		return embed
	}

	embed.Title = st.Track.Title
	embed.URL = st.Track.URI
	embed.Color = embedColorPlaying
	if st.Paused {
		embed.Color = embedColorPaused
	}
	if st.Track.ArtworkURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: st.Track.ArtworkURL}
	}

	progress := formatDuration(st.Position)
	if st.Track.Duration > 0 {
		progress += " / " + formatDuration(st.Track.Duration)
	}
	embed.Fields = []*discordgo.MessageEmbedField{
		{Name: "Artist", Value: orDash(st.Track.Author), Inline: true},
		{Name: "Position", Value: progress, Inline: true},
		{Name: "Volume", Value: fmt.Sprintf("%.0f%%", st.Volume*100), Inline: true},
	}
	return embed
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
