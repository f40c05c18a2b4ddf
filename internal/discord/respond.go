package discord

import (
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// Reply answers a single interaction. Before [Reply.Defer] messages are sent
// as the interaction response; afterwards they become follow-up messages on
// the deferred response.
type Reply struct {
	s        *discordgo.Session
	i        *discordgo.InteractionCreate
	deferred bool
}

// NewReply returns a Reply for i.
func NewReply(s *discordgo.Session, i *discordgo.InteractionCreate) *Reply {
	return &Reply{s: s, i: i}
}

// Defer acknowledges the interaction so slow work (resolving, joining) can
// finish before the first message. Calling it twice is a no-op.
func (r *Reply) Defer() {
	if r.deferred {
		return
	}
	r.deferred = true
	err := r.s.InteractionRespond(r.i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		slog.Warn("discord: defer interaction", "command", commandName(r.i), "err", err)
	}
}

// Private sends content visible only to the invoking user. Once deferred the
// visibility follows the deferred response.
func (r *Reply) Private(content string) {
	r.send(&discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
}

// Public sends content to the whole channel.
func (r *Reply) Public(content string) {
	r.send(&discordgo.InteractionResponseData{Content: content})
}

// Failf sends a private error message.
func (r *Reply) Failf(format string, args ...any) {
	r.Private(fmt.Sprintf(format, args...))
}

// Embed sends embed to the whole channel.
func (r *Reply) Embed(embed *discordgo.MessageEmbed) {
	r.send(&discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}})
}

func (r *Reply) send(data *discordgo.InteractionResponseData) {
	var err error
	if r.deferred {
		_, err = r.s.FollowupMessageCreate(r.i.Interaction, true, followUp(data))
	} else {
		err = r.s.InteractionRespond(r.i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		})
	}
	if err != nil {
		slog.Warn("discord: reply to interaction", "command", commandName(r.i), "deferred", r.deferred, "err", err)
	}
}

// followUp converts response data into webhook parameters. The ephemeral
// flag is dropped because a follow-up inherits the deferred response's
// visibility.
func followUp(data *discordgo.InteractionResponseData) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Content: data.Content,
		Embeds:  data.Embeds,
	}
}

func commandName(i *discordgo.InteractionCreate) string {
	if i.Type != discordgo.InteractionApplicationCommand {
		return ""
	}
	return i.ApplicationCommandData().Name
}
