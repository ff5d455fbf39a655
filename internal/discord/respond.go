package discord

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// maxMessageLen is Discord's limit for message content.
const maxMessageLen = 2000

// Respond sends a public text response to an interaction.
func Respond(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, content, 0)
}

// RespondEphemeral sends a text response only the invoking user sees.
func RespondEphemeral(r Responder, i *discordgo.InteractionCreate, content string) {
	respond(r, i, content, discordgo.MessageFlagsEphemeral)
}

// RespondError sends a formatted ephemeral error response.
func RespondError(r Responder, i *discordgo.InteractionCreate, err error) {
	RespondEphemeral(r, i, fmt.Sprintf("Error: %v", err))
}

func respond(r Responder, i *discordgo.InteractionCreate, content string, flags discordgo.MessageFlags) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: truncate(content),
			Flags:   flags,
		},
	})
	if err != nil {
		slog.Warn("discord: failed to send interaction response", "err", err)
	}
}

// DeferReply acknowledges an interaction whose answer follows later.
func DeferReply(r Responder, i *discordgo.InteractionCreate) {
	err := r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		slog.Warn("discord: failed to defer reply", "err", err)
	}
}

// FollowUp sends the answer to a deferred interaction.
func FollowUp(r Responder, i *discordgo.InteractionCreate, content string) {
	_, err := r.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: truncate(content)})
	if err != nil {
		slog.Warn("discord: failed to send follow-up", "err", err)
	}
}

// truncate cuts s to the message limit on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	const ellipsis = "…"
	cut := maxMessageLen - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
