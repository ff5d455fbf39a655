package discord

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/participation"
)

// commandTimeout bounds slash commands answered directly. Discord expects
// those within three seconds; draws are deferred instead.
const commandTimeout = 3 * time.Second

var chorusCommand = &discordgo.ApplicationCommand{
	Name:        "chorus",
	Description: "Talk to the voices of this channel",
	Options: []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "draw",
			Description: "Draw a tarot spread from the living voices",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "spread",
				Description: "Spread size",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "single", Value: string(participation.SpreadSingle)},
					{Name: "three", Value: string(participation.SpreadThree)},
					{Name: "five", Value: string(participation.SpreadFive)},
				},
			}},
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "voices",
			Description: "List the living voices",
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "kill",
			Description: "End a voice (admin)",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "voice", Description: "Voice ID", Required: true},
				{Type: discordgo.ApplicationCommandOptionString, Name: "reason", Description: "Why it ends"},
			},
		},
		{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        "reset",
			Description: "Forget every voice of this channel (admin)",
		},
	},
}

func (b *Bot) registerCommands() {
	b.router.RegisterCommand("chorus/draw", chorusCommand, b.handleDraw)
	b.router.RegisterCommand("chorus/voices", chorusCommand, b.handleVoices)
	b.router.RegisterCommand("chorus/kill", chorusCommand, b.admin(b.handleKill))
	b.router.RegisterCommand("chorus/reset", chorusCommand, b.admin(b.handleReset))
}

// admin wraps h with the admin role check.
func (b *Bot) admin(h HandlerFunc) HandlerFunc {
	return func(r Responder, i *discordgo.InteractionCreate) {
		if !b.perms.IsAdmin(i) {
			RespondEphemeral(r, i, "You need the admin role for this.")
			return
		}
		h(r, i)
	}
}

// sessionFor resolves the interaction channel's session.
func (b *Bot) sessionFor(ctx context.Context, i *discordgo.InteractionCreate) (*orchestrator.Orchestrator, error) {
	if !b.watches(i.ChannelID) {
		return nil, errors.New("chorus does not listen in this channel")
	}
	return b.sessions.Get(ctx, SessionID(i.ChannelID))
}

func (b *Bot) handleDraw(r Responder, i *discordgo.InteractionCreate) {
	spread := participation.SpreadSingle
	if opt := subOption(i, "spread"); opt != nil {
		spread = participation.Spread(opt.StringValue())
	}
	orch, err := b.sessionFor(b.ctx, i)
	if err != nil {
		RespondError(r, i, err)
		return
	}

	DeferReply(r, i)
	ctx, cancel := context.WithTimeout(b.ctx, messageTimeout)
	defer cancel()
	reading, err := orch.ManualDraw(ctx, spread)
	switch {
	case errors.Is(err, orchestrator.ErrDrawInProgress):
		FollowUp(r, i, "A draw is already in progress.")
	case err != nil:
		FollowUp(r, i, "Error: "+err.Error())
	case reading == nil:
		FollowUp(r, i, "No voice is alive to draw.")
	default:
		FollowUp(r, i, renderReading(reading))
	}
}

func (b *Bot) handleVoices(r Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	orch, err := b.sessionFor(ctx, i)
	if err != nil {
		RespondError(r, i, err)
		return
	}
	RespondEphemeral(r, i, renderVoices(orch.Voices()))
}

func (b *Bot) handleKill(r Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	var id, reason string
	if opt := subOption(i, "voice"); opt != nil {
		id = opt.StringValue()
	}
	if opt := subOption(i, "reason"); opt != nil {
		reason = opt.StringValue()
	}
	orch, err := b.sessionFor(ctx, i)
	if err != nil {
		RespondError(r, i, err)
		return
	}
	ok, err := orch.KillVoice(ctx, id, reason)
	switch {
	case err != nil:
		RespondError(r, i, err)
	case !ok:
		RespondEphemeral(r, i, "No living voice with that ID.")
	default:
		Respond(r, i, "The voice falls silent.")
	}
}

func (b *Bot) handleReset(r Responder, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	orch, err := b.sessionFor(ctx, i)
	if err != nil {
		RespondError(r, i, err)
		return
	}
	if err := orch.ResetSession(ctx); err != nil {
		RespondError(r, i, err)
		return
	}
	Respond(r, i, "The chorus starts over.")
}

// subOption returns the named option of the invoked subcommand.
func subOption(i *discordgo.InteractionCreate, name string) *discordgo.ApplicationCommandInteractionDataOption {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return nil
	}
	for _, o := range data.Options[0].Options {
		if o.Name == name {
			return o
		}
	}
	return nil
}
