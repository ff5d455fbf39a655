// Package discord connects chorus sessions to Discord text channels. Every
// watched channel is its own session: user messages run through the engine
// and the voices answer in the channel. Slash commands under /chorus draw
// spreads, list voices and, for admins, kill voices or reset the channel.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/chorus/internal/orchestrator"
)

// messageTimeout bounds the engine run for one channel message.
const messageTimeout = 2 * time.Minute

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID scopes slash command registration. Empty registers globally.
	GuildID string

	// AdminRoleID gates /chorus kill and /chorus reset. Empty admits
	// everyone.
	AdminRoleID string

	// Channels restricts the bot to these channel IDs. Empty watches every
	// channel the bot can read.
	Channels []string
}

// Sessions resolves and drives sessions by id.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*orchestrator.Orchestrator, error)
	ProcessMessage(ctx context.Context, sessionID, text string) (*orchestrator.Result, error)
}

// SessionID maps a channel to its session.
func SessionID(channelID string) string { return "discord:" + channelID }

// Bot owns the Discord gateway connection.
type Bot struct {
	mu       sync.RWMutex
	session  *discordgo.Session
	sessions Sessions
	router   *CommandRouter
	perms    *PermissionChecker
	cfg      Config
	commands []*discordgo.ApplicationCommand
	log      *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// newBot builds a bot without a gateway connection.
func newBot(cfg Config, sessions Sessions, log *slog.Logger) *Bot {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		sessions: sessions,
		router:   NewCommandRouter(),
		perms:    NewPermissionChecker(cfg.AdminRoleID),
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	b.registerCommands()
	return b
}

// New connects to Discord and starts handling channel messages and
// interactions.
func New(cfg Config, sessions Sessions, log *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token must not be empty")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuilds

	b := newBot(cfg, sessions, log)
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		b.onMessage(s, m)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})

	if err := session.Open(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b.session = session
	return b, nil
}

// Run registers slash commands and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.cfg.GuildID, b.router.ApplicationCommands())
	if err != nil {
		return fmt.Errorf("discord: register commands: %w", err)
	}
	b.mu.Lock()
	b.commands = registered
	b.mu.Unlock()
	b.log.Info("discord: commands registered", "count", len(registered))

	<-ctx.Done()
	return nil
}

// Close unregisters commands and disconnects. In-flight message handling
// is cancelled.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.cancel()

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.session == nil {
			return
		}
		appID := b.session.State.User.ID
		for _, cmd := range b.commands {
			if err := b.session.ApplicationCommandDelete(appID, b.cfg.GuildID, cmd.ID); err != nil {
				b.log.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
			}
		}
		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		b.log.Info("discord: bot closed")
	})
	return closeErr
}

// watches reports whether the bot handles messages from channelID.
func (b *Bot) watches(channelID string) bool {
	return len(b.cfg.Channels) == 0 || slices.Contains(b.cfg.Channels, channelID)
}

// onMessage runs a channel message through the channel's session and posts
// what the voices said.
func (b *Bot) onMessage(r Responder, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || !b.watches(m.ChannelID) {
		return
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, messageTimeout)
	defer cancel()
	res, err := b.sessions.ProcessMessage(ctx, SessionID(m.ChannelID), text)
	if err != nil {
		b.log.Warn("discord: message failed", "channel_id", m.ChannelID, "err", err)
		return
	}
	out := renderResult(res)
	if out == "" {
		return
	}
	if _, err := r.ChannelMessageSend(m.ChannelID, out); err != nil {
		b.log.Warn("discord: failed to send reply", "channel_id", m.ChannelID, "err", err)
	}
}
