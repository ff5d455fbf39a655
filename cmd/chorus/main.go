// Command chorus hosts the voice engine. Messages read from stdin go to a
// single session and every result bundle is printed as JSON. With
// server.listen_addr set the HTTP session API runs alongside, and a discord
// token connects the Discord bot.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/chorus/internal/app"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/discord"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/participation"
	"github.com/MrWong99/chorus/pkg/provider/llm"
	"github.com/MrWong99/chorus/pkg/provider/llm/anyllm"
	"github.com/MrWong99/chorus/pkg/provider/llm/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sessionID := flag.String("session", "cli", "session that stdin messages are sent to")
	noStdin := flag.Bool("no-stdin", false, "do not read messages from stdin")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chorus: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chorus: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(cfg.Server.LogFormat, level)
	slog.SetDefault(logger)

	slog.Info("chorus starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"persistence", cfg.Persistence.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	chain, err := reg.CreateChain(cfg.Providers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	for _, np := range chain {
		slog.Info("provider created", "name", np.Entry.Name, "model", np.Entry.Model)
	}

	application, err := app.New(ctx, cfg, chain, app.WithMetrics(metrics), app.WithLogger(logger), app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := application.Reload(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
	}, config.WithWatchLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	var bot *discord.Bot
	if dc := cfg.Discord; dc.Token != "" {
		bot, err = discord.New(discord.Config{
			Token:       dc.Token,
			GuildID:     dc.GuildID,
			AdminRoleID: dc.AdminRoleID,
			Channels:    dc.Channels,
		}, application.Sessions(), logger)
		if err != nil {
			slog.Error("failed to connect discord bot", "err", err)
			_ = application.Shutdown(context.Background())
			return 1
		}
		go func() {
			if err := bot.Run(ctx); err != nil {
				slog.Error("discord bot error", "err", err)
			}
		}()
		slog.Info("discord bot connected", "guild_id", dc.GuildID)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if !*noStdin {
		go func() {
			readMessages(runCtx, application.Sessions(), *sessionID, os.Stdin, os.Stdout)
			// Without an HTTP host there is nothing left to serve.
			if cfg.Server.ListenAddr == "" {
				cancelRun()
			}
		}()
	}

	if err := application.Run(runCtx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the LLM factories that ship with chorus into
// reg. "openai" uses the official SDK; every other any-llm backend goes
// through the anyllm adapter, and "anyllm-openai" keeps that route open for
// OpenAI-compatible servers that need it.
func registerBuiltinProviders(reg *config.Registry) {
	for _, name := range anyllm.Backends {
		regName := name
		if name == "openai" {
			regName = "anyllm-openai"
		}
		reg.RegisterLLM(regName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// readMessages feeds each stdin line to the session and prints the result.
// Lines starting with a slash are commands: /draw [spread], /voices, /state
// and /reset.
func readMessages(ctx context.Context, sessions *app.SessionManager, sessionID string, in io.Reader, out io.Writer) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		v, err := handleLine(ctx, sessions, sessionID, line)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("message failed", "err", err)
			continue
		}
		if v != nil {
			if err := enc.Encode(v); err != nil {
				slog.Error("write result", "err", err)
				return
			}
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("read stdin", "err", err)
	}
}

func handleLine(ctx context.Context, sessions *app.SessionManager, sessionID, line string) (any, error) {
	if !strings.HasPrefix(line, "/") {
		return sessions.ProcessMessage(ctx, sessionID, line)
	}

	orch, err := sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "draw":
		spread := participation.SpreadSingle
		if arg = strings.TrimSpace(arg); arg != "" {
			spread = participation.Spread(arg)
		}
		reading, err := orch.ManualDraw(ctx, spread)
		if err != nil || reading == nil {
			return nil, err
		}
		return reading, nil
	case "voices":
		return orch.Voices(), nil
	case "state":
		return orch.State(), nil
	case "reset":
		return nil, orch.ResetSession(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
