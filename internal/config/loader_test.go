package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/voice"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr []string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*config.Config) {},
		},
		{
			name: "bad enums",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = "loud"
				c.Server.LogFormat = "xml"
				c.Providers.Classifier = "magic"
				c.Persistence.Backend = "sqlite"
				c.Engine.Orchestrator.DrawMode = "sometimes"
				c.Engine.Orchestrator.Severity = "brutal"
				c.Engine.Birth.Sensitivity = "numb"
				c.Engine.Birth.Policy = "evict"
			},
			wantErr: []string{"server.log_level", "server.log_format", "providers.classifier",
				"persistence.backend", "draw_mode", "severity", "sensitivity", "policy"},
		},
		{
			name: "backend requirements",
			mutate: func(c *config.Config) {
				c.Persistence.Backend = config.BackendPostgres
			},
			wantErr: []string{"postgres_dsn is required"},
		},
		{
			name: "redis requires addr",
			mutate: func(c *config.Config) {
				c.Persistence.Backend = config.BackendRedis
			},
			wantErr: []string{"redis.addr is required"},
		},
		{
			name: "provider entries",
			mutate: func(c *config.Config) {
				c.Providers.LLM = config.ProviderEntry{Name: "openai", Temperature: 3}
				c.Providers.Fallbacks = []config.ProviderEntry{{Model: "x"}}
			},
			wantErr: []string{"providers.llm.model is required", "providers.llm.temperature",
				"providers.fallbacks[0].name is required"},
		},
		{
			name: "fallbacks without primary",
			mutate: func(c *config.Config) {
				c.Providers.Fallbacks = []config.ProviderEntry{{Name: "ollama", Model: "x"}}
			},
			wantErr: []string{"providers.fallbacks requires providers.llm"},
		},
		{
			name: "engine ranges",
			mutate: func(c *config.Config) {
				c.Engine.MaxVoices = 23
				c.Engine.Orchestrator.MaxSpeakers = 0
				c.Engine.Orchestrator.NarrationChance = 1.5
				c.Engine.Lifecycle.ConsumeChance = -0.1
				c.Engine.Lifecycle.HijackThreshold = 101
				c.Engine.Influence.DriftChance = 2
				c.Engine.Birth.PersonaMin = 5
				c.Engine.Birth.PersonaMax = 3
			},
			wantErr: []string{"max_voices 23", "max_speakers", "narration_chance", "consume_chance",
				"hijack_threshold", "drift_chance", "persona_max"},
		},
		{
			name: "unknown impact keys",
			mutate: func(c *config.Config) {
				c.Engine.Influence.GainRates = map[voice.Impact]int{"apocalyptic": 50}
			},
			wantErr: []string{"gain_rates: unknown impact"},
		},
		{
			name: "telemetry and personas",
			mutate: func(c *config.Config) {
				c.Telemetry.MetricsPath = "metrics"
				c.Personas = []string{"fine", "  "}
			},
			wantErr: []string{"metrics_path", "personas[1] is empty"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.LLM.Name != "openai" || len(cfg.Providers.Fallbacks) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Server.MCPPath != "/mcp" {
		t.Errorf("mcp_path = %q, want /mcp", cfg.Server.MCPPath)
	}
	// Fields absent from the file keep their defaults.
	if got, want := cfg.Engine.Birth.PersonaMax, config.Default().Engine.Birth.PersonaMax; got != want {
		t.Errorf("persona_max = %d, want default %d", got, want)
	}
	if len(cfg.Personas) != 1 {
		t.Errorf("personas = %d, want 1", len(cfg.Personas))
	}
}
