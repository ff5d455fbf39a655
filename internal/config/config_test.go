package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/chorus/internal/birth"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/influence"
	"github.com/MrWong99/chorus/internal/lifecycle"
	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/pkg/provider/llm"
	"github.com/MrWong99/chorus/pkg/provider/llm/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  log_format: json
  session_idle: 45m

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
    temperature: 0.7
  fallbacks:
    - name: ollama
      base_url: http://localhost:11434
      model: llama3
  classifier: llm
  breaker:
    max_failures: 3
    reset_timeout: 10s

persistence:
  backend: redis
  redis:
    addr: localhost:6379
    prefix: test
    ttl: 24h

engine:
  max_voices: 12
  orchestrator:
    max_speakers: 2
    draw_mode: manual
    history_age: 10m
  birth:
    sensitivity: strict
    cooldown: 5m
    accumulation_weights:
      critical: 3
  lifecycle:
    hijack_threshold: 85
  influence:
    drift_chance: 0.3

telemetry:
  metrics_path: /metrics

personas:
  - "Anxious about deadlines, loves old maps."
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != config.LogJSON {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.SessionIdle != 45*time.Minute {
		t.Errorf("session_idle = %v, want 45m", cfg.Server.SessionIdle)
	}
	if cfg.Providers.LLM.Model != "gpt-4o-mini" || cfg.Providers.LLM.Temperature != 0.7 {
		t.Errorf("providers.llm = %+v", cfg.Providers.LLM)
	}
	if len(cfg.Providers.Fallbacks) != 1 || cfg.Providers.Fallbacks[0].Name != "ollama" {
		t.Errorf("providers.fallbacks = %+v", cfg.Providers.Fallbacks)
	}
	if cfg.Providers.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("breaker.reset_timeout = %v, want 10s", cfg.Providers.Breaker.ResetTimeout)
	}
	if cfg.Persistence.Backend != config.BackendRedis || cfg.Persistence.Redis.TTL != 24*time.Hour {
		t.Errorf("persistence = %+v", cfg.Persistence)
	}
	if cfg.Telemetry.MetricsPath != "/metrics" || cfg.Telemetry.ServiceName != "chorus" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if len(cfg.Personas) != 1 {
		t.Errorf("personas = %v", cfg.Personas)
	}
}

func TestLoadFromReader_EngineOverridesKeepDefaults(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, sampleYAML)

	wantOrch := orchestrator.DefaultConfig()
	wantOrch.MaxSpeakers = 2
	wantOrch.DrawMode = orchestrator.DrawManual
	wantOrch.HistoryAge = 10 * time.Minute
	if diff := cmp.Diff(wantOrch, cfg.Engine.OrchestratorConfig()); diff != "" {
		t.Errorf("orchestrator config mismatch (-want +got):\n%s", diff)
	}

	b := cfg.Engine.BirthConfig()
	if b.Sensitivity != birth.SensitivityStrict || b.Cooldown != 5*time.Minute {
		t.Errorf("birth = %+v", b)
	}
	if b.AccumulationWeights[voice.ImpactCritical] != 3 {
		t.Errorf("critical weight = %v, want 3", b.AccumulationWeights[voice.ImpactCritical])
	}
	if b.AccumulationWeights[voice.ImpactMinor] != 1 {
		t.Errorf("minor weight = %v, want the default 1", b.AccumulationWeights[voice.ImpactMinor])
	}
	if b.PersonaMax != birth.DefaultConfig().PersonaMax {
		t.Errorf("persona_max = %d, want default", b.PersonaMax)
	}

	wantLife := lifecycle.DefaultConfig()
	wantLife.HijackThreshold = 85
	if diff := cmp.Diff(wantLife, cfg.Engine.LifecycleConfig()); diff != "" {
		t.Errorf("lifecycle config mismatch (-want +got):\n%s", diff)
	}

	wantInf := influence.DefaultConfig()
	wantInf.DriftChance = 0.3
	if diff := cmp.Diff(wantInf, cfg.Engine.InfluenceConfig()); diff != "" {
		t.Errorf("influence config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Engine.MaxVoices != 12 {
		t.Errorf("max_voices = %d, want 12", cfg.Engine.MaxVoices)
	}
}

func TestLoadFromReader_EmptyDocumentIsDefault(t *testing.T) {
	t.Parallel()

	cfg := mustLoad(t, "")
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("empty document mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("engine:\n  max_voicez: 3\n"))
	if err == nil || !strings.Contains(err.Error(), "max_voicez") {
		t.Errorf("error = %v, want unknown field error", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/chorus.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	var seen []config.ProviderEntry
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		seen = append(seen, e)
		return &mock.Provider{}, nil
	})
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("no key")
	})

	if diff := cmp.Diff([]string{"broken", "openai"}, reg.LLMNames()); diff != "" {
		t.Errorf("LLMNames mismatch (-want +got):\n%s", diff)
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai", Model: "m"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if len(seen) != 1 || seen[0].Model != "m" {
		t.Errorf("factory saw %+v", seen)
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"}); err == nil || !strings.Contains(err.Error(), "no key") {
		t.Errorf("error = %v, want factory error", err)
	}
}

func TestRegistry_CreateChain(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterLLM("openai", func(config.ProviderEntry) (llm.Provider, error) { return &mock.Provider{}, nil })
	reg.RegisterLLM("ollama", func(config.ProviderEntry) (llm.Provider, error) { return &mock.Provider{}, nil })

	chain, err := reg.CreateChain(config.ProvidersConfig{
		LLM:       config.ProviderEntry{Name: "openai", Model: "a"},
		Fallbacks: []config.ProviderEntry{{Name: "ollama", Model: "b"}},
	})
	if err != nil {
		t.Fatalf("CreateChain: %v", err)
	}
	if len(chain) != 2 || chain[0].Entry.Name != "openai" || chain[1].Entry.Name != "ollama" {
		t.Errorf("chain = %+v", chain)
	}

	chain, err = reg.CreateChain(config.ProvidersConfig{})
	if err != nil || chain != nil {
		t.Errorf("empty providers: chain=%v err=%v, want nil, nil", chain, err)
	}

	_, err = reg.CreateChain(config.ProvidersConfig{
		LLM:       config.ProviderEntry{Name: "openai", Model: "a"},
		Fallbacks: []config.ProviderEntry{{Name: "groq", Model: "b"}},
	})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

// ── Enums ────────────────────────────────────────────────────────────────────

func TestEnums_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		valid bool
	}{
		{"log level debug", config.LogDebug.IsValid()},
		{"log level bogus", !config.LogLevel("loud").IsValid()},
		{"format json", config.LogJSON.IsValid()},
		{"format bogus", !config.LogFormat("xml").IsValid()},
		{"backend postgres", config.BackendPostgres.IsValid()},
		{"backend bogus", !config.Backend("sqlite").IsValid()},
		{"classifier keywords", config.ClassifierKeywords.IsValid()},
		{"classifier bogus", !config.ClassifierMode("magic").IsValid()},
	}
	for _, tt := range tests {
		if !tt.valid {
			t.Errorf("%s: unexpected validity", tt.name)
		}
	}
}
