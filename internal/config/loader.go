package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/chorus/internal/voice"
)

// KnownLLMProviders lists the provider names the chorus binary registers.
// [Validate] warns about names outside this list.
var KnownLLMProviders = []string{
	"openai", "anyllm-openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.SessionIdle < 0 {
		errs = append(errs, fmt.Errorf("server.session_idle must not be negative"))
	}

	errs = append(errs, validateProviders(cfg.Providers)...)
	errs = append(errs, validatePersistence(cfg.Persistence)...)
	errs = append(errs, validateEngine(cfg.Engine)...)

	if cfg.Server.MCPPath != "" && !strings.HasPrefix(cfg.Server.MCPPath, "/") {
		errs = append(errs, fmt.Errorf("server.mcp_path %q must start with /", cfg.Server.MCPPath))
	}
	if cfg.Telemetry.MetricsPath != "" && !strings.HasPrefix(cfg.Telemetry.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", cfg.Telemetry.MetricsPath))
	}
	for i, p := range cfg.Personas {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("personas[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

func validateProviders(p ProvidersConfig) []error {
	var errs []error
	if p.Classifier != "" && !p.Classifier.IsValid() {
		errs = append(errs, fmt.Errorf("providers.classifier %q is invalid; valid values: llm, keywords", p.Classifier))
	}
	if p.LLM.Name == "" {
		if len(p.Fallbacks) > 0 {
			errs = append(errs, errors.New("providers.fallbacks requires providers.llm"))
		}
		slog.Warn("no LLM provider configured; voices will stay silent and births will fail")
	}

	entries := append([]ProviderEntry{p.LLM}, p.Fallbacks...)
	for i, e := range entries {
		prefix := "providers.llm"
		if i > 0 {
			prefix = fmt.Sprintf("providers.fallbacks[%d]", i-1)
		}
		if i > 0 && e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if e.Name != "" && e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if e.Temperature < 0 || e.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, e.Temperature))
		}
		warnUnknownProvider(prefix, e.Name)
	}

	if p.Breaker.MaxFailures < 0 || p.Breaker.HalfOpenMax < 0 || p.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}
	return errs
}

func validatePersistence(p PersistenceConfig) []error {
	var errs []error
	switch {
	case p.Backend == "":
	case !p.Backend.IsValid():
		errs = append(errs, fmt.Errorf("persistence.backend %q is invalid; valid values: memory, postgres, redis", p.Backend))
	case p.Backend == BackendPostgres && p.PostgresDSN == "":
		errs = append(errs, errors.New("persistence.postgres_dsn is required for the postgres backend"))
	case p.Backend == BackendRedis && p.Redis.Addr == "":
		errs = append(errs, errors.New("persistence.redis.addr is required for the redis backend"))
	}
	if p.Redis.TTL < 0 {
		errs = append(errs, errors.New("persistence.redis.ttl must not be negative"))
	}
	return errs
}

func validateEngine(e EngineConfig) []error {
	var errs []error
	if e.MaxVoices < 1 || e.MaxVoices > voice.ArcanaCount {
		errs = append(errs, fmt.Errorf("engine.max_voices %d is out of range [1, %d]", e.MaxVoices, voice.ArcanaCount))
	}

	o := e.Orchestrator
	if o.DrawMode != "" && !o.DrawMode.IsValid() {
		errs = append(errs, fmt.Errorf("engine.orchestrator.draw_mode %q is invalid; valid values: auto, manual", o.DrawMode))
	}
	if o.Severity != "" && !o.Severity.IsValid() {
		errs = append(errs, fmt.Errorf("engine.orchestrator.severity %q is invalid; valid values: gentle, normal, intense", o.Severity))
	}
	if o.MaxSpeakers < 1 {
		errs = append(errs, fmt.Errorf("engine.orchestrator.max_speakers must be at least 1"))
	}
	errs = appendChance(errs, "engine.orchestrator.narration_chance", o.NarrationChance)

	b := e.Birth
	if b.Sensitivity != "" && !b.Sensitivity.IsValid() {
		errs = append(errs, fmt.Errorf("engine.birth.sensitivity %q is invalid; valid values: sensitive, normal, strict", b.Sensitivity))
	}
	if b.Policy != "" && !b.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("engine.birth.policy %q is invalid; valid values: block, heal, merge, consume", b.Policy))
	}
	if b.PersonaMax < b.PersonaMin {
		errs = append(errs, fmt.Errorf("engine.birth.persona_max %d is below persona_min %d", b.PersonaMax, b.PersonaMin))
	}
	for impact := range b.AccumulationWeights {
		if !impact.IsValid() {
			errs = append(errs, fmt.Errorf("engine.birth.accumulation_weights: unknown impact %q", impact))
		}
	}

	l := e.Lifecycle
	errs = appendChance(errs, "engine.lifecycle.consume_chance", l.ConsumeChance)
	errs = appendChance(errs, "engine.lifecycle.merge_chance", l.MergeChance)
	if l.HijackThreshold < 0 || l.HijackThreshold > 100 {
		errs = append(errs, fmt.Errorf("engine.lifecycle.hijack_threshold %d is out of range [0, 100]", l.HijackThreshold))
	}

	i := e.Influence
	errs = appendChance(errs, "engine.influence.drift_chance", i.DriftChance)
	for impact := range i.GainRates {
		if !impact.IsValid() {
			errs = append(errs, fmt.Errorf("engine.influence.gain_rates: unknown impact %q", impact))
		}
	}
	return errs
}

func appendChance(errs []error, field string, p float64) []error {
	if p < 0 || p > 1 {
		return append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", field, p))
	}
	return errs
}

// warnUnknownProvider logs a warning if name is non-empty and not one of
// [KnownLLMProviders].
func warnUnknownProvider(field, name string) {
	if name == "" || slices.Contains(KnownLLMProviders, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", KnownLLMProviders,
	)
}
