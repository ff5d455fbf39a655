package config_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/voice"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   config.ConfigDiff
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			want:   config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug},
		},
		{
			name: "engine sections",
			mutate: func(c *config.Config) {
				c.Engine.MaxVoices = 10
				c.Engine.Orchestrator.MaxSpeakers = 1
				c.Engine.Birth.AccumulationWeights = map[voice.Impact]float64{voice.ImpactMinor: 2}
				c.Engine.Influence.GainRates[voice.ImpactMinor] = 4
			},
			want: config.ConfigDiff{EngineSections: []string{"max_voices", "orchestrator", "birth", "influence"}},
		},
		{
			name:   "lifecycle only",
			mutate: func(c *config.Config) { c.Engine.Lifecycle.MergeChance = 0.5 },
			want:   config.ConfigDiff{EngineSections: []string{"lifecycle"}},
		},
		{
			name:   "personas",
			mutate: func(c *config.Config) { c.Personas = []string{"new"} },
			want:   config.ConfigDiff{PersonasChanged: true},
		},
		{
			name: "restart sections",
			mutate: func(c *config.Config) {
				c.Server.ListenAddr = ":9999"
				c.Providers.LLM.Model = "other"
				c.Persistence.Backend = config.BackendPostgres
				c.Telemetry.ServiceName = "x"
			},
			want: config.ConfigDiff{RestartRequired: []string{"server", "providers", "persistence", "telemetry"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := config.Default(), config.Default()
			tt.mutate(updated)
			got := config.Diff(old, updated)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Diff mismatch (-want +got):\n%s", diff)
			}
			if got.Empty() != (tt.name == "identical") {
				t.Errorf("Empty() = %v", got.Empty())
			}
		})
	}
}
