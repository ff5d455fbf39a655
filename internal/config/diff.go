package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level, engine
// tunables and personas apply to running hosts; everything else needs a
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EngineSections names the changed engine sections: "max_voices",
	// "orchestrator", "birth", "lifecycle" or "influence".
	EngineSections []string

	PersonasChanged bool

	// RestartRequired lists changed top-level sections that only take effect
	// after a restart.
	RestartRequired []string
}

// EngineChanged reports whether any engine section changed.
func (d ConfigDiff) EngineChanged() bool { return len(d.EngineSections) > 0 }

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.EngineChanged() && !d.PersonasChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oe, ne := old.Engine, new.Engine
	if oe.MaxVoices != ne.MaxVoices {
		d.EngineSections = append(d.EngineSections, "max_voices")
	}
	if oe.Orchestrator != ne.Orchestrator {
		d.EngineSections = append(d.EngineSections, "orchestrator")
	}
	if !reflect.DeepEqual(oe.Birth, ne.Birth) {
		d.EngineSections = append(d.EngineSections, "birth")
	}
	if oe.Lifecycle != ne.Lifecycle {
		d.EngineSections = append(d.EngineSections, "lifecycle")
	}
	if !reflect.DeepEqual(oe.Influence, ne.Influence) {
		d.EngineSections = append(d.EngineSections, "influence")
	}

	d.PersonasChanged = !reflect.DeepEqual(old.Personas, new.Personas)

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat ||
		old.Server.SessionIdle != new.Server.SessionIdle || old.Server.MCPPath != new.Server.MCPPath {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Persistence != new.Persistence {
		d.RestartRequired = append(d.RestartRequired, "persistence")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if !reflect.DeepEqual(old.Discord, new.Discord) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	return d
}
