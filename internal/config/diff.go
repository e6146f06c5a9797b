package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged applies to the next voice session and the next
	// consult request.
	PersonaChanged bool
	NewPersona     string

	// VoiceChanged is true when the voice name or instructions changed.
	// Sample rates and frame size need a restart and are not tracked.
	VoiceChanged bool

	// LabsChanged is true when any lab model or parameter changed.
	LabsChanged bool

	// RestartRequired lists changed keys that only take effect on restart.
	RestartRequired []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.VoiceChanged || d.LabsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona != new.Persona {
		d.PersonaChanged = true
		d.NewPersona = new.Persona
	}
	if old.Voice.Voice != new.Voice.Voice || old.Voice.Instructions != new.Voice.Instructions {
		d.VoiceChanged = true
	}

	ol, nl := old.Labs, new.Labs
	ol.Video.MaxJobs, nl.Video.MaxJobs = 0, 0
	if ol != nl {
		d.LabsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !sameEntry(old.Providers.S2S, new.Providers.S2S) {
		d.RestartRequired = append(d.RestartRequired, "providers.s2s")
	}
	if old.Providers.GenAI != new.Providers.GenAI {
		d.RestartRequired = append(d.RestartRequired, "providers.genai")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if old.Voice.InputSampleRate != new.Voice.InputSampleRate ||
		old.Voice.OutputSampleRate != new.Voice.OutputSampleRate ||
		old.Voice.FrameSize != new.Voice.FrameSize {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Labs.Video.MaxJobs != new.Labs.Video.MaxJobs {
		d.RestartRequired = append(d.RestartRequired, "labs.video.max_jobs")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}
