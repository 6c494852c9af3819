package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else collapses into RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session default changed. New sessions
	// pick up the new values; running sessions keep the old ones.
	SessionChanged bool

	// SessionFields names the session fields that changed.
	SessionFields []string

	// RestartRequired is true if server, provider, or archive settings
	// changed — those are bound at startup and cannot be hot-swapped.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionFields = diffSession(&old.Session, &new.Session)
	d.SessionChanged = len(d.SessionFields) > 0

	if !providersEqual(&old.Providers, &new.Providers) {
		d.RestartRequired = true
	}
	if old.Archive != new.Archive {
		d.RestartRequired = true
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || !tlsEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = true
	}

	return d
}

// diffSession returns the names of session fields whose values differ.
func diffSession(old, new *SessionConfig) []string {
	var changed []string
	if old.SystemPrompt != new.SystemPrompt {
		changed = append(changed, "system_prompt")
	}
	if old.Greeting != new.Greeting {
		changed = append(changed, "greeting")
	}
	if old.Language != new.Language {
		changed = append(changed, "language")
	}
	if old.FallbackText != new.FallbackText {
		changed = append(changed, "fallback_text")
	}
	if old.EndpointingMs != new.EndpointingMs {
		changed = append(changed, "endpointing_ms")
	}
	if old.OutboundBufferMs != new.OutboundBufferMs {
		changed = append(changed, "outbound_buffer_ms")
	}
	if old.Voice != new.Voice {
		changed = append(changed, "voice")
	}
	if old.BargeIn != new.BargeIn {
		changed = append(changed, "barge_in")
	}
	if old.Input != new.Input {
		changed = append(changed, "input")
	}
	if old.Output != new.Output {
		changed = append(changed, "output")
	}
	return changed
}

// providersEqual compares provider entries field by field, ignoring the
// free-form Options maps (which make ProvidersConfig non-comparable).
func providersEqual(old, new *ProvidersConfig) bool {
	return entryEqual(old.LLM, new.LLM) &&
		entryEqual(old.STT, new.STT) &&
		entryEqual(old.TTS, new.TTS) &&
		entryEqual(old.VAD, new.VAD)
}

// entryEqual compares the scalar fields of two entries. Options values can be
// arbitrarily nested, so only the key sets are compared.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k := range a.Options {
		if _, ok := b.Options[k]; !ok {
			return false
		}
	}
	return true
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
