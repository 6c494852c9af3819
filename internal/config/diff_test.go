package config_test

import (
	"slices"
	"testing"

	"github.com/ribu-singh/Vocode-Backend/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{
			Greeting: "Hi!",
			Voice:    config.VoiceConfig{VoiceID: "rachel-v2"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.SessionChanged {
		t.Error("expected SessionChanged=false for identical configs")
	}
	if d.RestartRequired {
		t.Error("expected RestartRequired=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require a restart")
	}
}

func TestDiff_SessionFieldsTracked(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Session: config.SessionConfig{
			Greeting:     "Hello!",
			FallbackText: "Say again?",
		},
	}
	new := &config.Config{
		Session: config.SessionConfig{
			Greeting:     "Welcome!",
			FallbackText: "Say again?",
			BargeIn:      config.BargeInConfig{SpeechThreshold: 0.7},
		},
	}

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Error("expected SessionChanged=true")
	}
	if !slices.Contains(d.SessionFields, "greeting") {
		t.Errorf("SessionFields should contain greeting, got %v", d.SessionFields)
	}
	if !slices.Contains(d.SessionFields, "barge_in") {
		t.Errorf("SessionFields should contain barge_in, got %v", d.SessionFields)
	}
	if slices.Contains(d.SessionFields, "fallback_text") {
		t.Errorf("SessionFields should not contain fallback_text, got %v", d.SessionFields)
	}
	if d.RestartRequired {
		t.Error("session changes should not require a restart")
	}
}

func TestDiff_ProviderChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
		},
	}
	new := &config.Config{
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
	}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("provider model change should require a restart")
	}
}

func TestDiff_ArchiveChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Archive: config.ArchiveConfig{PostgresDSN: "postgres://localhost/vocode"},
	}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("archive change should require a restart")
	}
}

func TestDiff_ListenAddrChangeRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{ListenAddr: ":3000"}}
	new := &config.Config{Server: config.ServerConfig{ListenAddr: ":3001"}}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("listen_addr change should require a restart")
	}
}

func TestDiff_TLSAddedRequiresRestart(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Server: config.ServerConfig{
			TLS: &config.TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"},
		},
	}

	d := config.Diff(old, new)
	if !d.RestartRequired {
		t.Error("adding tls should require a restart")
	}
}
