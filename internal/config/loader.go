package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
	"vad": {"energy", "silero"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in secret fields, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets substitutes ${VAR} environment references in the fields that
// typically carry credentials, so config files can be committed without keys.
func expandSecrets(cfg *Config) {
	for _, e := range []*ProviderEntry{
		&cfg.Providers.LLM,
		&cfg.Providers.STT,
		&cfg.Providers.TTS,
		&cfg.Providers.VAD,
	} {
		e.APIKey = os.ExpandEnv(e.APIKey)
	}
	cfg.Archive.PostgresDSN = os.ExpandEnv(cfg.Archive.PostgresDSN)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)

	// Provider availability warnings. The pipeline needs all three stages to
	// hold a conversation, but a partial config is still loadable (tests,
	// tooling) so missing stages only warn.
	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; sessions will not be able to transcribe user speech")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; sessions will not be able to generate replies")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("no TTS provider configured; sessions will not be able to speak replies")
	}

	// Session
	s := &cfg.Session
	if s.EndpointingMs < 0 {
		errs = append(errs, fmt.Errorf("session.endpointing_ms %d must not be negative", s.EndpointingMs))
	}
	if s.OutboundBufferMs < 0 {
		errs = append(errs, fmt.Errorf("session.outbound_buffer_ms %d must not be negative", s.OutboundBufferMs))
	}
	if s.Voice.SpeedFactor != 0 {
		if s.Voice.SpeedFactor < 0.5 || s.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", s.Voice.SpeedFactor))
		}
	}
	if s.Voice.PitchShift < -10 || s.Voice.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("session.voice.pitch_shift %.2f is out of range [-10, 10]", s.Voice.PitchShift))
	}
	if t := s.BargeIn.SpeechThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("session.barge_in.speech_threshold %.2f is out of range [0, 1]", t))
	}
	if t := s.BargeIn.SilenceThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("session.barge_in.silence_threshold %.2f is out of range [0, 1]", t))
	}
	if t := s.BargeIn.EchoSimilarity; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("session.barge_in.echo_similarity %.2f is out of range [0, 1]", t))
	}
	errs = append(errs, validateAudioFormat("session.input", s.Input)...)
	errs = append(errs, validateAudioFormat("session.output", s.Output)...)

	// Archive
	if cfg.Archive.FlushIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("archive.flush_interval_seconds %d must not be negative", cfg.Archive.FlushIntervalSeconds))
	}
	if cfg.Archive.PostgresDSN == "" && cfg.Archive.FlushIntervalSeconds > 0 {
		slog.Warn("archive.flush_interval_seconds is set but archive.postgres_dsn is empty; turns will not be persisted")
	}

	return errors.Join(errs...)
}

// validateAudioFormat checks a partially-specified audio format. Zero values
// are allowed (the server fills in defaults) but whatever is set must be usable.
func validateAudioFormat(prefix string, f AudioFormat) []error {
	var errs []error
	if f.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d must not be negative", prefix, f.SampleRate))
	}
	if f.Encoding != "" && !f.AudioConfig().Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("%s.encoding %q is invalid; valid values: linear16, mulaw, opus", prefix, f.Encoding))
	}
	if f.ChunkMs < 0 {
		errs = append(errs, fmt.Errorf("%s.chunk_ms %d must not be negative", prefix, f.ChunkMs))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
