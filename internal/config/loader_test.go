package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ribu-singh/Vocode-Backend/internal/config"
)

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":3000" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":3000")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !strings.Contains(err.Error(), "open") {
		t.Errorf("error should mention open, got: %v", err)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for malformed yaml, got nil")
	}
}

func TestValidate_NegativeOutboundBuffer(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  outbound_buffer_ms: -100
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative outbound_buffer_ms, got nil")
	}
	if !strings.Contains(err.Error(), "outbound_buffer_ms") {
		t.Errorf("error should mention outbound_buffer_ms, got: %v", err)
	}
}

func TestValidate_NegativeFlushInterval(t *testing.T) {
	t.Parallel()
	yaml := `
archive:
  flush_interval_seconds: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative flush_interval_seconds, got nil")
	}
}

func TestValidate_NegativeChunkMs(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  output:
    sample_rate: 16000
    encoding: linear16
    chunk_ms: -10
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative chunk_ms, got nil")
	}
	if !strings.Contains(err.Error(), "chunk_ms") {
		t.Errorf("error should mention chunk_ms, got: %v", err)
	}
}
