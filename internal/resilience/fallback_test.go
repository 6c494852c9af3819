package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroupPrimaryServes(t *testing.T) {
	fg := NewFallbackGroup("deepgram", "stt", FallbackConfig{})
	fg.AddFallback("stt-backup", "whisper")

	var served string
	if err := fg.Execute(func(v string) error { served = v; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if served != "deepgram" {
		t.Errorf("served = %q, want %q", served, "deepgram")
	}
}

func TestFallbackGroupFailsOver(t *testing.T) {
	fg := NewFallbackGroup("deepgram", "stt", FallbackConfig{})
	fg.AddFallback("stt-backup", "whisper")

	var tried []string
	err := fg.Execute(func(v string) error {
		tried = append(tried, v)
		if v == "deepgram" {
			return errBackend
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 2 || tried[0] != "deepgram" || tried[1] != "whisper" {
		t.Errorf("tried = %v, want [deepgram whisper]", tried)
	}
}

func TestFallbackGroupAllFail(t *testing.T) {
	fg := NewFallbackGroup("deepgram", "stt", FallbackConfig{})
	fg.AddFallback("stt-backup", "whisper")

	err := fg.Execute(func(string) error { return errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("Execute = %v, want %v in chain", err, ErrAllFailed)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("deepgram", "stt", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("stt-backup", "whisper")

	// Trip the primary's breaker.
	fg.Execute(func(v string) error {
		if v == "deepgram" {
			return errBackend
		}
		return nil
	})

	var tried []string
	if err := fg.Execute(func(v string) error { tried = append(tried, v); return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 1 || tried[0] != "whisper" {
		t.Errorf("tried = %v, want [whisper] only", tried)
	}
}

func TestExecuteWithResultReturnsValue(t *testing.T) {
	fg := NewFallbackGroup(2, "llm", FallbackConfig{})

	got, err := ExecuteWithResult(fg, func(v int) (int, error) { return v * 21, nil })
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != 42 {
		t.Errorf("result = %d, want 42", got)
	}
}

func TestExecuteWithResultFailsOver(t *testing.T) {
	fg := NewFallbackGroup("gpt-4o", "llm", FallbackConfig{})
	fg.AddFallback("llm-backup", "claude")

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "gpt-4o" {
			return "", errBackend
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "claude" {
		t.Errorf("result = %q, want %q", got, "claude")
	}
}

func TestExecuteWithResultAllFail(t *testing.T) {
	fg := NewFallbackGroup("gpt-4o", "llm", FallbackConfig{})

	got, err := ExecuteWithResult(fg, func(string) (string, error) { return "partial", errBackend })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want %v in chain", err, ErrAllFailed)
	}
	if got != "" {
		t.Errorf("result = %q, want zero value", got)
	}
}
