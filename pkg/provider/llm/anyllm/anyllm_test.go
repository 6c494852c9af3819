package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/ribu-singh/Vocode-Backend/pkg/provider/llm"
)

func TestConvertMessage_System(t *testing.T) {
	out := convertMessage(llm.Message{Role: "system", Content: "You are helpful."})
	if out.Role != anyllmlib.RoleSystem {
		t.Errorf("expected system role, got %q", out.Role)
	}
	if out.Content != "You are helpful." {
		t.Errorf("unexpected content: %q", out.Content)
	}
}

func TestConvertMessage_User(t *testing.T) {
	out := convertMessage(llm.Message{Role: "user", Content: "Hi"})
	if out.Role != anyllmlib.RoleUser {
		t.Errorf("expected user role, got %q", out.Role)
	}
}

func TestConvertMessage_WithName(t *testing.T) {
	out := convertMessage(llm.Message{Role: "user", Content: "Hi", Name: "caller"})
	if out.Name != "caller" {
		t.Errorf("expected name to be preserved, got %q", out.Name)
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages:     []llm.Message{{Role: "user", Content: "Hi"}},
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
}

func TestBuildParams_Limits(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "Hi"}},
		Temperature: 0.7,
		MaxTokens:   128,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("expected max tokens 128, got %v", params.MaxTokens)
	}
}

func TestNew_EmptyProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("aol", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if !strings.Contains(err.Error(), "unsupported provider") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", p.model)
	}
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	// Ollama does not need an API key.
	if _, err := New("ollama", "llama3"); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens([]llm.Message{
		{Role: "user", Content: strings.Repeat("word ", 20)},
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n < 20 || n > 40 {
		t.Errorf("expected rough estimate in [20,40], got %d", n)
	}
}

func TestCountTokens_Empty(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 for no messages, got %d", n)
	}
}
