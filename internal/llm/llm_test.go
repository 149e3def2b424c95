package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/voiceline/internal/config"
)

func TestMockGeneratorReturnsTaskJSON(t *testing.T) {
	out, err := Complete(context.Background(), NewMockGenerator(), Request{Task: TaskQuestions})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	var parsed struct {
		Questions []struct {
			Text string `json:"text"`
		} `json:"questions"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("mock output is not json: %v", err)
	}
	if len(parsed.Questions) != 5 {
		t.Fatalf("expected 5 questions, got %d", len(parsed.Questions))
	}
}

func TestOllamaGeneratorStreamsChunks(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"response":"{\"over","done":false}` + "\n"))
		w.Write([]byte(`{"response":"all\":5}","done":true,"eval_count":4}` + "\n"))
	}))
	defer srv.Close()

	g := NewOllamaGenerator(srv.URL+"/", "test-model")
	out, err := Complete(context.Background(), g, Request{Prompt: "score this", JSON: true, MaxTokens: 64})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"overall":5}` {
		t.Fatalf("unexpected output %q", out)
	}
	if got.Model != "test-model" || got.Format != "json" || got.Options.NumPredict != 64 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaGeneratorReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model missing", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Complete(context.Background(), NewOllamaGenerator(srv.URL, ""), Request{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewSelectsBackend(t *testing.T) {
	if _, err := New(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, err := New(config.LLMConfig{Mode: "exec"}); err == nil {
		t.Fatalf("expected error for exec without command")
	}
	if _, err := New(config.LLMConfig{Mode: "telepathy"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
