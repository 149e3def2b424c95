package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/voiceline/internal/config"
)

// Task names what a request is for. Backends that cannot follow free-form
// instructions (the mock) key their canned output on it.
type Task string

const (
	TaskQuestions Task = "questions"
	TaskScore     Task = "score"
)

// Request describes a language model prompt.
type Request struct {
	Task        Task
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain output to a JSON document.
	JSON bool
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// Complete runs req to the end and returns the concatenated output.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var b strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, task Task) Request {
	return Request{Task: task, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature, JSON: true}
}
