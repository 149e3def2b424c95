package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ollamaGenerator struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewOllamaGenerator(endpoint, model string) Generator {
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaGenerator{endpoint: strings.TrimRight(endpoint, "/"), model: model, client: http.DefaultClient}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: true,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	if req.JSON {
		payload.Format = "json"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	start := time.Now()
	var promptTokens, completionTokens int
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return err
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.EvalCount > 0 {
			completionTokens = chunk.EvalCount
		}
		if chunk.PromptEvalCount > 0 {
			promptTokens = chunk.PromptEvalCount
		}
		if err := consumer(Chunk{
			Content:          chunk.Response,
			Partial:          !chunk.Done,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			Latency:          time.Since(start),
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
