package llm

import (
	"context"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

type openaiGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator talks to the Responses API. An empty endpoint uses the
// public API; apiKey falls back to OPENAI_API_KEY inside the SDK.
func NewOpenAIGenerator(endpoint, apiKey, model string) Generator {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &openaiGenerator{client: openai.NewClient(opts...), model: model}
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	params := responses.ResponseNewParams{
		Model: g.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responses.ResponseInputParam{
				responses.ResponseInputItemParamOfMessage(
					responses.ResponseInputMessageContentListParam{
						{OfInputText: &responses.ResponseInputTextParam{Text: req.Prompt}},
					},
					responses.EasyInputMessageRoleUser,
				),
			},
		},
	}
	if req.System != "" {
		params.Instructions = openai.String(req.System)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := g.client.Responses.New(ctx, params)
	if err != nil {
		return err
	}
	return consumer(Chunk{
		Content:          resp.OutputText(),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		Latency:          time.Since(start),
	})
}
