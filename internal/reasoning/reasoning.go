package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/llm"
	"github.com/loqalabs/voiceline/internal/session"
)

var ErrMalformed = errors.New("reasoning service returned malformed output")

// QuestionRequest carries the full conversation so far so that generated
// questions can follow up on what the caller actually said.
type QuestionRequest struct {
	Kind            session.Kind
	Industry        string
	ExperienceLevel string
	Count           int
	PriorQuestions  []string
	PriorAnswers    []string
}

// Client is the question generation and answer scoring collaborator, backed
// by a language model.
type Client struct {
	gen     llm.Generator
	cfg     config.LLMConfig
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(gen llm.Generator, cfg config.LLMConfig, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{gen: gen, cfg: cfg, timeout: timeout, logger: logger.With(slog.String("component", "reasoning"))}
}

type questionsPayload struct {
	Questions []struct {
		Text     string `json:"text"`
		Category string `json:"category"`
	} `json:"questions"`
}

// GenerateQuestions asks for up to req.Count new questions.
func (c *Client) GenerateQuestions(ctx context.Context, req QuestionRequest) ([]session.Question, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if req.Count < 1 {
		req.Count = 1
	}
	r := llm.OptionsFromConfig(c.cfg, llm.TaskQuestions)
	r.System = questionSystemPrompt(req.Kind)
	r.Prompt = questionPrompt(req)

	start := time.Now()
	out, err := llm.Complete(ctx, c.gen, r)
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	var payload questionsPayload
	if err := decodeJSON(out, &payload); err != nil {
		return nil, err
	}

	category := "general"
	if req.Kind == session.KindCoaching {
		category = "coaching"
	}
	var questions []session.Question
	for _, q := range payload.Questions {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			continue
		}
		cat := strings.TrimSpace(q.Category)
		if cat == "" {
			cat = category
		}
		questions = append(questions, session.Question{ID: uuid.NewString(), Text: text, Category: cat})
		if len(questions) == req.Count {
			break
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no questions", ErrMalformed)
	}
	c.logger.Debug("generated questions",
		slog.Int("count", len(questions)),
		slog.Int("history", len(req.PriorAnswers)),
		slog.Duration("latency", time.Since(start)))
	return questions, nil
}

type scorePayload struct {
	Scores   map[string]float64 `json:"scores"`
	Overall  *float64           `json:"overall"`
	Feedback string             `json:"feedback"`
}

// ScoreAnswer grades one answer on a 0-10 scale.
func (c *Client) ScoreAnswer(ctx context.Context, question, answer, category string) (session.Score, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r := llm.OptionsFromConfig(c.cfg, llm.TaskScore)
	r.System = scoreSystemPrompt
	r.Prompt = fmt.Sprintf("Category: %s\nQuestion: %s\nAnswer transcript: %s\n", category, question, answer)

	out, err := llm.Complete(ctx, c.gen, r)
	if err != nil {
		return session.Score{}, fmt.Errorf("score answer: %w", err)
	}
	var payload scorePayload
	if err := decodeJSON(out, &payload); err != nil {
		return session.Score{}, err
	}

	score := session.Score{Dimensions: make(map[string]float64, len(payload.Scores)), Feedback: strings.TrimSpace(payload.Feedback)}
	var sum float64
	for k, v := range payload.Scores {
		v = clamp(v)
		score.Dimensions[k] = v
		sum += v
	}
	switch {
	case payload.Overall != nil:
		score.Overall = clamp(*payload.Overall)
	case len(payload.Scores) > 0:
		score.Overall = sum / float64(len(payload.Scores))
	default:
		return session.Score{}, fmt.Errorf("%w: no scores", ErrMalformed)
	}
	return score, nil
}

// HeuristicScore grades an answer from its derived metrics alone, for when the
// reasoning service is unavailable.
func HeuristicScore(m session.Metrics) session.Score {
	var overall float64
	var feedback string
	switch {
	case m.WordCount == 0:
		overall, feedback = 0, "No answer was captured."
	case m.WordCount < 15:
		overall, feedback = 3, "Try to give a fuller answer with a specific example."
	case m.WordCount < 50:
		overall, feedback = 5, "Good start. Add detail about what you did and the result."
	default:
		overall, feedback = 7, "Thorough answer."
	}
	if m.WordsPerMinute >= 110 && m.WordsPerMinute <= 170 {
		overall++
	}
	return session.Score{
		Overall:   clamp(overall),
		Feedback:  feedback,
		Heuristic: true,
		Dimensions: map[string]float64{
			"length": clamp(float64(m.WordCount) / 15),
		},
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(10, v))
}

// decodeJSON tolerates prose or code fences around the JSON object.
func decodeJSON(out string, v any) error {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: %q", ErrMalformed, truncate(out, 80))
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
