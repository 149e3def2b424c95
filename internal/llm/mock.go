package llm

import (
	"context"
	"time"
)

const mockQuestions = `{"questions":[
{"text":"Tell me about a project you are proud of and the part you personally owned.","category":"experience"},
{"text":"Describe a time you disagreed with a teammate. How did you resolve it?","category":"behavioral"},
{"text":"How do you decide what to work on first when everything feels urgent?","category":"situational"},
{"text":"Walk me through how you would debug a problem you have never seen before.","category":"technical"},
{"text":"What is one skill you are actively working to improve, and how?","category":"growth"}
]}`

const mockScore = `{"scores":{"clarity":7,"relevance":7,"structure":6,"confidence":7},"overall":7,"feedback":"Clear answer. Add one concrete example with a measurable result."}`

type mockGenerator struct{}

// NewMockGenerator returns canned JSON for each task, for development and
// tests without a model.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	content := "{}"
	switch req.Task {
	case TaskQuestions:
		content = mockQuestions
	case TaskScore:
		content = mockScore
	}
	return consumer(Chunk{Content: content, Latency: 20 * time.Millisecond})
}
