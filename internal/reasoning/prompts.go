package reasoning

import (
	"fmt"
	"strings"

	"github.com/loqalabs/voiceline/internal/session"
)

const scoreSystemPrompt = `You grade spoken answers from a phone practice session.
Reply with JSON only: {"scores":{"clarity":0-10,"relevance":0-10,"structure":0-10,"confidence":0-10},"overall":0-10,"feedback":"one or two sentences"}.`

func questionSystemPrompt(kind session.Kind) string {
	if kind == session.KindCoaching {
		return `You are a career coach speaking with a caller on the phone.
Ask short reflective coaching questions that can be answered aloud in under a minute.
Reply with JSON only: {"questions":[{"text":"...","category":"coaching"}]}.`
	}
	return `You are a job interviewer speaking with a candidate on the phone.
Ask one question at a time, short enough to be read aloud, and follow up on specifics the candidate already mentioned.
Reply with JSON only: {"questions":[{"text":"...","category":"behavioral|technical|situational|experience"}]}.`
}

func questionPrompt(req QuestionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Industry: %s\nExperience level: %s\nQuestions wanted: %d\n", orDefault(req.Industry, "general"), orDefault(req.ExperienceLevel, "mid"), req.Count)
	if len(req.PriorQuestions) == 0 {
		b.WriteString("This is the first question of the call.\n")
		return b.String()
	}
	b.WriteString("Conversation so far:\n")
	for i, q := range req.PriorQuestions {
		fmt.Fprintf(&b, "Q%d: %s\n", i+1, q)
		if i < len(req.PriorAnswers) {
			answer := strings.TrimSpace(req.PriorAnswers[i])
			if answer == "" {
				answer = "(no answer)"
			}
			fmt.Fprintf(&b, "A%d: %s\n", i+1, answer)
		}
	}
	b.WriteString("Do not repeat earlier questions.\n")
	return b.String()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
