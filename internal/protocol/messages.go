package protocol

import "time"

// SynthPrefetch asks a synthesis worker to place text in the audio cache
// ahead of the turn that will speak it.
type SynthPrefetch struct {
	CallID    string    `json:"call_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallEvent is one entry in a call's lifecycle timeline.
type CallEvent struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	Caller      string    `json:"caller,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Type        string    `json:"type"`
	Status      string    `json:"status,omitempty"`
	AnswerIndex int       `json:"answer_index,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectSynthPrefetch   = "synth.prefetch"
	SubjectCallEventPrefix = "call.event"
)

// Call event types.
const (
	EventCreated        = "created"
	EventQuestionAsked  = "question_asked"
	EventAnswerAccepted = "answer_accepted"
	EventAnswerScored   = "answer_scored"
	EventCompleted      = "completed"
	EventAbandoned      = "abandoned"
	EventFailed         = "failed"
	EventFallbackUsed   = "fallback_used"
)

// CallEventSubject returns the bus subject for an event type.
func CallEventSubject(eventType string) string {
	return SubjectCallEventPrefix + "." + eventType
}
