package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("call session not found")
	ErrExists            = errors.New("call session already exists")
	ErrNoPendingQuestion = errors.New("no unanswered question")
	ErrQuestionPending   = errors.New("current question not yet answered")
	ErrDuplicateAnswer   = errors.New("answer already accepted")
	ErrTerminal          = errors.New("call session is terminal")
)

// Kind selects the flavor of conversation and its answer cap.
type Kind string

const (
	KindInterview Kind = "interview"
	KindCoaching  Kind = "coaching"
)

// Step is the position in the call flow.
type Step string

const (
	StepMenu      Step = "menu"
	StepInterview Step = "interview_active"
	StepCoaching  Step = "coaching_active"
	StepCompleted Step = "completed"
	StepAbandoned Step = "abandoned"
	StepFailed    Step = "failed"
)

// Status is the lifecycle status persisted with the session record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
	StatusFailed    Status = "failed"
)

type Question struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Category string `json:"category"`
	// Fallback marks a static question used when generation missed its window.
	Fallback bool `json:"fallback,omitempty"`
}

// AnswerState tags an answer slot. A slot is Pending from acceptance until
// scoring finishes one way or the other.
type AnswerState string

const (
	AnswerPending AnswerState = "pending"
	AnswerScored  AnswerState = "scored"
	AnswerFailed  AnswerState = "failed"
)

type Metrics struct {
	WordCount       int     `json:"word_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	WordsPerMinute  float64 `json:"words_per_minute"`
}

type Score struct {
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Overall    float64            `json:"overall"`
	Feedback   string             `json:"feedback,omitempty"`
	// Heuristic is set when the score was derived locally because the
	// reasoning service was unavailable.
	Heuristic bool `json:"heuristic,omitempty"`
}

type Answer struct {
	QuestionID   string      `json:"question_id"`
	Transcript   string      `json:"transcript"`
	RecordingSID string      `json:"recording_sid,omitempty"`
	RecordingURL string      `json:"recording_url,omitempty"`
	Metrics      Metrics     `json:"metrics"`
	State        AnswerState `json:"state"`
	Score        *Score      `json:"score,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// Session is the per-call record. len(Answers) <= len(Questions) holds after
// every method; the question at index len(Answers), if any, is current.
type Session struct {
	CallID       string     `json:"call_id"`
	Caller       string     `json:"caller"`
	Kind         Kind       `json:"kind"`
	Cap          int        `json:"cap"`
	Step         Step       `json:"step"`
	Status       Status     `json:"status"`
	Questions    []Question `json:"questions"`
	Answers      []Answer   `json:"answers"`
	Aggregate    float64    `json:"aggregate"`
	NoInputCount int        `json:"no_input_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// New starts an active session of kind with an answer cap.
func New(callID, caller string, kind Kind, answerCap int, now time.Time) *Session {
	step := StepInterview
	if kind == KindCoaching {
		step = StepCoaching
	}
	if answerCap < 1 {
		answerCap = 1
	}
	return &Session{
		CallID:    callID,
		Caller:    caller,
		Kind:      kind,
		Cap:       answerCap,
		Step:      step,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether no further transitions are allowed.
func (s *Session) Terminal() bool { return s.Status != StatusActive }

// Current returns the unanswered question, if one has been asked.
func (s *Session) Current() (Question, bool) {
	if len(s.Answers) < len(s.Questions) {
		return s.Questions[len(s.Answers)], true
	}
	return Question{}, false
}

// Remaining is how many answers are still needed to complete.
func (s *Session) Remaining() int {
	if n := s.Cap - len(s.Answers); n > 0 {
		return n
	}
	return 0
}

// AddQuestion appends the next question. Only one question may be
// outstanding at a time.
func (s *Session) AddQuestion(q Question, now time.Time) error {
	if s.Terminal() {
		return ErrTerminal
	}
	if _, pending := s.Current(); pending {
		return ErrQuestionPending
	}
	s.Questions = append(s.Questions, q)
	s.UpdatedAt = now
	return nil
}

// AcceptAnswer binds a to the current question and returns its index. The
// session completes when the answer count reaches the cap; the question count
// never terminates it.
func (s *Session) AcceptAnswer(a Answer, now time.Time) (int, error) {
	if s.Terminal() {
		return 0, ErrTerminal
	}
	if a.RecordingSID != "" {
		for _, prev := range s.Answers {
			if prev.RecordingSID == a.RecordingSID {
				return 0, ErrDuplicateAnswer
			}
		}
	}
	q, ok := s.Current()
	if !ok {
		return 0, ErrNoPendingQuestion
	}
	a.QuestionID = q.ID
	a.State = AnswerPending
	a.Score = nil
	a.Reason = ""
	if a.ReceivedAt.IsZero() {
		a.ReceivedAt = now
	}
	s.Answers = append(s.Answers, a)
	s.NoInputCount = 0
	s.UpdatedAt = now
	idx := len(s.Answers) - 1
	if len(s.Answers) >= s.Cap {
		s.Step = StepCompleted
		s.Status = StatusCompleted
	}
	return idx, nil
}

// RecordNoInput counts a silent turn against the current question and
// returns the consecutive count.
func (s *Session) RecordNoInput(now time.Time) (int, error) {
	if s.Terminal() {
		return 0, ErrTerminal
	}
	if _, ok := s.Current(); !ok {
		return 0, ErrNoPendingQuestion
	}
	s.NoInputCount++
	s.UpdatedAt = now
	return s.NoInputCount, nil
}

// SetTranscript fills in a transcript obtained after the answer was accepted
// and recomputes its metrics. An existing transcript is kept.
func (s *Session) SetTranscript(idx int, transcript string, now time.Time) error {
	if idx < 0 || idx >= len(s.Answers) {
		return ErrNoPendingQuestion
	}
	a := &s.Answers[idx]
	if a.Transcript != "" {
		return nil
	}
	a.Transcript = transcript
	a.Metrics = ComputeMetrics(transcript, a.Metrics.DurationSeconds)
	s.UpdatedAt = now
	return nil
}

// RecordScore settles answer idx as scored. Scores may arrive after the
// session completed; terminal abandonment still accepts them.
func (s *Session) RecordScore(idx int, score Score, now time.Time) error {
	if idx < 0 || idx >= len(s.Answers) {
		return ErrNoPendingQuestion
	}
	s.Answers[idx].State = AnswerScored
	s.Answers[idx].Score = &score
	s.Answers[idx].Reason = ""
	s.Aggregate = s.mean()
	s.UpdatedAt = now
	return nil
}

// RecordFailure settles answer idx as failed with reason. A fallback score,
// when given, still counts toward the aggregate.
func (s *Session) RecordFailure(idx int, reason string, fallback *Score, now time.Time) error {
	if idx < 0 || idx >= len(s.Answers) {
		return ErrNoPendingQuestion
	}
	if s.Answers[idx].State == AnswerScored {
		return nil
	}
	s.Answers[idx].State = AnswerFailed
	s.Answers[idx].Reason = reason
	if fallback != nil {
		sc := *fallback
		s.Answers[idx].Score = &sc
	}
	s.Aggregate = s.mean()
	s.UpdatedAt = now
	return nil
}

// Pending lists indexes of answers still awaiting a score.
func (s *Session) Pending() []int {
	var out []int
	for i, a := range s.Answers {
		if a.State == AnswerPending {
			out = append(out, i)
		}
	}
	return out
}

// MarkTerminal moves an active session to abandoned or failed. It reports
// false when the session was already terminal.
func (s *Session) MarkTerminal(status Status, now time.Time) bool {
	if s.Terminal() {
		return false
	}
	s.Status = status
	switch status {
	case StatusAbandoned:
		s.Step = StepAbandoned
	case StatusFailed:
		s.Step = StepFailed
	case StatusCompleted:
		s.Step = StepCompleted
	}
	s.UpdatedAt = now
	return true
}

// mean is the average overall score of settled answers that carry a score.
func (s *Session) mean() float64 {
	var sum float64
	var n int
	for _, a := range s.Answers {
		if a.State != AnswerPending && a.Score != nil {
			sum += a.Score.Overall
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	c := *s
	c.Questions = append([]Question(nil), s.Questions...)
	c.Answers = make([]Answer, len(s.Answers))
	for i, a := range s.Answers {
		c.Answers[i] = a
		if a.Score != nil {
			sc := *a.Score
			if a.Score.Dimensions != nil {
				sc.Dimensions = make(map[string]float64, len(a.Score.Dimensions))
				for k, v := range a.Score.Dimensions {
					sc.Dimensions[k] = v
				}
			}
			c.Answers[i].Score = &sc
		}
	}
	return &c
}
