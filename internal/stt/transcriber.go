package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/voiceline/internal/config"
)

var ErrRecordingTooLarge = errors.New("recording exceeds size limit")

// Transcriber fetches a call recording from the telephony provider and runs
// it through a recognizer.
type Transcriber struct {
	recognizer Recognizer
	client     *http.Client
	accountSID string
	authToken  string
	maxBytes   int64
	logger     *slog.Logger
}

func NewTranscriber(cfg config.TranscriptionConfig, recognizer Recognizer, logger *slog.Logger) *Transcriber {
	timeout := config.Millis(cfg.DownloadTimeoutMS)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxBytes := cfg.MaxRecordingBytes
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &Transcriber{
		recognizer: recognizer,
		client:     &http.Client{Timeout: timeout},
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		maxBytes:   maxBytes,
		logger:     logger.With(slog.String("component", "transcriber")),
	}
}

// New builds the transcriber selected by cfg.Mode, or nil in transport mode.
func New(cfg config.TranscriptionConfig, sampleRate int, logger *slog.Logger) (*Transcriber, error) {
	switch cfg.Mode {
	case "", "transport":
		return nil, nil
	case "mock":
		return NewTranscriber(cfg, NewMockRecognizer(), logger), nil
	case "exec":
		rec, err := NewExecRecognizer(cfg, sampleRate)
		if err != nil {
			return nil, err
		}
		return NewTranscriber(cfg, rec, logger), nil
	default:
		return nil, fmt.Errorf("unknown transcription mode %q", cfg.Mode)
	}
}

// Transcribe downloads recordingURL as WAV and returns its text.
func (t *Transcriber) Transcribe(ctx context.Context, recordingURL string) (string, error) {
	if recordingURL == "" {
		return "", nil
	}
	data, err := t.fetch(ctx, recordingURL)
	if err != nil {
		return "", err
	}
	start := time.Now()
	res, err := t.recognizer.Transcribe(ctx, data, "wav")
	if err != nil {
		return "", err
	}
	t.logger.Debug("transcribed recording",
		slog.Int("bytes", len(data)),
		slog.Float64("confidence", res.Confidence),
		slog.Duration("latency", time.Since(start)))
	return strings.TrimSpace(res.Text), nil
}

func (t *Transcriber) fetch(ctx context.Context, recordingURL string) ([]byte, error) {
	url := recordingURL
	if !strings.HasSuffix(url, ".wav") {
		url += ".wav"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if t.accountSID != "" {
		req.SetBasicAuth(t.accountSID, t.authToken)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download recording: status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	if int64(len(data)) > t.maxBytes {
		return nil, ErrRecordingTooLarge
	}
	return data, nil
}
