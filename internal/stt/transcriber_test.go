package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/loqalabs/voiceline/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingRecognizer struct {
	got    []byte
	format string
}

func (r *recordingRecognizer) Transcribe(_ context.Context, audio []byte, format string) (TranscriptResult, error) {
	r.got = audio
	r.format = format
	return TranscriptResult{Text: "  hello there  ", Confidence: 0.9}, nil
}

func TestTranscribeDownloadsWAVWithAuth(t *testing.T) {
	var path, user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, pass, _ = r.BasicAuth()
		w.Write([]byte("RIFF-data"))
	}))
	defer srv.Close()

	rec := &recordingRecognizer{}
	cfg := config.TranscriptionConfig{AccountSID: "AC1", AuthToken: "secret"}
	tr := NewTranscriber(cfg, rec, newLogger())

	text, err := tr.Transcribe(context.Background(), srv.URL+"/Recordings/RE1")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("unexpected text %q", text)
	}
	if path != "/Recordings/RE1.wav" || user != "AC1" || pass != "secret" {
		t.Fatalf("unexpected download path=%s user=%s", path, user)
	}
	if string(rec.got) != "RIFF-data" || rec.format != "wav" {
		t.Fatalf("recognizer got %q as %s", rec.got, rec.format)
	}
}

func TestTranscribeEnforcesSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	tr := NewTranscriber(config.TranscriptionConfig{MaxRecordingBytes: 32}, NewMockRecognizer(), newLogger())
	if _, err := tr.Transcribe(context.Background(), srv.URL+"/r"); !errors.Is(err, ErrRecordingTooLarge) {
		t.Fatalf("expected ErrRecordingTooLarge, got %v", err)
	}
}

func TestNewTransportModeIsNil(t *testing.T) {
	tr, err := New(config.TranscriptionConfig{Mode: "transport"}, 8000, newLogger())
	if err != nil || tr != nil {
		t.Fatalf("expected nil transcriber in transport mode, got %v %v", tr, err)
	}
	if _, err := New(config.TranscriptionConfig{Mode: "exec"}, 8000, newLogger()); err == nil {
		t.Fatalf("expected error for exec without command")
	}
}

func TestWritePCMToWav(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "pcm_*.wav")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	defer f.Close()
	if err := writePCMToWav(f, []byte{0x01}, 8000, 1); err == nil {
		t.Fatalf("expected alignment error")
	}
	if err := writePCMToWav(f, []byte{0x01, 0x00, 0x02, 0x00}, 8000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
}
