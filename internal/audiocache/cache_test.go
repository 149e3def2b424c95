package audiocache

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "https://calls.example.com/audio/", 4, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestFingerprintNormalizesWhitespace(t *testing.T) {
	a := Key{Text: "Tell me  about\nyourself.", Voice: "v1", Pitch: 0, Rate: 1}
	b := Key{Text: " Tell me about yourself. ", Voice: "v1", Pitch: 0, Rate: 1}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected equal fingerprints for whitespace variants")
	}
}

func TestFingerprintCoversProsody(t *testing.T) {
	base := Key{Text: "Hello", Voice: "v1", Pitch: 0, Rate: 1}
	variants := []Key{
		{Text: "Hello", Voice: "v2", Pitch: 0, Rate: 1},
		{Text: "Hello", Voice: "v1", Pitch: 2, Rate: 1},
		{Text: "Hello", Voice: "v1", Pitch: 0, Rate: 1.2},
		{Text: "hello", Voice: "v1", Pitch: 0, Rate: 1},
	}
	for _, v := range variants {
		if v.Fingerprint() == base.Fingerprint() {
			t.Fatalf("expected distinct fingerprint for %+v", v)
		}
	}
	if !validFingerprint(base.Fingerprint()) {
		t.Fatalf("fingerprint should be 64 hex chars")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t)
	fp := Key{Text: "Please hold", Voice: "v1", Rate: 1}.Fingerprint()

	if _, ok := s.Get(fp); ok {
		t.Fatalf("expected miss before put")
	}
	a, err := s.Put(fp, []byte("ID3-audio"), "mp3")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := s.URL(a); got != "https://calls.example.com/audio/"+fp+".mp3" {
		t.Fatalf("unexpected url %s", got)
	}

	s.mem.Purge()
	got, ok := s.Get(fp)
	if !ok {
		t.Fatalf("expected disk hit after purge")
	}
	if string(got.Data) != "ID3-audio" || got.Format != "mp3" {
		t.Fatalf("unexpected artifact %+v", got)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openStore(t)
	fp := Key{Text: "Goodbye", Voice: "v1", Rate: 1}.Fingerprint()
	if _, err := s.Put(fp, []byte("first"), "mp3"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(fp, []byte("second"), "mp3"); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, ok := s.Get(fp)
	if !ok || string(got.Data) != "second" {
		t.Fatalf("expected last writer to win, got %+v", got)
	}
}

func TestPutRejectsBadInput(t *testing.T) {
	s := openStore(t)
	fp := Key{Text: "x"}.Fingerprint()
	if _, err := s.Put("not-a-fingerprint", []byte("a"), "mp3"); err == nil {
		t.Fatalf("expected invalid fingerprint error")
	}
	if _, err := s.Put(fp, nil, "mp3"); err == nil {
		t.Fatalf("expected empty audio error")
	}
	if _, err := s.Put(fp, []byte("a"), "exe"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestSweepRemovesOldArtifacts(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	oldFP := Key{Text: "old"}.Fingerprint()
	s.clock = func() time.Time { return now.Add(-8 * 24 * time.Hour) }
	if _, err := s.Put(oldFP, []byte("old-audio"), "mp3"); err != nil {
		t.Fatalf("put old: %v", err)
	}
	freshFP := Key{Text: "fresh"}.Fingerprint()
	s.clock = func() time.Time { return now.Add(-time.Hour) }
	if _, err := s.Put(freshFP, []byte("fresh-audio"), "mp3"); err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	s.clock = func() time.Time { return now }
	res, err := s.Sweep(7 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Removed != 1 || res.Bytes != int64(len("old-audio")) {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if _, ok := s.Get(oldFP); ok {
		t.Fatalf("expected old artifact evicted")
	}
	if _, ok := s.Get(freshFP); !ok {
		t.Fatalf("expected fresh artifact kept")
	}
}

func TestHandlerServesArtifact(t *testing.T) {
	s := openStore(t)
	fp := Key{Text: "Welcome"}.Fingerprint()
	if _, err := s.Put(fp, []byte("RIFF-wave"), "wav"); err != nil {
		t.Fatalf("put: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /audio/{name}", s.Handler())

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/"+fp+".wav", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc == "" {
		t.Fatalf("expected cache headers")
	}
	if rec.Body.String() != "RIFF-wave" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audio/not-a-fingerprint.mp3", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for bad name, got %d", rec.Code)
	}
}
