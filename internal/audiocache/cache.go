package audiocache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned when no artifact exists for a name or fingerprint.
var ErrNotFound = errors.New("audio artifact not found")

// Artifact is an immutable synthesized prompt.
type Artifact struct {
	Fingerprint string
	Format      string
	Data        []byte
	CreatedAt   time.Time
}

// Name is the on-disk object name, also used in the retrieval URL.
func (a Artifact) Name() string { return a.Fingerprint + "." + a.Format }

var knownFormats = []string{"mp3", "wav", "ulaw", "ogg"}

// Store is a content-addressable audio store on the local filesystem with an
// in-memory LRU of recently served artifacts in front of it. Reads take no
// locks beyond the LRU's own; concurrent writers of one fingerprint race and
// the last rename wins.
type Store struct {
	dir     string
	baseURL string
	mem     *lru.Cache[string, Artifact]
	log     *slog.Logger
	clock   func() time.Time
}

// Open prepares the cache directory. baseURL is the public prefix under which
// the artifact handler is mounted, e.g. https://host/audio.
func Open(dir, baseURL string, memoryEntries int, log *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("audio cache directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio cache dir: %w", err)
	}
	if memoryEntries <= 0 {
		memoryEntries = 64
	}
	mem, err := lru.New[string, Artifact](memoryEntries)
	if err != nil {
		return nil, fmt.Errorf("create audio lru: %w", err)
	}
	return &Store{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		mem:     mem,
		log:     log.With(slog.String("component", "audio-cache")),
		clock:   time.Now,
	}, nil
}

// URL returns the retrieval URL for an artifact.
func (s *Store) URL(a Artifact) string {
	return s.baseURL + "/" + a.Name()
}

// Get looks up an artifact by fingerprint.
func (s *Store) Get(fingerprint string) (Artifact, bool) {
	if !validFingerprint(fingerprint) {
		return Artifact{}, false
	}
	if a, ok := s.mem.Get(fingerprint); ok {
		return a, true
	}
	for _, format := range knownFormats {
		a, err := s.read(fingerprint, format)
		if err == nil {
			s.mem.Add(fingerprint, a)
			return a, true
		}
	}
	return Artifact{}, false
}

// Put writes data under the fingerprint and returns the stored artifact.
func (s *Store) Put(fingerprint string, data []byte, format string) (Artifact, error) {
	if !validFingerprint(fingerprint) {
		return Artifact{}, fmt.Errorf("invalid fingerprint %q", fingerprint)
	}
	if !knownFormat(format) {
		return Artifact{}, fmt.Errorf("unsupported audio format %q", format)
	}
	if len(data) == 0 {
		return Artifact{}, errors.New("refusing to cache empty audio")
	}
	a := Artifact{Fingerprint: fingerprint, Format: format, Data: data, CreatedAt: s.clock().UTC()}

	tmp, err := os.CreateTemp(s.dir, ".put-*")
	if err != nil {
		return Artifact{}, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, a.Name())); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}
	if err := os.Chtimes(filepath.Join(s.dir, a.Name()), a.CreatedAt, a.CreatedAt); err != nil {
		s.log.Warn("failed to stamp artifact time", slog.String("error", err.Error()))
	}
	s.mem.Add(fingerprint, a)
	return a, nil
}

// Open resolves an object name ("<fingerprint>.<format>") for serving.
func (s *Store) Open(name string) (Artifact, error) {
	fingerprint, format, ok := strings.Cut(name, ".")
	if !ok || !validFingerprint(fingerprint) || !knownFormat(format) {
		return Artifact{}, ErrNotFound
	}
	if a, ok := s.mem.Get(fingerprint); ok && a.Format == format {
		return a, nil
	}
	a, err := s.read(fingerprint, format)
	if err != nil {
		return Artifact{}, err
	}
	s.mem.Add(fingerprint, a)
	return a, nil
}

func (s *Store) read(fingerprint, format string) (Artifact, error) {
	path := filepath.Join(s.dir, fingerprint+"."+format)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Fingerprint: fingerprint, Format: format, Data: data, CreatedAt: info.ModTime().UTC()}, nil
}

// SweepResult reports one eviction pass.
type SweepResult struct {
	Removed int
	Bytes   int64
}

// Sweep removes artifacts older than maxAge. A zero maxAge disables eviction.
func (s *Store) Sweep(maxAge time.Duration) (SweepResult, error) {
	var res SweepResult
	if maxAge <= 0 {
		return res, nil
	}
	cutoff := s.clock().Add(-maxAge)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return res, fmt.Errorf("read audio cache dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to evict artifact", slog.String("name", e.Name()), slog.String("error", err.Error()))
			continue
		}
		if fp, _, ok := strings.Cut(e.Name(), "."); ok {
			s.mem.Remove(fp)
		}
		res.Removed++
		res.Bytes += info.Size()
	}
	if res.Removed > 0 {
		s.log.Info("audio cache swept",
			slog.Int("removed", res.Removed),
			slog.String("freed", humanize.Bytes(uint64(res.Bytes))))
	}
	return res, nil
}

func knownFormat(format string) bool {
	for _, f := range knownFormats {
		if f == format {
			return true
		}
	}
	return false
}

// ContentType maps an artifact format to its HTTP media type.
func ContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ulaw":
		return "audio/basic"
	case "ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
