package audiocache

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
)

// Handler serves GET /audio/{name}. It must be registered on a pattern that
// binds the {name} wildcard.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		a, err := s.Open(name)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.Warn("failed to open artifact", slog.String("name", name), slog.String("error", err.Error()))
			}
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", ContentType(a.Format))
		w.Header().Set("Cache-Control", "public, max-age=604800, immutable")
		w.Header().Set("ETag", `"`+a.Fingerprint+`"`)
		http.ServeContent(w, r, a.Name(), a.CreatedAt, bytes.NewReader(a.Data))
	})
}
