package session

import "strings"

// ComputeMetrics derives word count and speaking rate from a transcript and
// the recording duration reported by the transport.
func ComputeMetrics(transcript string, durationSeconds float64) Metrics {
	m := Metrics{WordCount: len(strings.Fields(transcript)), DurationSeconds: durationSeconds}
	if durationSeconds > 0 {
		m.WordsPerMinute = float64(m.WordCount) / durationSeconds * 60
	}
	return m
}
