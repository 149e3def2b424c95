package tts

import (
	"encoding/base64"
	"fmt"
)

// Wire frames shared by the websocket and exec backends. The client sends one
// config frame then one text frame; the backend answers with audio frames
// until one carries final=true.

type configFrame struct {
	Type       string  `json:"type"`
	Voice      string  `json:"voice"`
	Style      string  `json:"style,omitempty"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Channels   int     `json:"channels,omitempty"`
}

type textFrame struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	EndOfStream bool   `json:"end_of_stream"`
}

type audioFrame struct {
	Type  string `json:"type,omitempty"`
	Audio string `json:"audio,omitempty"`
	Final bool   `json:"final,omitempty"`
	Error string `json:"error,omitempty"`
}

func requestFrames(req SynthRequest, sampleRate, channels int) (configFrame, textFrame) {
	return configFrame{
			Type:       "config",
			Voice:      req.Voice,
			Style:      req.Style,
			Rate:       req.Rate,
			Pitch:      req.Pitch,
			Format:     req.Format,
			SampleRate: sampleRate,
			Channels:   channels,
		}, textFrame{
			Type:        "text",
			Text:        req.Text,
			EndOfStream: true,
		}
}

// assembler concatenates decoded audio chunks in arrival order.
type assembler struct {
	buf    []byte
	chunks int
	final  bool
}

// add consumes one frame and reports whether the stream is finished.
func (a *assembler) add(f audioFrame) (bool, error) {
	if f.Error != "" || f.Type == "error" {
		return true, &StreamError{Message: f.Error}
	}
	if f.Audio != "" {
		data, err := base64.StdEncoding.DecodeString(f.Audio)
		if err != nil {
			return true, fmt.Errorf("decode audio chunk %d: %w", a.chunks, err)
		}
		a.buf = append(a.buf, data...)
		a.chunks++
	}
	a.final = f.Final
	return f.Final, nil
}

func (a *assembler) result(format string) (Audio, error) {
	if a.chunks == 0 || len(a.buf) == 0 {
		return Audio{}, ErrEmptyStream
	}
	return Audio{Data: a.buf, Format: format, Chunks: a.chunks}, nil
}
