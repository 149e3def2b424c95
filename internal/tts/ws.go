package tts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures the duplex streaming backend.
type WebSocketConfig struct {
	Endpoint       string
	APIKey         string
	SampleRate     int
	Channels       int
	ConnectTimeout time.Duration
	OverallTimeout time.Duration
}

// WebSocketSynth speaks the config/text/audio frame protocol over one
// websocket per request.
type WebSocketSynth struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketSynth(cfg WebSocketConfig) (*WebSocketSynth, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("synthesis endpoint is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = 30 * time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = cfg.ConnectTimeout
	return &WebSocketSynth{cfg: cfg, dialer: &dialer}, nil
}

func (w *WebSocketSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.OverallTimeout)
	defer cancel()

	header := http.Header{}
	if w.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}

	// The connect window runs from dial start to the first frame.
	connectBy := time.Now().Add(w.cfg.ConnectTimeout)
	dialCtx, cancelDial := context.WithDeadline(ctx, connectBy)
	conn, _, err := w.dialer.DialContext(dialCtx, w.cfg.Endpoint, header)
	dialExpired := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancelDial()
	if err != nil {
		if dialExpired || isTimeout(err) {
			return Audio{}, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return Audio{}, fmt.Errorf("synthesis connect: %w", err)
	}
	defer conn.Close()

	// ReadJSON does not observe ctx; closing the socket unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cfgFrame, txtFrame := requestFrames(req, w.cfg.SampleRate, w.cfg.Channels)
	if err := conn.WriteJSON(cfgFrame); err != nil {
		return Audio{}, fmt.Errorf("send config frame: %w", err)
	}
	if err := conn.WriteJSON(txtFrame); err != nil {
		return Audio{}, fmt.Errorf("send text frame: %w", err)
	}

	var asm assembler
	first := true
	_ = conn.SetReadDeadline(connectBy)
	for {
		var frame audioFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return Audio{}, fmt.Errorf("synthesis aborted: %w", ctx.Err())
			}
			if first && isTimeout(err) {
				return Audio{}, ErrConnectTimeout
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if asm.chunks == 0 {
					return Audio{}, ErrEmptyStream
				}
				return Audio{}, fmt.Errorf("synthesis stream closed before final frame after %d chunks: %w", asm.chunks, err)
			}
			return Audio{}, fmt.Errorf("synthesis read: %w", err)
		}
		if first {
			first = false
			_ = conn.SetReadDeadline(time.Time{})
		}
		done, err := asm.add(frame)
		if err != nil {
			return Audio{}, err
		}
		if done {
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	audio, err := asm.result(req.Format)
	if err != nil {
		return Audio{}, err
	}
	return playable(audio, w.cfg.SampleRate, w.cfg.Channels)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
