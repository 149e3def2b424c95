package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/voiceline/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd        []string
	cfg        config.TranscriptionConfig
	sampleRate int
	mu         sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs a local recognizer command per recording, passing
// the audio file with --audio and reading {"text": ...} from stdout. Raw PCM
// is assumed to be 16-bit mono at sampleRate.
func NewExecRecognizer(cfg config.TranscriptionConfig, sampleRate int) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &execRecognizer{cmd: args, cfg: cfg, sampleRate: sampleRate}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, data []byte, format string) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "voiceline_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	switch format {
	case "pcm":
		if err := writePCMToWav(file, data, r.sampleRate, 1); err != nil {
			return TranscriptResult{}, err
		}
	default:
		if _, err := file.Write(data); err != nil {
			return TranscriptResult{}, fmt.Errorf("write recording: %w", err)
		}
	}
	if err := file.Sync(); err != nil {
		return TranscriptResult{}, fmt.Errorf("sync recording: %w", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
