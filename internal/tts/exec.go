package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local synthesis command per request. The command reads
// the config and text frames as JSON lines on stdin and writes audio frames
// as JSON lines on stdout.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	timeout    time.Duration
	mu         sync.Mutex
}

func NewExecSynth(command string, sampleRate, channels int, timeout time.Duration) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels, timeout: timeout}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cfgFrame, txtFrame := requestFrames(req, e.sampleRate, e.channels)
	var input bytes.Buffer
	enc := json.NewEncoder(&input)
	if err := enc.Encode(cfgFrame); err != nil {
		return Audio{}, err
	}
	if err := enc.Encode(txtFrame); err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = &input
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, fmt.Errorf("start synthesis command: %w", err)
	}

	var asm assembler
	var frameErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame audioFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			frameErr = fmt.Errorf("decode synthesis frame: %w", err)
			break
		}
		done, err := asm.add(frame)
		if err != nil {
			frameErr = err
			break
		}
		if done {
			break
		}
	}
	if frameErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Audio{}, frameErr
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil && asm.chunks == 0 {
		if ctx.Err() != nil {
			return Audio{}, fmt.Errorf("synthesis aborted: %w", ctx.Err())
		}
		return Audio{}, fmt.Errorf("synthesis command failed: %w: %s", err, stderr.String())
	}
	if scanErr != nil {
		return Audio{}, scanErr
	}
	if !asm.final && asm.chunks > 0 {
		return Audio{}, fmt.Errorf("synthesis command exited before final frame after %d chunks", asm.chunks)
	}

	audio, err := asm.result(req.Format)
	if err != nil {
		return Audio{}, err
	}
	return playable(audio, e.sampleRate, e.channels)
}
