package tts

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container so the
// telephony transport can play it from a URL.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	file, err := os.CreateTemp("", "voiceline_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}

// playable converts raw PCM results into WAV; other formats pass through.
func playable(a Audio, sampleRate, channels int) (Audio, error) {
	if a.Format != "pcm" {
		return a, nil
	}
	data, err := EncodeWAV(a.Data, sampleRate, channels)
	if err != nil {
		return Audio{}, err
	}
	a.Data = data
	a.Format = "wav"
	return a, nil
}
