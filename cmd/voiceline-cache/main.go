package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/voiceline/internal/audiocache"
	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/tts"
)

var version = "0.1.0-dev"

const usage = "expected 'warm', 'sweep', 'fingerprint' or 'version'"

func main() {
	var (
		configPath  string
		phrasesPath string
		maxAgeHours int
	)
	warmCmd := flag.NewFlagSet("warm", flag.ExitOnError)
	warmCmd.StringVar(&configPath, "config", "voiceline.yaml", "Path to configuration file")
	warmCmd.StringVar(&phrasesPath, "phrases", "", "Optional file with one extra phrase per line")

	sweepCmd := flag.NewFlagSet("sweep", flag.ExitOnError)
	sweepCmd.StringVar(&configPath, "config", "voiceline.yaml", "Path to configuration file")
	sweepCmd.IntVar(&maxAgeHours, "max-age-hours", 0, "Override cache.max_age_hours")

	defaults := config.Default().Synthesis
	var key audiocache.Key
	fpCmd := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	fpCmd.StringVar(&key.Text, "text", "", "Text to fingerprint")
	fpCmd.StringVar(&key.Voice, "voice", defaults.Voice, "Voice identifier")
	fpCmd.Float64Var(&key.Pitch, "pitch", defaults.Pitch, "Pitch adjustment")
	fpCmd.Float64Var(&key.Rate, "rate", defaults.Rate, "Speaking rate")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "warm":
		warmCmd.Parse(os.Args[2:])
		err = runWarm(configPath, phrasesPath)
	case "sweep":
		sweepCmd.Parse(os.Args[2:])
		err = runSweep(configPath, maxAgeHours)
	case "fingerprint":
		fpCmd.Parse(os.Args[2:])
		if strings.TrimSpace(key.Text) == "" {
			err = errors.New("-text is required")
			break
		}
		fmt.Println(key.Fingerprint())
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(cfg.Telemetry.LogLevel, "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runWarm(configPath, phrasesPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	extra := append([]string(nil), cfg.Synthesis.WarmPhrases...)
	if phrasesPath != "" {
		lines, err := readPhrases(phrasesPath)
		if err != nil {
			return err
		}
		extra = append(extra, lines...)
	}

	cache, err := audiocache.Open(cfg.Cache.Directory, strings.TrimRight(cfg.PublicBaseURL, "/")+"/audio", cfg.Cache.MemoryEntries, logger)
	if err != nil {
		return err
	}
	synth, err := tts.New(cfg.Synthesis)
	if err != nil {
		return err
	}
	scheduler := tts.NewScheduler(synth, cache, tts.ProfileFrom(cfg.Synthesis), cfg.Synthesis.Concurrency,
		config.Millis(cfg.Synthesis.OverallTimeoutMS), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	report := scheduler.Warm(ctx, cfg.Call.WarmPhrases(extra))
	fmt.Printf("requested %d, cached %d, generated %d, failed %d in %s\n",
		report.Requested, report.Cached, report.Generated, report.Failed,
		time.Since(start).Round(time.Millisecond))
	if report.Failed > 0 {
		return errors.Join(report.Errors...)
	}
	return nil
}

func runSweep(configPath string, maxAgeHours int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if maxAgeHours <= 0 {
		maxAgeHours = cfg.Cache.MaxAgeHours
	}
	cache, err := audiocache.Open(cfg.Cache.Directory, cfg.PublicBaseURL, cfg.Cache.MemoryEntries, newLogger(cfg))
	if err != nil {
		return err
	}
	res, err := cache.Sweep(time.Duration(maxAgeHours) * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d artifacts, freed %s\n", res.Removed, humanize.Bytes(uint64(res.Bytes)))
	return nil
}

func readPhrases(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open phrases: %w", err)
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}
