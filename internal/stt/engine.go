// Package stt holds the speech recognizer contract and its backends.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-live/internal/config"
)

// ErrModelNotFound is returned by LoadModel when the acoustic model path does
// not exist. It is fatal at startup.
var ErrModelNotFound = errors.New("acoustic model not found")

// Model is an acoustic model loaded once per process and shared by every
// session.
type Model interface {
	NewEngine(sampleRate int) (Engine, error)
	Close()
}

// Engine is an incremental recognizer bound to one listen session. Results
// are JSON documents and may span several lines.
type Engine interface {
	// AcceptWaveform feeds 16-bit PCM and reports whether an utterance
	// boundary was reached, in which case Result holds the final text.
	// Engines that block must give up and return ctx.Err() once ctx ends.
	AcceptWaveform(ctx context.Context, pcm []byte) (bool, error)
	PartialResult() string
	Result() string
	Close()
}

// LoadModel loads the model selected by cfg.Mode.
func LoadModel(cfg config.STTConfig, log *slog.Logger) (Model, error) {
	log = log.With(slog.String("component", "stt"))
	switch cfg.Mode {
	case "mock":
		log.Info("using mock recognizer")
		return NewMockModel(DefaultMockUtteranceFrames), nil
	case "exec":
		if cfg.ModelPath != "" {
			if err := checkModelPath(cfg.ModelPath); err != nil {
				return nil, err
			}
		}
		m, err := NewExecModel(cfg)
		if err != nil {
			return nil, err
		}
		log.Info("using exec recognizer", slog.String("command", cfg.Command))
		return m, nil
	case "vosk":
		if err := checkModelPath(cfg.ModelPath); err != nil {
			return nil, err
		}
		m, err := newVoskModel(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		log.Info("vosk model loaded", slog.String("path", cfg.ModelPath))
		return m, nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}

func checkModelPath(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w at %q: download a model from https://alphacephei.com/vosk/models and unpack it there", ErrModelNotFound, path)
		}
		return fmt.Errorf("stat model path: %w", err)
	}
	return nil
}
