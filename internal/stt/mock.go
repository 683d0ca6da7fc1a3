package stt

import (
	"context"
	"fmt"
)

// DefaultMockUtteranceFrames is roughly one second of 32ms blocks.
const DefaultMockUtteranceFrames = 30

type mockModel struct {
	utteranceFrames int
}

// NewMockModel returns a model whose engines finalize an utterance every
// utteranceFrames frames. Results are pretty-printed like real recognizers.
func NewMockModel(utteranceFrames int) Model {
	if utteranceFrames <= 0 {
		utteranceFrames = DefaultMockUtteranceFrames
	}
	return &mockModel{utteranceFrames: utteranceFrames}
}

func (m *mockModel) NewEngine(_ int) (Engine, error) {
	return &mockEngine{utteranceFrames: m.utteranceFrames}, nil
}

func (m *mockModel) Close() {}

type mockEngine struct {
	utteranceFrames int
	frames          int
	bytes           int
	utterance       int
	last            string
}

func (e *mockEngine) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e.frames++
	e.bytes += len(pcm)
	if e.frames < e.utteranceFrames {
		return false, nil
	}
	e.utterance++
	e.last = fmt.Sprintf("{\n  \"text\" : \"[utterance %d bytes=%d]\"\n}", e.utterance, e.bytes)
	e.frames = 0
	e.bytes = 0
	return true, nil
}

func (e *mockEngine) PartialResult() string {
	if e.frames == 0 {
		return "{\n  \"partial\" : \"\"\n}"
	}
	return fmt.Sprintf("{\n  \"partial\" : \"[partial frames=%d]\"\n}", e.frames)
}

func (e *mockEngine) Result() string {
	if e.last == "" {
		return "{\n  \"text\" : \"\"\n}"
	}
	out := e.last
	e.last = ""
	return out
}

func (e *mockEngine) Close() {}
