//go:build vosk

package stt

import (
	"context"
	"fmt"

	vosk "github.com/alphacep/vosk-api/go"
)

type voskModel struct {
	model *vosk.VoskModel
}

func newVoskModel(path string) (Model, error) {
	vosk.SetLogLevel(-1)
	model, err := vosk.NewModel(path)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	return &voskModel{model: model}, nil
}

func (m *voskModel) NewEngine(sampleRate int) (Engine, error) {
	rec, err := vosk.NewRecognizer(m.model, float64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	return &voskEngine{rec: rec}, nil
}

func (m *voskModel) Close() {
	m.model.Free()
}

type voskEngine struct {
	rec *vosk.VoskRecognizer
}

// AcceptWaveform runs in a few milliseconds per block, so ctx is only
// checked on entry.
func (e *voskEngine) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch e.rec.AcceptWaveform(pcm) {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk: accept waveform failed")
	}
}

func (e *voskEngine) PartialResult() string { return e.rec.PartialResult() }

func (e *voskEngine) Result() string { return e.rec.Result() }

func (e *voskEngine) Close() { e.rec.Free() }
