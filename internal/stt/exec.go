package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/mattn/go-shellwords"
)

const (
	execTimeout   = 45 * time.Second
	execWaitDelay = 20 * time.Millisecond
)

// execModel runs an external batch transcriber over fixed-length segments.
// The command receives --audio <wav> and, when configured, --model and
// --language, and must print {"text": "...", "confidence": 0.9} on stdout.
type execModel struct {
	cmd []string
	cfg config.STTConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecModel(cfg config.STTConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) NewEngine(sampleRate int) (Engine, error) {
	segment := sampleRate * 2 * m.cfg.SegmentMS / 1000
	if segment <= 0 {
		return nil, fmt.Errorf("invalid exec segment length")
	}
	return &execEngine{model: m, sampleRate: sampleRate, segmentBytes: segment}, nil
}

func (m *execModel) Close() {}

type execEngine struct {
	model        *execModel
	sampleRate   int
	segmentBytes int
	pcm          []byte
	last         execResult
	pending      bool
}

func (e *execEngine) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	e.pcm = append(e.pcm, pcm...)
	if len(e.pcm) < e.segmentBytes {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()
	res, err := e.model.transcribe(ctx, e.pcm, e.sampleRate)
	e.pcm = e.pcm[:0]
	if err != nil {
		return false, err
	}
	e.last = res
	e.pending = true
	return true, nil
}

// PartialResult is always empty; batch transcribers have no hypotheses.
func (e *execEngine) PartialResult() string {
	return `{"partial": ""}`
}

func (e *execEngine) Result() string {
	res := execResult{}
	if e.pending {
		res = e.last
		e.pending = false
	}
	data, _ := json.Marshal(res)
	return string(data)
}

func (e *execEngine) Close() {}

func (m *execModel) transcribe(ctx context.Context, pcm []byte, sampleRate int) (execResult, error) {
	file, err := os.CreateTemp(os.TempDir(), "loqa_live_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, 1); err != nil {
		return execResult{}, err
	}

	args := append([]string{}, m.cmd...)
	base := args[0]
	cmdArgs := append(args[1:], "--audio", file.Name())
	if m.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", m.cfg.ModelPath)
	}
	if m.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", m.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	// Grandchildren may hold stdout open after the kill.
	command.WaitDelay = execWaitDelay
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return execResult{}, fmt.Errorf("stt command interrupted: %w", ctxErr)
		}
		return execResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
