package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/wav"
)

const fakeBytesPerFrame = 2 // 16-bit mono

// FakeContext replays a fixed PCM clip, then silence, through every capture it
// opens. It stands in for a microphone on headless hosts and in tests.
type FakeContext struct {
	pcm      []byte
	realtime bool

	opened atomic.Int64
	active atomic.Int64
}

func NewFakeContext(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

// LoadFakeContext decodes a 16-bit mono WAV file. An empty path yields a
// context that only produces silence.
func LoadFakeContext(wavPath string, sampleRate int, realtime bool) (*FakeContext, error) {
	if wavPath == "" {
		return NewFakeContext(nil, realtime), nil
	}
	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("open fake wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("fake wav %s: not a valid wav file", wavPath)
	}
	if int(dec.SampleRate) != sampleRate || dec.NumChans != 1 || dec.BitDepth != 16 {
		return nil, fmt.Errorf("fake wav %s: want %dHz mono 16-bit, got %dHz %dch %d-bit",
			wavPath, sampleRate, dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode fake wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*fakeBytesPerFrame)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return NewFakeContext(pcm, realtime), nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

// Opened reports how many captures have been created.
func (f *FakeContext) Opened() int { return int(f.opened.Load()) }

// Active reports how many captures are created but not yet closed.
func (f *FakeContext) Active() int { return int(f.active.Load()) }

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig, callback DataCallback) (CaptureDevice, error) {
	f.opened.Add(1)
	f.active.Add(1)
	return &FakeCapture{owner: f, config: config, cb: callback}, nil
}

type FakeCapture struct {
	owner  *FakeContext
	config CaptureConfig
	cb     DataCallback

	mu       sync.Mutex
	stopCh   chan struct{}
	feedDone chan struct{}
	closed   bool
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopCh != nil {
		return nil
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	blockBytes := int(f.config.BlockSize) * fakeBytesPerFrame
	interval := time.Millisecond
	if f.owner.realtime && f.config.SampleRate > 0 {
		interval = time.Duration(f.config.BlockSize) * time.Second / time.Duration(f.config.SampleRate)
	}

	go func(stop <-chan struct{}) {
		defer close(f.feedDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pcm := f.owner.pcm
		silence := make([]byte, blockBytes)
		pos := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if pos < len(pcm) {
				end := min(pos+blockBytes, len(pcm))
				chunk := make([]byte, end-pos)
				copy(chunk, pcm[pos:end])
				pos = end
				f.cb(chunk, uint32(len(chunk)/fakeBytesPerFrame), nil)
				continue
			}
			f.cb(silence, f.config.BlockSize, nil)
		}
	}(f.stopCh)
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopCh == nil {
		return
	}
	close(f.stopCh)
	<-f.feedDone
	f.stopCh = nil
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.owner.active.Add(-1)
	}
}
