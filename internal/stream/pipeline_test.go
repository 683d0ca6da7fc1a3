package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/stt"
)

// manualContext hands the device callback to the test instead of producing
// audio on its own.
type manualContext struct {
	mu       sync.Mutex
	cb       audio.DataCallback
	opened   int
	active   int
	failOpen error
}

func (m *manualContext) Devices() ([]audio.DeviceInfo, error) { return nil, nil }
func (m *manualContext) Close()                               {}

func (m *manualContext) NewCapture(_ *audio.DeviceInfo, _ audio.CaptureConfig, cb audio.DataCallback) (audio.CaptureDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen != nil {
		return nil, m.failOpen
	}
	m.cb = cb
	m.opened++
	m.active++
	return &manualCapture{owner: m}, nil
}

func (m *manualContext) feed(data []byte) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb(data, uint32(len(data)/2), nil)
	}
}

// status delivers a device condition through the callback.
func (m *manualContext) status(err error) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb(nil, 0, err)
	}
}

func (m *manualContext) setFailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen = err
}

func (m *manualContext) counts() (opened, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened, m.active
}

type manualCapture struct {
	owner  *manualContext
	closed bool
}

func (c *manualCapture) Start() error { return nil }
func (c *manualCapture) Stop()        {}
func (c *manualCapture) Close() {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.owner.active--
		c.owner.cb = nil
	}
}

// scriptedModel finalizes on chosen frame numbers and fails on failAt.
// Results are pretty-printed across several lines.
type scriptedModel struct {
	finals  map[int]bool
	failAt  int
	created atomic.Int32
}

func (m *scriptedModel) NewEngine(int) (stt.Engine, error) {
	m.created.Add(1)
	return &scriptedEngine{model: m}, nil
}

func (m *scriptedModel) Close() {}

type scriptedEngine struct {
	model *scriptedModel
	n     int
	last  int
}

func (e *scriptedEngine) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	e.n++
	e.last = int(pcm[0])
	if e.n == e.model.failAt {
		return false, errors.New("decoder crashed")
	}
	return e.model.finals[e.n], nil
}

func (e *scriptedEngine) PartialResult() string {
	return fmt.Sprintf("{\n  \"partial\" : \"frame %d\"\n}", e.last)
}

func (e *scriptedEngine) Result() string {
	return fmt.Sprintf("{\n  \"text\" : \"utterance %d\",\n  \"result\" : [\n    {\"conf\" : 1}\n  ]\n}", e.last)
}

func (e *scriptedEngine) Close() {}

type recordingObserver struct {
	mu      sync.Mutex
	started []string
	results []stt.Result
	ended   []Summary
}

func (o *recordingObserver) SessionStarted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, id)
}

func (o *recordingObserver) Result(_ string, r stt.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
}

func (o *recordingObserver) SessionEnded(_ string, sum Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, sum)
}

type fixture struct {
	ctrl     *Controller
	buf      *capture.Buffer
	actx     *manualContext
	pipeline *Pipeline
	url      string
}

func newFixture(t *testing.T, model stt.Model, observers ...Observer) *fixture {
	t.Helper()
	buf := capture.NewBuffer(32)
	ctrl := NewController(buf, newLogger())
	actx := &manualContext{}
	cfg := audio.CaptureConfig{SampleRate: 16000, Channels: 1, BlockSize: 4}
	src := capture.NewSource(actx, nil, cfg, buf, ctrl, newLogger())
	p := NewPipeline(ctrl, buf, src, model, Options{SampleRate: 16000, PopTimeout: 10 * time.Millisecond, Observers: observers}, newLogger())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.Listen(r.Context(), NewEmitter(w)); errors.Is(err, ErrSessionActive) {
			http.Error(w, err.Error(), http.StatusConflict)
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { ctrl.Stop() })
	return &fixture{ctrl: ctrl, buf: buf, actx: actx, pipeline: p, url: srv.URL}
}

func (f *fixture) waitAttached(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool { _, active := f.actx.counts(); return active == 1 })
}

func (f *fixture) block(i int) []byte {
	return []byte{byte(i), 0, 0, 0, 0, 0, 0, 0}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type sseClient struct {
	events chan string
	cancel context.CancelFunc
	status int
}

func openStream(t *testing.T, url string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("open stream: %v", err)
	}
	c := &sseClient{events: make(chan string, 64), cancel: cancel, status: resp.StatusCode}
	t.Cleanup(cancel)
	go func() {
		defer close(c.events)
		defer resp.Body.Close()
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
			case strings.HasPrefix(line, "data: "):
				c.events <- strings.TrimPrefix(line, "data: ")
			default:
				c.events <- "MALFORMED " + line
			}
		}
	}()
	return c
}

func (c *sseClient) next(t *testing.T) string {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		if !ok {
			t.Fatal("stream closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return ""
}

func (c *sseClient) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		if ok {
			t.Fatalf("expected end of stream, got %s", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestListenWhileIdle(t *testing.T) {
	model := &scriptedModel{}
	f := newFixture(t, model)

	c := openStream(t, f.url)
	if ev := c.next(t); ev != `{"text":""}` {
		t.Fatalf("unexpected idle event %s", ev)
	}
	c.expectClosed(t)

	if opened, _ := f.actx.counts(); opened != 0 {
		t.Fatal("idle listen must not open the device")
	}
	if model.created.Load() != 0 {
		t.Fatal("idle listen must not construct a recognizer")
	}
	if f.ctrl.Recording() {
		t.Fatal("idle listen must not start capture")
	}
}

func TestListenStreamsPartialAndFinal(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, &scriptedModel{finals: map[int]bool{2: true}}, obs)
	f.ctrl.Start()

	c := openStream(t, f.url)
	if ev := c.next(t); ev != `{"partial":"Listening..."}` {
		t.Fatalf("expected listening event, got %s", ev)
	}
	f.waitAttached(t)
	for i := 1; i <= 3; i++ {
		f.actx.feed(f.block(i))
	}

	want := []string{
		`{"partial":"frame 1"}`,
		`{"text":"utterance 2","result":[{"conf":1}]}`,
		`{"partial":"frame 3"}`,
	}
	for _, w := range want {
		if ev := c.next(t); ev != w {
			t.Fatalf("got %s want %s", ev, w)
		}
	}

	f.ctrl.Stop()
	if ev := c.next(t); ev != `{"text":"[STOPPED]"}` {
		t.Fatalf("expected stopped event, got %s", ev)
	}
	c.expectClosed(t)

	waitFor(t, func() bool { return !f.pipeline.Listening() })
	if _, active := f.actx.counts(); active != 0 {
		t.Fatal("device must be closed after the session")
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 1 || len(obs.ended) != 1 || len(obs.results) != 3 {
		t.Fatalf("unexpected observer calls: %d started, %d results, %d ended", len(obs.started), len(obs.results), len(obs.ended))
	}
	sum := obs.ended[0]
	if sum.Reason != ReasonStopped || sum.Frames != 3 || sum.Partials != 2 || sum.Finals != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestListenKeepAliveWithoutAudio(t *testing.T) {
	f := newFixture(t, &scriptedModel{})
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	f.waitAttached(t)

	select {
	case ev, ok := <-c.events:
		if !ok {
			t.Fatal("connection dropped while waiting for audio")
		}
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if !f.pipeline.Listening() {
		t.Fatal("session should still be active")
	}

	f.ctrl.Stop()
	if ev := c.next(t); ev != `{"text":"[STOPPED]"}` {
		t.Fatalf("expected stopped event, got %s", ev)
	}
	c.expectClosed(t)
}

func TestListenRecognizerError(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, &scriptedModel{failAt: 2}, obs)
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	f.waitAttached(t)
	f.actx.feed(f.block(1))
	f.actx.feed(f.block(2))

	if ev := c.next(t); ev != `{"partial":"frame 1"}` {
		t.Fatalf("unexpected event %s", ev)
	}
	if ev := c.next(t); ev != `{"error":"Streaming Error: decoder crashed"}` {
		t.Fatalf("expected error event, got %s", ev)
	}
	if ev := c.next(t); ev != `{"text":"[STOPPED]"}` {
		t.Fatalf("expected stopped event, got %s", ev)
	}
	c.expectClosed(t)

	waitFor(t, func() bool { _, active := f.actx.counts(); return active == 0 })
	if !f.ctrl.Recording() {
		t.Fatal("a stream error must not flip the global capture state")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.ended[0].Reason != ReasonError || obs.ended[0].Err == nil {
		t.Fatalf("unexpected summary %+v", obs.ended[0])
	}
}

func TestListenDeviceOpenFailure(t *testing.T) {
	f := newFixture(t, &scriptedModel{})
	f.actx.setFailOpen(errors.New("no microphone"))
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	ev := c.next(t)
	if !strings.HasPrefix(ev, `{"error":"Streaming Error: `) || !strings.Contains(ev, "no microphone") {
		t.Fatalf("expected error event, got %s", ev)
	}
	if ev := c.next(t); ev != `{"text":"[STOPPED]"}` {
		t.Fatalf("expected stopped event, got %s", ev)
	}
	c.expectClosed(t)
}

func TestListenClientDisconnect(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, &scriptedModel{}, obs)
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	f.waitAttached(t)
	c.cancel()

	waitFor(t, func() bool { return !f.pipeline.Listening() })
	if _, active := f.actx.counts(); active != 0 {
		t.Fatal("device must be released when the client goes away")
	}
	if !f.ctrl.Recording() {
		t.Fatal("disconnect must not change the global capture state")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.ended) != 1 || obs.ended[0].Reason != ReasonDisconnect {
		t.Fatalf("unexpected summaries %+v", obs.ended)
	}
}

func TestListenRejectsSecondClient(t *testing.T) {
	f := newFixture(t, &scriptedModel{})
	f.ctrl.Start()

	first := openStream(t, f.url)
	first.next(t)
	f.waitAttached(t)

	rec := httptest.NewRecorder()
	if err := f.pipeline.Listen(context.Background(), NewEmitter(rec)); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("rejected listener must not receive events")
	}

	second := openStream(t, f.url)
	if second.status != http.StatusConflict {
		t.Fatalf("expected 409 for second client, got %d", second.status)
	}

	// the first session keeps running
	f.actx.feed(f.block(1))
	if ev := first.next(t); ev != `{"partial":"frame 1"}` {
		t.Fatalf("unexpected event %s", ev)
	}
}

func TestListenOrdersManyFrames(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, &scriptedModel{}, obs)
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	f.waitAttached(t)
	const n = 20
	for i := 1; i <= n; i++ {
		f.actx.feed(f.block(i))
	}
	for i := 1; i <= n; i++ {
		want := fmt.Sprintf(`{"partial":"frame %d"}`, i)
		if ev := c.next(t); ev != want {
			t.Fatalf("got %s want %s", ev, want)
		}
	}
}

func TestListenDeviceStopEndsSession(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, &scriptedModel{}, obs)
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	f.waitAttached(t)
	f.actx.status(audio.ErrDeviceStopped)

	if ev := c.next(t); ev != `{"error":"Streaming Error: capture device stopped unexpectedly"}` {
		t.Fatalf("expected error event, got %s", ev)
	}
	if ev := c.next(t); ev != `{"text":"[STOPPED]"}` {
		t.Fatalf("expected stopped event, got %s", ev)
	}
	c.expectClosed(t)

	waitFor(t, func() bool { return !f.pipeline.Listening() })
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.ended[0].Reason != ReasonError || !errors.Is(obs.ended[0].Err, audio.ErrDeviceStopped) {
		t.Fatalf("unexpected summary %+v", obs.ended[0])
	}
}

func TestListenStopInterruptsSlowRecognizer(t *testing.T) {
	script := filepath.Join(t.TempDir(), "slow.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 3\necho '{}'\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	model, err := stt.NewExecModel(config.STTConfig{Mode: "exec", Command: script, SegmentMS: 1})
	if err != nil {
		t.Fatalf("exec model: %v", err)
	}
	obs := &recordingObserver{}
	f := newFixture(t, model, obs)
	f.ctrl.Start()

	c := openStream(t, f.url)
	c.next(t)
	f.waitAttached(t)
	// one 1ms segment is 32 bytes: the fourth frame starts the command
	for i := 1; i <= 4; i++ {
		f.actx.feed(f.block(i))
	}
	for i := 1; i <= 3; i++ {
		if ev := c.next(t); ev != `{"partial":""}` {
			t.Fatalf("unexpected event %s", ev)
		}
	}
	time.Sleep(100 * time.Millisecond)

	stoppedAt := time.Now()
	f.ctrl.Stop()
	if ev := c.next(t); ev != `{"text":"[STOPPED]"}` {
		t.Fatalf("expected stopped event right after stop, got %s", ev)
	}
	if latency := time.Since(stoppedAt); latency > 100*time.Millisecond {
		t.Fatalf("stopped event took %s", latency)
	}
	c.expectClosed(t)

	waitFor(t, func() bool { return !f.pipeline.Listening() })
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.ended[0].Reason != ReasonStopped || obs.ended[0].Finals != 0 {
		t.Fatalf("expected no final after stop, got %+v", obs.ended[0])
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestListenLogsSessionStats(t *testing.T) {
	logs := &lockedBuffer{}
	log := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	buf := capture.NewBuffer(2)
	ctrl := NewController(buf, log)
	actx := &manualContext{}
	src := capture.NewSource(actx, nil, audio.CaptureConfig{SampleRate: 16000, Channels: 1, BlockSize: 4}, buf, ctrl, log)
	p := NewPipeline(ctrl, buf, src, &scriptedModel{}, Options{SampleRate: 16000, PopTimeout: 10 * time.Millisecond}, log)
	ctrl.Start()

	done := make(chan error, 1)
	rec := httptest.NewRecorder()
	go func() { done <- p.Listen(context.Background(), NewEmitter(rec)) }()
	waitFor(t, func() bool { _, active := actx.counts(); return active == 1 })
	ctrl.Stop()
	if err := <-done; err != nil {
		t.Fatalf("listen: %v", err)
	}

	out := logs.String()
	for _, want := range []string{`"msg":"listen session ended"`, `"events_sent":2`, `"buffer_capacity":2`, `"frames_dropped":0`} {
		if !strings.Contains(out, want) {
			t.Fatalf("session log missing %s:\n%s", want, out)
		}
	}
}
