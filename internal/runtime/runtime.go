package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/bus"
	"github.com/loqalabs/loqa-live/internal/capture"
	"github.com/loqalabs/loqa-live/internal/config"
	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/natsserver"
	"github.com/loqalabs/loqa-live/internal/protocol"
	"github.com/loqalabs/loqa-live/internal/stream"
	"github.com/loqalabs/loqa-live/internal/stt"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	model    stt.Model
	audio    audio.Context
	buffer   *capture.Buffer
	ctrl     *stream.Controller
	pipeline *stream.Pipeline
	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	control  *bus.ControlService
	presence *bus.Presence

	listener       net.Listener
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP until ctx is cancelled and then
// shuts down in reverse order. A missing acoustic model aborts startup with
// an error wrapping stt.ErrModelNotFound.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if err := r.init(ctx); err != nil {
		r.close()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.close()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.metricsServer != nil {
		g.Go(func() error {
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.shutdownServers()
		return nil
	})

	// The port is bound, so ready never precedes the listener.
	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	err = g.Wait()
	r.ready.Store(false)
	r.close()
	return err
}

// Addr is the bound HTTP address once the runtime is ready, nil before.
func (r *Runtime) Addr() net.Addr {
	if !r.ready.Load() {
		return nil
	}
	return r.listener.Addr()
}

// Ready reports whether the HTTP listener is bound and every component is up.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

func (r *Runtime) init(ctx context.Context) error {
	model, err := stt.LoadModel(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	r.model = model

	actx, err := newAudioContext(r.cfg.Capture)
	if err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	r.audio = actx

	device, err := audio.FindDevice(actx, r.cfg.Capture.DeviceID)
	if err != nil {
		return err
	}

	r.buffer = capture.NewBuffer(r.cfg.Capture.BufferFrames)
	r.ctrl = stream.NewController(r.buffer, r.logger)
	source := capture.NewSource(actx, device, audio.CaptureConfig{
		SampleRate: uint32(r.cfg.Capture.SampleRate),
		Channels:   uint32(r.cfg.Capture.Channels),
		BlockSize:  uint32(r.cfg.Capture.BlockSize),
	}, r.buffer, r.ctrl, r.logger)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	observers := []stream.Observer{eventstore.NewJournal(store, r.logger)}

	if r.cfg.Bus.Enabled {
		publisher, err := r.startBus(ctx)
		if err != nil {
			return err
		}
		observers = append(observers, publisher)
	}

	r.pipeline = stream.NewPipeline(r.ctrl, r.buffer, source, r.model, stream.Options{
		SampleRate: r.cfg.Capture.SampleRate,
		PopTimeout: time.Duration(r.cfg.STT.PopTimeoutMS) * time.Millisecond,
		Observers:  observers,
	}, r.logger)
	return nil
}

func (r *Runtime) startBus(ctx context.Context) (*bus.TranscriptPublisher, error) {
	es, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return nil, err
	}
	r.nats = es

	busCfg := r.cfg.Bus
	if es != nil {
		busCfg.Servers = []string{es.ClientURL()}
	}
	client, err := bus.Connect(r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.bus = client

	r.control = bus.NewControlService(client, r.ctrl)
	if err := r.control.Start(); err != nil {
		return nil, err
	}

	r.presence = bus.NewPresence(client, r.cfg.Bus, r.ctrl, []protocol.Capability{{
		Name: "stt.stream",
		Attributes: map[string]string{
			"mode":        r.cfg.STT.Mode,
			"sample_rate": strconv.Itoa(r.cfg.Capture.SampleRate),
			"language":    r.cfg.STT.Language,
		},
	}})
	if err := r.presence.Start(ctx); err != nil {
		return nil, err
	}
	return bus.NewTranscriptPublisher(client), nil
}

func newAudioContext(cfg config.CaptureConfig) (audio.Context, error) {
	if cfg.Backend == "fake" {
		fake, err := audio.LoadFakeContext(cfg.FakeWAVPath, cfg.SampleRate, cfg.FakeRealtime)
		if err != nil {
			return nil, err
		}
		return fake, nil
	}
	return audio.NewContext()
}

// shutdownServers stops capture first so open listen sessions reach their
// terminal event before the HTTP server waits on them.
func (r *Runtime) shutdownServers() {
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	if r.ctrl != nil {
		r.ctrl.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) close() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.audio != nil {
		r.audio.Close()
	}
	if r.model != nil {
		r.model.Close()
	}
	if r.telemetryClose != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
