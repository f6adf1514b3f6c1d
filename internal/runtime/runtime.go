package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/capability"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/journal"
	"github.com/loqalabs/loqa-piper/internal/natsserver"
	"github.com/loqalabs/loqa-piper/internal/tts"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	journal    *journal.Store
	synth      *tts.Synthesizer
	tts        *tts.Service
	registry   *capability.Registry
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, blocks until ctx is done, then shuts
// them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.init(ctx); err != nil {
		r.shutdown()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/options", r.handleOptions)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if r.telemetry.metricsHandler != nil {
		mux.Handle("/metrics", r.telemetry.metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()
	return nil
}

func (r *Runtime) init(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if url := r.nats.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	r.synth, err = tts.FromConfig(r.cfg.TTS, r.logger)
	if err != nil {
		return err
	}
	r.tts = tts.NewService(ctx, r.cfg.TTS, r.bus, r.synth, r.journal, r.logger)
	if err := r.tts.Start(); err != nil {
		return err
	}

	nodeCfg := r.cfg.Node
	if nodeCfg.ID == "" {
		nodeCfg.ID = uuid.NewString()
	}
	voices := []capability.Voice{{
		Model:      filepath.Base(r.synth.Paths().Model),
		SampleRate: r.synth.SampleRate(),
		Mode:       r.cfg.TTS.Mode,
		Policy:     string(r.synth.Policy()),
	}}
	r.registry, err = capability.NewRegistry(ctx, nodeCfg, voices, r.bus, r.logger)
	if err != nil {
		return err
	}
	return nil
}

func (r *Runtime) shutdown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.synth != nil {
		r.synth.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.tts.Healthy() && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleOptions(w http.ResponseWriter, _ *http.Request) {
	opts, err := r.synth.DefaultOptions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(opts.Map())
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	filter := capability.HealthyOnly
	if req.URL.Query().Get("all") == "true" {
		filter = nil
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.registry.Query(filter))
}
