package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/journal"
	"github.com/loqalabs/loqa-piper/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-piper/tts"

// Service exposes a Synthesizer on the bus. Requests are queued and handled
// by a single worker, so sessions never overlap.
type Service struct {
	cfg     config.TTSConfig
	bus     *bus.Client
	synth   *Synthesizer
	journal *journal.Store
	subs    []*nats.Subscription
	queue   chan protocol.TTSRequest
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics serviceMetrics
}

type serviceMetrics struct {
	requests     metric.Int64Counter
	chunks       metric.Int64Counter
	audioSeconds metric.Float64Counter
	duration     metric.Float64Histogram
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, synth *Synthesizer, store *journal.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Service{
		cfg:     cfg,
		bus:     busClient,
		synth:   synth,
		journal: store,
		queue:   make(chan protocol.TTSRequest, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-service")),
		tracer:  otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Service) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var errs []error
	var err error
	s.metrics.requests, err = meter.Int64Counter("tts.requests", metric.WithDescription("Synthesis requests by outcome"))
	errs = append(errs, err)
	s.metrics.chunks, err = meter.Int64Counter("tts.chunks", metric.WithDescription("Audio chunks published"))
	errs = append(errs, err)
	s.metrics.audioSeconds, err = meter.Float64Counter("tts.audio_seconds", metric.WithUnit("s"), metric.WithDescription("Seconds of audio synthesized"))
	errs = append(errs, err)
	s.metrics.duration, err = meter.Float64Histogram("tts.request.duration", metric.WithUnit("s"), metric.WithDescription("Wall time per request"))
	errs = append(errs, err)
	return errors.Join(errs...)
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	sub, err := conn.Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
	}
	s.subs = append(s.subs, sub)
	sub, err = conn.Subscribe(protocol.SubjectTTSOptions, s.handleOptions)
	if err != nil {
		return fmt.Errorf("subscribe tts options: %w", err)
	}
	s.subs = append(s.subs, sub)

	s.wg.Add(1)
	go s.run()
	return nil
}

// Close stops accepting requests, abandons queued ones and waits for the
// request in progress to finish its current pull.
func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (len(s.subs) > 0 && !s.synth.Disposed())
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		return
	}
	select {
	case s.queue <- req:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("tts queue full, rejecting request", slog.String("session_id", req.SessionID))
		s.publishStatus(req, 0, errors.New("tts queue full"))
	}
}

func (s *Service) handleOptions(msg *nats.Msg) {
	var resp protocol.TTSOptions
	opts, err := s.synth.DefaultOptions()
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp = protocol.TTSOptions{
			SpeakerID:   opts.SpeakerID,
			LengthScale: opts.LengthScale,
			NoiseScale:  opts.NoiseScale,
			NoiseWScale: opts.NoiseWScale,
			SampleRate:  s.synth.SampleRate(),
		}
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal tts options", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond with tts options", slogError(err))
	}
}

func (s *Service) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			s.process(req)
		}
	}
}

// resolveOptions layers configured overrides and then request overrides on
// top of the model defaults.
func (s *Service) resolveOptions(overrides map[string]any) (Options, error) {
	defaults, err := s.synth.DefaultOptions()
	if err != nil {
		return Options{}, err
	}
	base := ResolveOptions(defaults, s.cfg.Options)
	if s.cfg.StrictOptions {
		opts, err := ResolveOptionsStrict(base, overrides)
		if err != nil {
			return Options{}, newError(ErrSynthesisStart, "resolve options", err)
		}
		return opts, nil
	}
	return ResolveOptions(base, overrides), nil
}

func (s *Service) process(req protocol.TTSRequest) {
	timeout := time.Duration(s.cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	attrs := []attribute.KeyValue{
		attribute.String("tts.session_id", req.SessionID),
		attribute.Int("tts.text_length", len(req.Text)),
	}
	if req.TraceID != "" {
		attrs = append(attrs, attribute.String("tts.trace_id", req.TraceID))
	}
	ctx, span := s.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	chunks, err := s.stream(ctx, req)
	outcome := "completed"
	if err != nil {
		outcome = Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("tts synthesis error", slog.String("session_id", req.SessionID), slogError(err))
	} else {
		s.logger.Info("tts synthesis complete",
			slog.String("session_id", req.SessionID),
			slog.Int("chunks", chunks),
			slog.Duration("latency", time.Since(start)))
	}
	span.SetAttributes(attribute.Int("tts.chunks", chunks))
	s.record(ctx, outcome, time.Since(start))
	s.publishStatus(req, chunks, err)
}

func (s *Service) stream(ctx context.Context, req protocol.TTSRequest) (int, error) {
	opts, err := s.resolveOptions(req.Options)
	if err != nil {
		return 0, err
	}
	sess, err := s.synth.Start(req.Text, opts)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	journalID := uuid.NewString()
	if optsJSON, err := json.Marshal(opts.Map()); err == nil {
		if err := s.journal.RecordStart(ctx, journal.Session{
			SessionID:  journalID,
			RequestID:  req.SessionID,
			TextLength: len(req.Text),
			Options:    optsJSON,
		}); err != nil {
			s.logger.Warn("journal start failed", slogError(err))
		}
	}

	sequence := 0
	finish := func(cause error) (int, error) {
		if err := s.journal.RecordFinish(context.WithoutCancel(ctx), journalID, sequence, cause); err != nil {
			s.logger.Warn("journal finish failed", slogError(err))
		}
		return sequence, cause
	}

	for {
		if err := ctx.Err(); err != nil {
			sess.Close()
			return finish(fmt.Errorf("tts synthesis cancelled: %w", err))
		}
		chunk, err := sess.Next()
		if errors.Is(err, io.EOF) {
			return finish(nil)
		}
		if err != nil {
			return finish(err)
		}
		s.publishChunk(req, sequence, chunk)
		if s.metrics.chunks != nil {
			s.metrics.chunks.Add(ctx, 1)
		}
		if s.metrics.audioSeconds != nil {
			s.metrics.audioSeconds.Add(ctx, chunk.Duration().Seconds())
		}
		if err := s.journal.RecordChunk(ctx, journalID, sequence, len(chunk.Samples), chunkMetadata(chunk)); err != nil {
			s.logger.Warn("journal chunk failed", slogError(err))
		}
		sequence++
	}
}

func (s *Service) record(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	ctx = context.WithoutCancel(ctx)
	if s.metrics.requests != nil {
		s.metrics.requests.Add(ctx, 1, attrs)
	}
	if s.metrics.duration != nil {
		s.metrics.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func chunkMetadata(chunk Chunk) []byte {
	if !chunk.HasPhonemes() && chunk.PhonemeIDs == nil && chunk.Alignments == nil {
		return nil
	}
	data, err := json.Marshal(struct {
		Phonemes   string  `json:"phonemes,omitempty"`
		PhonemeIDs []int32 `json:"phoneme_ids,omitempty"`
		Alignments []int32 `json:"alignments,omitempty"`
	}{string(chunk.Phonemes), chunk.PhonemeIDs, chunk.Alignments})
	if err != nil {
		return nil
	}
	return data
}

func (s *Service) publishChunk(req protocol.TTSRequest, sequence int, chunk Chunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		Target:     req.Target,
		Sequence:   sequence,
		SampleRate: chunk.SampleRate,
		Channels:   1,
		PCM:        chunk.PCM16(),
		Final:      chunk.IsLast,
		Phonemes:   chunk.Phonemes,
		PhonemeIDs: chunk.PhonemeIDs,
		Alignments: chunk.Alignments,
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		s.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.TTSRequest, chunks int, cause error) {
	status := protocol.TTSStatus{
		SessionID: req.SessionID,
		Target:    req.Target,
		Completed: cause == nil,
		Chunks:    chunks,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.ErrorKind = Kind(cause)
		status.Error = cause.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		s.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
