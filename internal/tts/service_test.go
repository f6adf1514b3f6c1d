package tts

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/journal"
	"github.com/loqalabs/loqa-piper/internal/natsserver"
	"github.com/loqalabs/loqa-piper/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type serviceHarness struct {
	client *bus.Client
	audio  *nats.Subscription
	done   *nats.Subscription
}

func startService(t *testing.T, cfg config.TTSConfig, mock MockConfig) *serviceHarness {
	t.Helper()
	ctx := context.Background()
	logger := newLogger()

	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := journal.Open(ctx, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: "session",
		MaxSessions:   100,
	}, logger)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	synth := newMockSynth(t, mock)
	svc := NewService(ctx, cfg, client, synth, store, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should be healthy")
	}

	h := &serviceHarness{client: client}
	h.audio, err = client.Conn().SubscribeSync(protocol.SubjectTTSAudio)
	if err != nil {
		t.Fatalf("subscribe audio: %v", err)
	}
	h.done, err = client.Conn().SubscribeSync(protocol.SubjectTTSDone)
	if err != nil {
		t.Fatalf("subscribe done: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return h
}

func (h *serviceHarness) request(t *testing.T, req protocol.TTSRequest) protocol.TTSStatus {
	t.Helper()
	if err := h.client.PublishJSON(protocol.SubjectTTSRequest, req); err != nil {
		t.Fatalf("publish request: %v", err)
	}
	msg, err := h.done.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("wait for status: %v", err)
	}
	var status protocol.TTSStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func enabledConfig() config.TTSConfig {
	return config.TTSConfig{Enabled: true, Mode: "mock", RequestTimeoutMS: 5000, QueueSize: 4}
}

func TestServiceStreamsAudio(t *testing.T) {
	h := startService(t, enabledConfig(), MockConfig{})

	status := h.request(t, protocol.TTSRequest{SessionID: "req-1", Text: "Hello there. General Kenobi."})
	if !status.Completed || status.Chunks != 2 || status.Error != "" {
		t.Fatalf("unexpected status %+v", status)
	}

	for seq := 0; seq < 2; seq++ {
		msg, err := h.audio.NextMsg(time.Second)
		if err != nil {
			t.Fatalf("wait for chunk %d: %v", seq, err)
		}
		var chunk protocol.AudioChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if chunk.SessionID != "req-1" || chunk.Sequence != seq || chunk.Channels != 1 {
			t.Fatalf("unexpected chunk header %+v", chunk)
		}
		if chunk.SampleRate != DefaultSampleRate || len(chunk.PCM) == 0 || len(chunk.PCM)%2 != 0 {
			t.Fatalf("unexpected chunk audio: %d Hz, %d bytes", chunk.SampleRate, len(chunk.PCM))
		}
		if chunk.Final != (seq == 1) {
			t.Fatalf("chunk %d final=%v", seq, chunk.Final)
		}
		if len(chunk.Phonemes) == 0 || len(chunk.Alignments) != len(chunk.Phonemes) {
			t.Fatalf("missing alignment metadata on chunk %d", seq)
		}
	}
}

func TestServiceReportsFailures(t *testing.T) {
	h := startService(t, enabledConfig(), MockConfig{FailOnPull: 1})
	status := h.request(t, protocol.TTSRequest{SessionID: "req-2", Text: "Doomed."})
	if status.Completed || status.ErrorKind != "synthesis" {
		t.Fatalf("expected synthesis failure, got %+v", status)
	}
	// The worker must recover for the next request.
	status = h.request(t, protocol.TTSRequest{SessionID: "req-3", Text: ""})
	if !status.Completed || status.Chunks != 0 {
		t.Fatalf("expected empty completion, got %+v", status)
	}
}

func TestServiceStrictOptions(t *testing.T) {
	cfg := enabledConfig()
	cfg.StrictOptions = true
	h := startService(t, cfg, MockConfig{})

	status := h.request(t, protocol.TTSRequest{SessionID: "req-4", Text: "Hi.", Options: map[string]any{"pitch": 2}})
	if status.Completed || status.ErrorKind != "synthesis_start" {
		t.Fatalf("expected option rejection, got %+v", status)
	}
	status = h.request(t, protocol.TTSRequest{SessionID: "req-5", Text: "Hi.", Options: map[string]any{OptionSpeakerID: 1}})
	if !status.Completed {
		t.Fatalf("expected valid options to pass, got %+v", status)
	}
}

func TestServiceOptionsQuery(t *testing.T) {
	cfg := enabledConfig()
	h := startService(t, cfg, MockConfig{SampleRate: 24000})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp protocol.TTSOptions
	if err := h.client.RequestJSON(ctx, protocol.SubjectTTSOptions, struct{}{}, &resp); err != nil {
		t.Fatalf("options request: %v", err)
	}
	if resp.Error != "" || resp.SampleRate != 24000 || resp.LengthScale != DefaultLengthScale || resp.SpeakerID != 0 {
		t.Fatalf("unexpected options %+v", resp)
	}
}

func TestServiceConfiguredOptionsApply(t *testing.T) {
	cfg := enabledConfig()
	cfg.Options = map[string]any{OptionLengthScale: 2.0}
	h := startService(t, cfg, MockConfig{})

	status := h.request(t, protocol.TTSRequest{SessionID: "req-6", Text: "Slow."})
	if !status.Completed {
		t.Fatalf("unexpected status %+v", status)
	}
	msg, err := h.audio.NextMsg(time.Second)
	if err != nil {
		t.Fatalf("wait for chunk: %v", err)
	}
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	// "slow": 4 phonemes, 8 frames each at length scale 2, 256 samples a frame.
	if want := 4 * 8 * 256 * 2; len(chunk.PCM) != want {
		t.Fatalf("expected %d PCM bytes, got %d", want, len(chunk.PCM))
	}
	for _, a := range chunk.Alignments {
		if a != 8 {
			t.Fatalf("expected stretched alignments, got %v", chunk.Alignments)
		}
	}
}

func TestServiceTagsSpanWithTraceID(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	h := startService(t, enabledConfig(), MockConfig{})
	status := h.request(t, protocol.TTSRequest{SessionID: "req-7", TraceID: "trace-abc", Text: "Traced."})
	if !status.Completed {
		t.Fatalf("unexpected status %+v", status)
	}

	want := attribute.String("tts.trace_id", "trace-abc")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, span := range recorder.Ended() {
			if span.Name() != "tts.synthesize" {
				continue
			}
			for _, kv := range span.Attributes() {
				if kv == want {
					return
				}
			}
			t.Fatalf("span missing trace id: %v", span.Attributes())
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no tts.synthesize span recorded")
}
