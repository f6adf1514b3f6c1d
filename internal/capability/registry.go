package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-piper/internal/bus"
	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Voice is one synthesis voice a node can serve.
type Voice struct {
	Model      string `json:"model"`
	SampleRate int    `json:"sample_rate"`
	Mode       string `json:"mode,omitempty"`
	Policy     string `json:"policy,omitempty"`
}

type NodeInfo struct {
	ID       string    `json:"id"`
	Voices   []Voice   `json:"voices"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID    string    `json:"node_id"`
	Voices    []Voice   `json:"voices"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local voices on the bus and tracks which synthesis
// nodes are alive.
type Registry struct {
	cfg        config.NodeConfig
	voices     []Voice
	log        *slog.Logger
	bus        *bus.Client
	mu         sync.RWMutex
	nodes      map[string]*NodeInfo
	heartbeat  *time.Ticker
	cancel     context.CancelFunc
	subs       []*nats.Subscription
	meter      metric.Meter
	nodeGauge  metric.Int64ObservableGauge
	voiceGauge metric.Int64ObservableGauge
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, voices []Voice, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if cfg.HeartbeatIntervalMS <= 0 {
		cfg.HeartbeatIntervalMS = 5000
	}
	if cfg.HeartbeatTimeoutMS <= 0 {
		cfg.HeartbeatTimeoutMS = 3 * cfg.HeartbeatIntervalMS
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		voices: append([]Voice(nil), voices...),
		log:    log.With(slog.String("component", "voice-registry"), slog.String("node_id", cfg.ID)),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-piper/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.evaluateHealth(now)
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:    r.cfg.ID,
		Voices:    r.voices,
		Timestamp: time.Now().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Voices, msg.Timestamp)
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Timestamp: time.Now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeat+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Voices, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, voices []Voice, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(voices) > 0 {
		node.Voices = append([]Voice(nil), voices...)
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	for id, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout && node.Healthy {
			node.Healthy = false
			r.log.Info("node missed heartbeats", slog.String("node", id))
		}
	}
}

// Healthy reports whether the local node's own heartbeats are arriving.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns known nodes matching filter, ordered by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		info.Voices = append([]Voice(nil), node.Voices...)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("tts.nodes", metric.WithDescription("Number of known synthesis nodes"))
	if err != nil {
		return err
	}
	voiceGauge, err := r.meter.Int64ObservableGauge("tts.voices", metric.WithDescription("Voices advertised by healthy nodes"))
	if err != nil {
		return err
	}
	r.nodeGauge = gauge
	r.voiceGauge = voiceGauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes, voices := r.snapshotCounts()
		obs.ObserveInt64(gauge, nodes)
		obs.ObserveInt64(voiceGauge, voices)
		return nil
	}, gauge, voiceGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes, voices int64
	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			voices += int64(len(node.Voices))
		}
	}
	return nodes, voices
}

func (r *Registry) LocalVoices() []Voice {
	return append([]Voice(nil), r.voices...)
}

// WithModel matches nodes serving the named model.
func WithModel(model string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, v := range node.Voices {
			if v.Model == model {
				return true
			}
		}
		return false
	}
}

// WithSampleRate matches nodes with a voice at the given rate.
func WithSampleRate(rate int) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, v := range node.Voices {
			if v.SampleRate == rate {
				return true
			}
		}
		return false
	}
}

// HealthyOnly matches nodes whose heartbeats are current.
func HealthyOnly(node NodeInfo) bool { return node.Healthy }
