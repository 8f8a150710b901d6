package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// StatsFunc reports the local pipeline state carried in heartbeats.
type StatsFunc func() protocol.StatsReply

// Registry announces this narrator process on the bus and tracks its peers.
type Registry struct {
	cfg      config.NodeConfig
	log      *slog.Logger
	bus      *bus.Client
	backends []protocol.Backend
	stats    StatsFunc
	clock    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*protocol.Node

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription
	registration metric.Registration
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, backends []protocol.Backend, stats StatsFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "presence-registry")),
		bus:      busClient,
		backends: backends,
		stats:    stats,
		clock:    time.Now,
		nodes:    make(map[string]*protocol.Node),
		cancel:   cancel,
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-narrator/presence")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
	if r.registration != nil {
		if err := r.registration.Unregister(); err != nil {
			r.log.Warn("failed to unregister metrics", slog.String("error", err.Error()))
		}
		r.registration = nil
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectNodeAnnounce, r.handleAnnounce},
		{protocol.SubjectNodeHeartbeat + ".*", r.handleHeartbeat},
		{protocol.SubjectNodes, r.handleNodes},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:    r.cfg.ID,
		Backends:  r.backends,
		Timestamp: r.clock().UTC(),
	}
	r.updateNode(msg.NodeID, msg.Backends, nil, msg.Timestamp)
	return r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg)
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Timestamp: r.clock().UTC(),
	}
	if r.stats != nil {
		msg.Stats = r.stats()
	}
	return r.bus.PublishJSON(protocol.NodeHeartbeatSubject(r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	r.updateNode(a.NodeID, a.Backends, nil, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, nil, &hb.Stats, hb.Timestamp)
}

func (r *Registry) handleNodes(msg *nats.Msg) {
	var req protocol.NodesRequest
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &req)
	}
	data, err := json.Marshal(protocol.NodesReply{
		Reply: protocol.Reply{RequestID: req.RequestID},
		Nodes: r.Nodes(),
	})
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		r.log.Warn("failed to answer nodes request", slog.String("error", err.Error()))
	}
}

func (r *Registry) updateNode(nodeID string, backends []protocol.Backend, stats *protocol.StatsReply, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &protocol.Node{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(backends) > 0 {
		node.Backends = backends
	}
	if stats != nil {
		node.Stats = *stats
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, node := range r.nodes {
		if id == r.cfg.ID {
			continue
		}
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Nodes returns every known node sorted by id.
func (r *Registry) Nodes() []protocol.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	known, err := meter.Int64ObservableGauge("narrator.nodes.known", metric.WithDescription("Narrator processes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("narrator.nodes.healthy", metric.WithDescription("Narrator processes with a recent heartbeat"))
	if err != nil {
		return err
	}
	r.registration, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var total, up int64
		for _, n := range r.Nodes() {
			total++
			if n.Healthy {
				up++
			}
		}
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, known, healthy)
	return err
}
