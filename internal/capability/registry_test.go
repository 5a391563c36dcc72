package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-meditation/internal/bus"
	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "capability-test", cfg, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	client := connect(t)
	nodeCfg := func(id string) config.NodeConfig {
		return config.NodeConfig{ID: id, HeartbeatInterval: 50, HeartbeatTimeout: 500}
	}

	first, err := NewRegistry(context.Background(), nodeCfg("node-a"), Generator{Engine: "mock", SampleRate: 32000}, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(first.Close)
	second, err := NewRegistry(context.Background(), nodeCfg("node-b"), Generator{Engine: "http", SampleRate: 32000, GPT: "GPT_weights/a.ckpt"}, client, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(second.Close)

	if !first.Healthy() || !second.Healthy() {
		t.Fatal("registries should be healthy right after announcing")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		nodes := first.Nodes()
		if len(nodes) == 2 && nodes[1].ID == "node-b" && nodes[1].Generator.Engine == "http" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("node-a never learned about node-b: %+v", first.Nodes())
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatTimeout: 1000},
		nodes: make(map[string]*NodeInfo),
		now:   time.Now,
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.updateNode("self", &Generator{Engine: "mock"}, base)
	r.updateNode("peer", nil, base.Add(-5*time.Second))

	r.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	r.evaluateHealth()

	if !r.Healthy() {
		t.Fatal("self should still be healthy")
	}
	if got := r.healthyCount(); got != 1 {
		t.Fatalf("expected 1 healthy node, got %d", got)
	}
}
