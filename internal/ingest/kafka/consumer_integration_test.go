package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"stockflow/internal/broker"
	"stockflow/internal/domain"
	"stockflow/internal/publish"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureSink) Handle(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestRedpandaRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	addr := fmt.Sprintf("%s:%s", host, port.Port())

	var topics []string
	for _, et := range domain.AllEventTypes() {
		topics = append(topics, et.Topic())
	}
	mgr, err := broker.NewManager(broker.Config{
		Brokers:       []string{addr},
		Topics:        topics,
		Notifications: broker.GroupConfig{GroupID: "notifications-it"},
		Analytics:     broker.GroupConfig{GroupID: "analytics-it"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer mgr.Shutdown(ctx)

	setupCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := mgr.InitializeTopics(setupCtx); err != nil {
		t.Fatalf("initialize topics: %v", err)
	}

	worker := publish.NewWorker(mgr, zerolog.Nop())
	created := domain.NewEvent("s1", domain.ProductCreated{Product: domain.Product{ID: "p1", Name: "widget", Price: 2, Quantity: 4, Category: "tools"}})
	low := domain.NewEvent("s1", domain.LowStockWarning{ProductID: "p1", ProductName: "widget", Quantity: 1, Threshold: 5})
	if err := worker.SendBatch(setupCtx, domain.ProductCreatedType, []domain.Event{created}); err != nil {
		t.Fatalf("transactional send: %v", err)
	}
	if err := worker.SendBatch(setupCtx, domain.LowStockWarningType, []domain.Event{low}); err != nil {
		t.Fatalf("send: %v", err)
	}

	cl, err := mgr.Consumer(setupCtx)
	if err != nil {
		t.Fatalf("consumer client: %v", err)
	}
	sink := &captureSink{}
	c, err := NewConsumer(Config{Name: "notifications", Mode: ModePerMessage}, cl, sink, newMemDedup(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}

	consumeCtx, stop := context.WithTimeout(ctx, 15*time.Second)
	defer stop()
	go func() { _ = c.Run(consumeCtx) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out, consumed %d events", sink.len())
		case <-ticker.C:
			if sink.len() >= 2 {
				return
			}
		}
	}
}
