package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockflow/internal/aggregate"
	"stockflow/internal/broker"
	"stockflow/internal/config"
	"stockflow/internal/domain"
	"stockflow/internal/notify"
	"stockflow/internal/publish"
	"stockflow/internal/storage"
	"stockflow/internal/storage/sqlite"
)

type captureSender struct {
	mu   sync.Mutex
	sent []domain.Event
	err  error
}

func (c *captureSender) SendBatch(_ context.Context, _ domain.EventType, events []domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, events...)
	return nil
}

func (c *captureSender) events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.sent...)
}

type fakeBroker struct{ failed bool }

func (f fakeBroker) Status() map[broker.Role]broker.RoleStatus {
	return map[broker.Role]broker.RoleStatus{
		broker.RoleProducer: {State: broker.StateConnected, Connected: true, HasClient: true, Attempts: 1},
	}
}

func (f fakeBroker) Failed() bool { return f.failed }

type fakeDedup struct{}

func (fakeDedup) Enabled() bool     { return true }
func (fakeDedup) Connected() bool   { return false }
func (fakeDedup) FallbackSize() int { return 7 }

type fixture struct {
	srv    *httptest.Server
	sender *captureSender
	agg    *aggregate.Aggregator
	hub    *notify.Hub
	dlq    *sqlite.Store
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	f := &fixture{sender: &captureSender{}}

	pub := publish.NewPublisher(publish.Config{BatchSize: 1, BatchTimeout: 10 * time.Millisecond}, f.sender, nil, zerolog.Nop())
	t.Cleanup(func() { _ = pub.Close(context.Background()) })

	f.agg = aggregate.New(aggregate.Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.agg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.hub = notify.NewHub(time.Minute, zerolog.Nop())
	t.Cleanup(f.hub.Close)

	dlq, err := sqlite.NewStore(filepath.Join(t.TempDir(), "dlq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dlq.Close() })
	f.dlq = dlq

	if deps.Publisher == nil {
		deps.Publisher = pub
	}
	if deps.Broker == nil {
		deps.Broker = fakeBroker{}
	}
	deps.Dedup = fakeDedup{}
	deps.Analytics = f.agg
	deps.Stream = f.hub
	deps.DeadLetters = dlq

	s := New(config.ServerConfig{}, config.ScalingConfig{LagThreshold: 10, HighPriorityLagThreshold: 5, HighPriorityTopics: []string{"LowStockWarning"}}, deps, zerolog.Nop())
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Deps{})
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decodeBody(t, resp)["status"])
}

func TestReadyReflectsBrokerAndChecks(t *testing.T) {
	f := newFixture(t, Deps{})
	resp, err := http.Get(f.srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ready", body["status"])
	assert.Contains(t, body["checks"], "batchPublisher")

	failed := newFixture(t, Deps{Broker: fakeBroker{failed: true}})
	resp, err = http.Get(failed.srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()

	badCheck := newFixture(t, Deps{Checks: map[string]Check{
		"archive": func(context.Context) error { return errors.New("no such bucket") },
	}})
	resp, err = http.Get(badCheck.srv.URL + "/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "not ready", body["status"])
}

func TestSubmitEventPublishesAndFillsDefaults(t *testing.T) {
	f := newFixture(t, Deps{})
	resp := post(t, f.srv.URL+"/events", `{"type":"LowStockWarning","sellerId":"seller-1","productId":"p1","quantity":2,"threshold":10}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "published", body["status"])

	sent := f.sender.events()
	require.Len(t, sent, 1)
	assert.Equal(t, body["id"], sent[0].ID)
	assert.NotEmpty(t, sent[0].ID)
	assert.False(t, sent[0].OccurredAt.IsZero())
	assert.Equal(t, domain.LowStockWarningType, sent[0].Type)
}

func TestSubmitEventRejectsBadInput(t *testing.T) {
	f := newFixture(t, Deps{})
	for name, body := range map[string]string{
		"malformed":    `{"type":`,
		"null":         `null`,
		"unknown type": `{"type":"ProductRenamed","sellerId":"s"}`,
		"missing":      `{"type":"ProductDeleted","sellerId":"s"}`,
	} {
		resp := post(t, f.srv.URL+"/events", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		resp.Body.Close()
	}
	assert.Empty(t, f.sender.events())
}

func TestSubmitEventReportsBrokerFailure(t *testing.T) {
	f := newFixture(t, Deps{})
	f.sender.mu.Lock()
	f.sender.err = errors.New("broker unavailable")
	f.sender.mu.Unlock()

	resp := post(t, f.srv.URL+"/events", `{"type":"ProductDeleted","sellerId":"s","productId":"p1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "broker unavailable")
}

func TestMetricsJSON(t *testing.T) {
	f := newFixture(t, Deps{})
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	batch := body["batch"].(map[string]any)
	assert.EqualValues(t, 1, batch["batch_size_configured"])
	roles := body["broker"].(map[string]any)
	assert.Equal(t, "connected", roles["producer"].(map[string]any)["state"])
	assert.EqualValues(t, 7, body["dedup"].(map[string]any)["fallbackSize"])
	assert.EqualValues(t, 10, body["scaling"].(map[string]any)["lagThreshold"])
	assert.EqualValues(t, 0, body["deadLetters"])
	assert.Contains(t, body, "sse")
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t, Deps{})
	resp, err := http.Get(f.srv.URL + "/metrics/prometheus")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "stockflow_batch_pending_events")
}

func TestAnalyticsSnapshotAndReset(t *testing.T) {
	f := newFixture(t, Deps{})
	f.agg.Apply(domain.NewEvent("s", domain.ProductDeleted{ProductID: "p"}))
	require.Eventually(t, func() bool {
		st, err := f.agg.Snapshot(context.Background())
		return err == nil && st.TotalEvents == 1
	}, time.Second, 5*time.Millisecond)

	resp, err := http.Get(f.srv.URL + "/analytics")
	require.NoError(t, err)
	assert.EqualValues(t, 1, decodeBody(t, resp)["totalEvents"])

	resp = post(t, f.srv.URL+"/analytics/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, decodeBody(t, resp)["totalEvents"])
}

func TestDeadLetterRoutes(t *testing.T) {
	f := newFixture(t, Deps{})
	id, err := f.dlq.Put(context.Background(), storage.DeadLetter{
		Consumer: "analytics", Topic: "ProductCreated", Partition: 2, Offset: 41,
		Value: []byte(`{"type":"ProductCreated"`), Attempts: 5, LastError: "parse event",
	})
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/dead-letters?consumer=analytics")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["count"])
	first := body["deadLetters"].([]any)[0].(map[string]any)
	assert.Equal(t, `{"type":"ProductCreated"`, first["value"])

	resp, err = http.Get(f.srv.URL + "/dead-letters/" + strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.EqualValues(t, 41, decodeBody(t, resp)["offset"])

	resp, err = http.Get(f.srv.URL + "/dead-letters/999")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(f.srv.URL + "/dead-letters/abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServeShutdownClosesEventStreams(t *testing.T) {
	hub := notify.NewHub(time.Minute, zerolog.Nop())
	s := New(config.ServerConfig{ShutdownTimeout: 2 * time.Second}, config.ScalingConfig{}, Deps{Stream: hub}, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"connection"`)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	rest, _ := io.ReadAll(r)
	assert.Contains(t, string(rest), `"shutdown"`)
}
