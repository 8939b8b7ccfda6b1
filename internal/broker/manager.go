package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"stockflow/internal/hashroute"
	"stockflow/internal/metrics"
)

type Role int

const (
	RoleProducer Role = iota
	RoleConsumer
	RoleAnalyticsConsumer
	RoleAdmin
)

var allRoles = []Role{RoleProducer, RoleConsumer, RoleAnalyticsConsumer, RoleAdmin}

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	case RoleAnalyticsConsumer:
		return "analytics_consumer"
	case RoleAdmin:
		return "admin"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

type State int

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrFailedAfterRetries = errors.New("broker connection failed after retries")
	ErrShuttingDown       = errors.New("broker manager is shutting down")
)

// ConnectError is terminal for its role.
type ConnectError struct {
	Role     Role
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s after %d attempts: %v", e.Role, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrFailedAfterRetries }

type Config struct {
	Brokers           []string
	ClientID          string
	TransactionalID   string
	Compression       bool
	Topics            []string
	Partitions        int32
	ReplicationFactor int16
	Notifications     GroupConfig
	Analytics         GroupConfig
	Fetch             FetchConfig
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	ConnectAttempts   int
	BackoffUnit       time.Duration
}

type GroupConfig struct {
	GroupID  string
	ClientID string
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.Partitions <= 0 {
		c.Partitions = 3
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ClientID == "" {
		c.ClientID = "api-service"
	}
	if c.TransactionalID == "" {
		c.TransactionalID = "api-service-transaction"
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 1 << 20
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = 100 * time.Millisecond
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("broker.brokers is required")
	}
	if c.Notifications.GroupID == "" || c.Analytics.GroupID == "" {
		return errors.New("broker consumer group ids are required")
	}
	if len(c.Topics) == 0 {
		return errors.New("broker.topics is required")
	}
	return nil
}

// Producers is the publish role: an idempotent client for plain sends and a
// transactional client for critical types.
type Producers struct {
	Idempotent    *kgo.Client
	Transactional *kgo.Client
}

type RoleStatus struct {
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
	HasClient bool   `json:"hasClient"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

type roleConn struct {
	state     State
	attempts  int
	err       error
	clients   []*kgo.Client
	producers *Producers
	admin     *kadm.Client
}

// Manager owns the broker clients of every role. Clients are created on first
// use; concurrent first callers share one connection attempt.
type Manager struct {
	cfg   Config
	log   zerolog.Logger
	extra []kgo.Opt

	mu     sync.RWMutex
	roles  map[Role]*roleConn
	closed bool
	flight singleflight.Group

	newClient func(...kgo.Opt) (*kgo.Client, error)
	ping      func(context.Context, *kgo.Client) error
	sleep     func(context.Context, time.Duration) error
}

func NewManager(cfg Config, lg zerolog.Logger, opts ...kgo.Opt) (*Manager, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		log:       lg.With().Str("component", "broker").Logger(),
		extra:     opts,
		roles:     make(map[Role]*roleConn, len(allRoles)),
		newClient: kgo.NewClient,
		ping:      func(ctx context.Context, cl *kgo.Client) error { return cl.Ping(ctx) },
		sleep:     sleepCtx,
	}
	for _, r := range allRoles {
		m.roles[r] = &roleConn{}
	}
	return m, nil
}

func (m *Manager) Producer(ctx context.Context) (*Producers, error) {
	rc, err := m.connect(ctx, RoleProducer)
	if err != nil {
		return nil, err
	}
	return rc.producers, nil
}

func (m *Manager) Consumer(ctx context.Context) (*kgo.Client, error) {
	rc, err := m.connect(ctx, RoleConsumer)
	if err != nil {
		return nil, err
	}
	return rc.clients[0], nil
}

func (m *Manager) AnalyticsConsumer(ctx context.Context) (*kgo.Client, error) {
	rc, err := m.connect(ctx, RoleAnalyticsConsumer)
	if err != nil {
		return nil, err
	}
	return rc.clients[0], nil
}

func (m *Manager) Admin(ctx context.Context) (*kadm.Client, error) {
	rc, err := m.connect(ctx, RoleAdmin)
	if err != nil {
		return nil, err
	}
	return rc.admin, nil
}

func (m *Manager) connect(ctx context.Context, role Role) (*roleConn, error) {
	m.mu.RLock()
	closed := m.closed
	rc := m.roles[role]
	state, err := rc.state, rc.err
	m.mu.RUnlock()
	if closed {
		return nil, ErrShuttingDown
	}
	switch state {
	case StateConnected:
		return rc, nil
	case StateFailed:
		return nil, err
	}

	v, err, _ := m.flight.Do(role.String(), func() (any, error) {
		return m.dial(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	return v.(*roleConn), nil
}

func (m *Manager) dial(ctx context.Context, role Role) (*roleConn, error) {
	m.mu.Lock()
	rc := m.roles[role]
	if rc.state == StateConnected {
		m.mu.Unlock()
		return rc, nil
	}
	if rc.state == StateFailed {
		m.mu.Unlock()
		return nil, rc.err
	}
	rc.state = StateConnecting
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		m.mu.Lock()
		rc.attempts = attempt
		m.mu.Unlock()

		clients, err := m.open(ctx, role)
		if err == nil {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.closed {
				closeAll(clients)
				rc.state = StateUninitialized
				return nil, ErrShuttingDown
			}
			m.install(rc, role, clients)
			rc.state = StateConnected
			rc.err = nil
			metrics.RecordConnectAttempt(role.String(), "success")
			m.log.Info().Str("role", role.String()).Int("attempt", attempt).Msg("broker role connected")
			return rc, nil
		}
		lastErr = err
		metrics.RecordConnectAttempt(role.String(), "failure")
		m.log.Warn().Err(err).Str("role", role.String()).Int("attempt", attempt).Int("max_attempts", m.cfg.ConnectAttempts).Msg("broker connect failed")

		if ctx.Err() != nil {
			m.mu.Lock()
			rc.state = StateUninitialized
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		if attempt == m.cfg.ConnectAttempts {
			break
		}
		if err := m.sleep(ctx, m.backoff(attempt)); err != nil {
			m.mu.Lock()
			rc.state = StateUninitialized
			m.mu.Unlock()
			return nil, err
		}
	}

	cerr := &ConnectError{Role: role, Attempts: m.cfg.ConnectAttempts, Err: lastErr}
	m.mu.Lock()
	rc.state = StateFailed
	rc.err = cerr
	m.mu.Unlock()
	m.log.Error().Err(cerr).Str("role", role.String()).Msg("broker role failed after retries")
	return nil, cerr
}

// backoff is 2^attempt units.
func (m *Manager) backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * m.cfg.BackoffUnit
}

func (m *Manager) open(ctx context.Context, role Role) ([]*kgo.Client, error) {
	var optSets [][]kgo.Opt
	switch role {
	case RoleProducer:
		optSets = [][]kgo.Opt{m.producerOpts(false), m.producerOpts(true)}
	case RoleConsumer:
		optSets = [][]kgo.Opt{m.consumerOpts(m.cfg.Notifications)}
	case RoleAnalyticsConsumer:
		optSets = [][]kgo.Opt{m.consumerOpts(m.cfg.Analytics)}
	case RoleAdmin:
		optSets = [][]kgo.Opt{m.baseOpts(m.cfg.ClientID + "-admin")}
	default:
		return nil, fmt.Errorf("unknown role %d", int(role))
	}

	clients := make([]*kgo.Client, 0, len(optSets))
	for _, opts := range optSets {
		cl, err := m.newClient(opts...)
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("new kafka client: %w", err)
		}
		clients = append(clients, cl)
		if err := m.ping(ctx, cl); err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("ping brokers: %w", err)
		}
	}
	return clients, nil
}

func (m *Manager) install(rc *roleConn, role Role, clients []*kgo.Client) {
	rc.clients = clients
	switch role {
	case RoleProducer:
		rc.producers = &Producers{Idempotent: clients[0], Transactional: clients[1]}
	case RoleAdmin:
		rc.admin = kadm.NewClient(clients[0])
	}
}

func (m *Manager) baseOpts(clientID string) []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(m.cfg.Brokers...)}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	return append(opts, m.extra...)
}

func (m *Manager) producerOpts(transactional bool) []kgo.Opt {
	opts := m.baseOpts(m.cfg.ClientID)
	opts = append(opts,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(kgo.SaramaHasher(hashroute.KeyHash))),
	)
	if m.cfg.Compression {
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	}
	if transactional {
		opts = append(opts, kgo.TransactionalID(m.cfg.TransactionalID))
	}
	return opts
}

func (m *Manager) consumerOpts(g GroupConfig) []kgo.Opt {
	opts := m.baseOpts(g.ClientID)
	return append(opts,
		kgo.ConsumerGroup(g.GroupID),
		kgo.ConsumeTopics(m.cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.FetchMinBytes(m.cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(m.cfg.Fetch.MaxBytes),
		kgo.FetchMaxWait(m.cfg.Fetch.MaxWait),
		kgo.SessionTimeout(m.cfg.SessionTimeout),
		kgo.HeartbeatInterval(m.cfg.HeartbeatInterval),
	)
}

// InitializeTopics creates one topic per event type. Existing topics count as success.
func (m *Manager) InitializeTopics(ctx context.Context) error {
	adm, err := m.Admin(ctx)
	if err != nil {
		return err
	}
	resps, err := adm.CreateTopics(ctx, m.cfg.Partitions, m.cfg.ReplicationFactor, nil, m.cfg.Topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	var errs []error
	for _, r := range resps.Sorted() {
		switch {
		case r.Err == nil:
			m.log.Info().Str("topic", r.Topic).Int32("partitions", m.cfg.Partitions).Msg("topic created")
		case errors.Is(r.Err, kerr.TopicAlreadyExists):
			m.log.Debug().Str("topic", r.Topic).Msg("topic already exists")
		default:
			errs = append(errs, fmt.Errorf("create topic %s: %w", r.Topic, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown releases every connected role in parallel. A role that fails to
// close cleanly is logged and does not hold up the others.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make(map[Role]*roleConn)
	for role, rc := range m.roles {
		if rc.state == StateConnected {
			live[role] = rc
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for role, rc := range live {
		g.Go(func() error {
			m.disconnect(ctx, role, rc)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info().Int("roles", len(live)).Msg("broker connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) disconnect(ctx context.Context, role Role, rc *roleConn) {
	if role == RoleProducer && rc.producers != nil {
		if err := rc.producers.Idempotent.Flush(ctx); err != nil {
			m.log.Warn().Err(err).Str("role", role.String()).Msg("flush before close failed")
		}
	}
	closeAll(rc.clients)

	m.mu.Lock()
	rc.state = StateUninitialized
	rc.clients = nil
	rc.producers = nil
	rc.admin = nil
	m.mu.Unlock()
	m.log.Debug().Str("role", role.String()).Msg("broker role disconnected")
}

// Status never dials.
func (m *Manager) Status() map[Role]RoleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Role]RoleStatus, len(m.roles))
	for role, rc := range m.roles {
		st := RoleStatus{
			State:     rc.state,
			Connected: rc.state == StateConnected,
			HasClient: len(rc.clients) > 0,
			Attempts:  rc.attempts,
		}
		if rc.err != nil {
			st.LastError = rc.err.Error()
		}
		out[role] = st
	}
	return out
}

func (m *Manager) ProducerConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[RoleProducer].state == StateConnected
}

// Failed reports whether any role reached its terminal failure state.
func (m *Manager) Failed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rc := range m.roles {
		if rc.state == StateFailed {
			return true
		}
	}
	return false
}

func closeAll(clients []*kgo.Client) {
	for _, cl := range clients {
		cl.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
