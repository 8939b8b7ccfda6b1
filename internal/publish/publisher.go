package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stockflow/internal/domain"
	"stockflow/internal/metrics"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrPublisherClosed  = errors.New("publisher closed")
	ErrInvalidEvent     = errors.New("invalid event")
)

var flushed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Sender performs the broker send for one group of same-typed events.
// A non-nil error means none of the events were delivered.
type Sender interface {
	SendBatch(ctx context.Context, t domain.EventType, events []domain.Event) error
}

type ConnectionStatus interface {
	ProducerConnected() bool
}

type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxBatchSize int
	FlushTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 500 * time.Millisecond
	}
	if c.MaxBatchSize < c.BatchSize {
		c.MaxBatchSize = c.BatchSize
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 30 * time.Second
	}
}

type pendingEvent struct {
	event  domain.Event
	future *Future
}

// Publisher buffers events per type and hands them to a Sender when a batch
// fills up or the batch timeout expires. At most one flush timer is armed.
type Publisher struct {
	cfg    Config
	sender Sender
	conn   ConnectionStatus
	log    zerolog.Logger

	mu        sync.Mutex
	pending   []pendingEvent
	counts    map[domain.EventType]int
	timer     *time.Timer
	timerGen  uint64
	immediate bool
	closed    bool
	flushSeq  uint64
	inflight  map[uint64]chan struct{}
	// done channel of the most recently taken flush; each flush sends only
	// after its predecessor finished
	tail chan struct{}
}

func NewPublisher(cfg Config, sender Sender, conn ConnectionStatus, lg zerolog.Logger) *Publisher {
	cfg.withDefaults()
	return &Publisher{
		cfg:      cfg,
		sender:   sender,
		conn:     conn,
		log:      lg.With().Str("component", "publisher").Logger(),
		counts:   make(map[domain.EventType]int),
		inflight: make(map[uint64]chan struct{}),
	}
}

// Publish buffers ev. The returned future resolves after the batch holding ev
// has been accepted or rejected by the Sender.
func (p *Publisher) Publish(ev domain.Event) *Future {
	if !ev.Type.Valid() {
		return failedFuture(fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type))
	}
	if ev.Payload == nil || ev.Payload.EventType() != ev.Type {
		return failedFuture(fmt.Errorf("%w: payload does not match %s", ErrUnknownEventType, ev.Type))
	}
	if err := domain.Validate(ev); err != nil {
		return failedFuture(fmt.Errorf("%w: %w", ErrInvalidEvent, err))
	}

	f := newFuture()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return failedFuture(ErrPublisherClosed)
	}
	p.pending = append(p.pending, pendingEvent{event: ev, future: f})
	p.counts[ev.Type]++
	metrics.SetPendingEvents(len(p.pending))

	if p.counts[ev.Type] >= p.cfg.BatchSize || len(p.pending) >= p.cfg.MaxBatchSize {
		p.scheduleLocked(0, true)
	} else if p.timer == nil {
		p.scheduleLocked(p.cfg.BatchTimeout, false)
	}
	return f
}

// scheduleLocked arms the single flush timer. A size-triggered flush replaces a
// pending timeout and runs on its own goroutine so same-tick publishes coalesce.
func (p *Publisher) scheduleLocked(d time.Duration, immediate bool) {
	if immediate && p.immediate {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
	gen := p.timerGen
	p.immediate = immediate
	p.timer = time.AfterFunc(d, func() { p.onTimer(gen) })
}

func (p *Publisher) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timerGen++
	p.timer = nil
	p.immediate = false
}

func (p *Publisher) onTimer(gen uint64) {
	p.mu.Lock()
	if gen != p.timerGen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.immediate = false
	batch, id, prev := p.takeLocked()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	_ = p.send(ctx, batch, id, prev)
}

// takeLocked snapshots and clears the pending set, and links the new flush
// behind the previous one.
func (p *Publisher) takeLocked() ([]pendingEvent, uint64, <-chan struct{}) {
	batch := p.pending
	p.pending = nil
	clear(p.counts)
	metrics.SetPendingEvents(0)
	if len(batch) == 0 {
		return nil, 0, nil
	}
	prev := p.tail
	if prev == nil {
		prev = flushed
	}
	p.flushSeq++
	done := make(chan struct{})
	p.inflight[p.flushSeq] = done
	p.tail = done
	return batch, p.flushSeq, prev
}

// send waits for the previous flush before touching the Sender, so batches of
// one type reach the broker in the order they were taken.
func (p *Publisher) send(ctx context.Context, batch []pendingEvent, id uint64, prev <-chan struct{}) error {
	if len(batch) == 0 {
		return nil
	}
	defer p.finish(id, prev)

	select {
	case <-prev:
	case <-ctx.Done():
		err := fmt.Errorf("waiting for previous flush: %w", ctx.Err())
		resolveAll(batch, err)
		p.log.Error().Err(err).Int("events", len(batch)).Msg("flush abandoned")
		return err
	}

	var order []domain.EventType
	groups := make(map[domain.EventType][]pendingEvent)
	for _, pe := range batch {
		if _, ok := groups[pe.event.Type]; !ok {
			order = append(order, pe.event.Type)
		}
		groups[pe.event.Type] = append(groups[pe.event.Type], pe)
	}

	var errs []error
	for _, t := range order {
		if err := p.sendGroup(ctx, t, groups[t]); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// sendGroup delivers one type in chunks of at most MaxBatchSize. After a failed
// chunk the rest of the group is rejected unsent so per-type order holds.
func (p *Publisher) sendGroup(ctx context.Context, t domain.EventType, items []pendingEvent) error {
	var failed error
	for start := 0; start < len(items); start += p.cfg.MaxBatchSize {
		end := min(start+p.cfg.MaxBatchSize, len(items))
		chunk := items[start:end]
		if failed != nil {
			resolveAll(chunk, failed)
			metrics.RecordPublished(t.String(), "rejected", len(chunk))
			continue
		}

		events := make([]domain.Event, len(chunk))
		for i, pe := range chunk {
			events[i] = pe.event
		}
		began := time.Now()
		err := p.callSender(ctx, t, events)
		metrics.RecordFlush(t.String(), t.Critical(), len(chunk), time.Since(began))
		resolveAll(chunk, err)
		if err != nil {
			failed = err
			metrics.RecordPublished(t.String(), "failure", len(chunk))
			p.log.Error().Err(err).Str("type", t.String()).Int("events", len(chunk)).Msg("batch flush failed")
			continue
		}
		metrics.RecordPublished(t.String(), "success", len(chunk))
		p.log.Debug().Str("type", t.String()).Int("events", len(chunk)).Dur("took", time.Since(began)).Msg("batch flushed")
	}
	return failed
}

func (p *Publisher) callSender(ctx context.Context, t domain.EventType, events []domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	return p.sender.SendBatch(ctx, t, events)
}

func resolveAll(items []pendingEvent, err error) {
	for _, pe := range items {
		pe.future.resolve(err)
	}
}

// finish releases the flush's successors once its predecessor is done too,
// which keeps the chain ordered when a flush gave up waiting.
func (p *Publisher) finish(id uint64, prev <-chan struct{}) {
	release := func() {
		p.mu.Lock()
		if ch, ok := p.inflight[id]; ok {
			close(ch)
			delete(p.inflight, id)
		}
		p.mu.Unlock()
	}
	select {
	case <-prev:
		release()
	default:
		go func() {
			<-prev
			release()
		}()
	}
}

// ForceFlush sends everything buffered now and waits for flushes already in
// progress. Used on shutdown.
func (p *Publisher) ForceFlush(ctx context.Context) error {
	p.mu.Lock()
	p.cancelTimerLocked()
	batch, id, prev := p.takeLocked()
	var waits []chan struct{}
	for fid, ch := range p.inflight {
		if fid != id {
			waits = append(waits, ch)
		}
	}
	p.mu.Unlock()

	err := p.send(ctx, batch, id, prev)
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

// Close rejects further publishes and drains the buffer.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	err := p.ForceFlush(ctx)
	p.log.Info().Err(err).Msg("publisher closed")
	return err
}

type BatchStatus struct {
	PendingEvents     int                      `json:"pendingEvents"`
	PendingByType     map[domain.EventType]int `json:"pendingByType"`
	BatchSize         int                      `json:"batchSize"`
	BatchTimeout      int64                    `json:"batchTimeout"`
	MaxBatchSize      int                      `json:"maxBatchSize"`
	HasScheduledFlush bool                     `json:"hasScheduledFlush"`
}

func (p *Publisher) BatchStatus() BatchStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	byType := make(map[domain.EventType]int, len(p.counts))
	for t, n := range p.counts {
		byType[t] = n
	}
	return BatchStatus{
		PendingEvents:     len(p.pending),
		PendingByType:     byType,
		BatchSize:         p.cfg.BatchSize,
		BatchTimeout:      p.cfg.BatchTimeout.Milliseconds(),
		MaxBatchSize:      p.cfg.MaxBatchSize,
		HasScheduledFlush: p.timer != nil,
	}
}

type Metrics struct {
	PendingBatchMessages int   `json:"pending_batch_messages"`
	BatchSizeConfigured  int   `json:"batch_size_configured"`
	BatchTimeoutMS       int64 `json:"batch_timeout_ms"`
	MaxBatchSize         int   `json:"max_batch_size"`
	HasScheduledFlush    bool  `json:"has_scheduled_flush"`
	IsConnected          bool  `json:"is_connected"`
}

func (p *Publisher) Metrics() Metrics {
	st := p.BatchStatus()
	m := Metrics{
		PendingBatchMessages: st.PendingEvents,
		BatchSizeConfigured:  st.BatchSize,
		BatchTimeoutMS:       st.BatchTimeout,
		MaxBatchSize:         st.MaxBatchSize,
		HasScheduledFlush:    st.HasScheduledFlush,
	}
	if p.conn != nil {
		m.IsConnected = p.conn.ProducerConnected()
	}
	return m
}
