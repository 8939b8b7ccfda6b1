package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"stockflow/internal/dedup"
	"stockflow/internal/domain"
	"stockflow/internal/metrics"
	"stockflow/internal/storage"
)

const (
	ModePerMessage = "per_message"
	ModeBatch      = "batch"
)

// Sink handles one decoded event. It may be invoked more than once for the
// same event when dedup is bypassed.
type Sink interface {
	Handle(ctx context.Context, ev domain.Event) error
}

type SinkFunc func(ctx context.Context, ev domain.Event) error

func (f SinkFunc) Handle(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

// Deduper is the slice of dedup.Store the consumer needs.
type Deduper interface {
	Check(ctx context.Context, id string) dedup.Verdict
	MarkSeen(ctx context.Context, id string, ttl time.Duration)
}

type DeadLetterWriter interface {
	Put(ctx context.Context, dl storage.DeadLetter) (int64, error)
}

type Config struct {
	Name              string
	Mode              string
	MaxPollRecords    int
	HeartbeatInterval time.Duration
	DedupTTL          time.Duration
	// MaxAttempts failures park a message in the dead-letter store. Zero retries forever.
	MaxAttempts int
}

func (c *Config) withDefaults() {
	if c.Name == "" {
		c.Name = "consumer"
	}
	if c.Mode == "" {
		c.Mode = ModeBatch
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePerMessage, ModeBatch:
		return nil
	}
	return fmt.Errorf("unsupported consumer mode %q", c.Mode)
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeDuplicate
	outcomeDeadLettered
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeProcessed:
		return "processed"
	case outcomeDuplicate:
		return "duplicate"
	case outcomeDeadLettered:
		return "dead_lettered"
	}
	return "failed"
}

// Consumer pulls records from one consumer group, filters them through the
// dedup store, runs the sink and commits only what was handled.
type Consumer struct {
	cfg   Config
	sink  Sink
	dedup Deduper
	dlq   DeadLetterWriter
	log   zerolog.Logger

	// retries per message identity, cleared once the message is handled
	attempts map[string]int

	poll           func(context.Context) ([]*kgo.Record, error)
	commit         func(context.Context, CommitBatch) error
	allowRebalance func()
	heartbeat      func()
	now            func() time.Time
}

// NewConsumer runs over cl, which must be a group client with auto-commit
// disabled and rebalances blocked on poll (see broker.Manager).
func NewConsumer(cfg Config, cl *kgo.Client, sink Sink, dd Deduper, dlq DeadLetterWriter, lg zerolog.Logger) (*Consumer, error) {
	c, err := newConsumer(cfg, sink, dd, dlq, lg)
	if err != nil {
		return nil, err
	}
	committer := &kgoCommitter{cl: cl}
	c.poll = func(ctx context.Context) ([]*kgo.Record, error) { return pollRecords(ctx, cl, c.cfg.MaxPollRecords, c.log) }
	c.commit = committer.Commit
	c.allowRebalance = cl.AllowRebalance
	return c, nil
}

func newConsumer(cfg Config, sink Sink, dd Deduper, dlq DeadLetterWriter, lg zerolog.Logger) (*Consumer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("consumer sink is required")
	}
	if dd == nil {
		return nil, errors.New("consumer dedup store is required")
	}
	c := &Consumer{
		cfg:            cfg,
		sink:           sink,
		dedup:          dd,
		dlq:            dlq,
		log:            lg.With().Str("component", "consumer").Str("consumer", cfg.Name).Logger(),
		attempts:       make(map[string]int),
		allowRebalance: func() {},
		now:            time.Now,
	}
	// Group membership heartbeats come from kgo's background loop, not from
	// this hook; it only records progress. With BlockRebalanceOnPoll a batch
	// that outlives the rebalance timeout still costs the group its partitions.
	c.heartbeat = func() {
		metrics.RecordHeartbeat(c.cfg.Name)
		c.log.Debug().Msg("heartbeat during batch processing")
	}
	return c, nil
}

// Run loops until ctx ends. Sink failures never stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Str("mode", c.cfg.Mode).Int("max_attempts", c.cfg.MaxAttempts).Msg("consumer started")
	defer c.log.Info().Msg("consumer stopped")
	for {
		if ctx.Err() != nil {
			return nil
		}
		recs, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, kgo.ErrClientClosed) {
				return nil
			}
			return err
		}
		if len(recs) > 0 {
			if c.cfg.Mode == ModePerMessage {
				c.processEach(ctx, recs)
			} else {
				c.processBatch(ctx, recs)
			}
		}
		c.allowRebalance()
	}
}

// processEach commits every handled record on its own. After a failure the
// rest of that partition waits for redelivery so offset order holds.
func (c *Consumer) processEach(ctx context.Context, recs []*kgo.Record) {
	blocked := make(map[topicPartition]bool)
	for _, rec := range recs {
		tp := topicPartition{rec.Topic, rec.Partition}
		if blocked[tp] {
			continue
		}
		if c.handle(ctx, rec).handled() {
			c.commitBatch(ctx, CommitBatch{Handled: []*kgo.Record{rec}})
			continue
		}
		blocked[tp] = true
		c.commitBatch(ctx, CommitBatch{Failed: []*kgo.Record{rec}})
	}
}

// processBatch handles the whole poll, heartbeating while it runs, then
// commits once for the handled subset.
func (c *Consumer) processBatch(ctx context.Context, recs []*kgo.Record) {
	stop := c.startHeartbeat(ctx)
	var batch CommitBatch
	for _, rec := range recs {
		if c.handle(ctx, rec).handled() {
			batch.Handled = append(batch.Handled, rec)
		} else {
			batch.Failed = append(batch.Failed, rec)
		}
	}
	stop()
	c.log.Debug().Int("records", len(recs)).Int("handled", len(batch.Handled)).Int("failed", len(batch.Failed)).Msg("batch processed")
	c.commitBatch(ctx, batch)
}

func (c *Consumer) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(c.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				c.heartbeat()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (c *Consumer) commitBatch(ctx context.Context, b CommitBatch) {
	if len(b.Handled) == 0 && len(b.Failed) == 0 {
		return
	}
	if err := c.commit(ctx, b); err != nil {
		// uncommitted records come back after a restart or rebalance; dedup absorbs them
		c.log.Error().Err(err).Int("handled", len(b.Handled)).Msg("offset commit failed")
	}
}

func (o outcome) handled() bool { return o != outcomeFailed }

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) outcome {
	id := identityOf(rec)
	key := id.String()
	lg := c.log.With().Str("topic", rec.Topic).Int32("partition", rec.Partition).Int64("offset", rec.Offset).Logger()

	switch v := c.dedup.Check(ctx, c.seenKey(key)); v {
	case dedup.VerdictDuplicate:
		lg.Debug().Msg("duplicate message skipped")
		return c.done(rec, key, outcomeDuplicate)
	case dedup.VerdictFallbackDuplicate:
		lg.Info().Msg("duplicate message skipped by fallback cache")
		return c.done(rec, key, outcomeDuplicate)
	case dedup.VerdictUnavailable:
		lg.Warn().Msg("dedup store unavailable, processing without dedup")
	}

	began := c.now()
	ev, err := domain.Decode(rec.Value)
	if err == nil {
		err = c.invoke(ctx, ev)
	}
	metrics.RecordProcessing(c.cfg.Name, rec.Topic, c.now().Sub(began))
	if err != nil {
		return c.fail(ctx, rec, key, err, lg)
	}
	c.dedup.MarkSeen(ctx, c.seenKey(key), c.cfg.DedupTTL)
	lg.Debug().Str("event_id", ev.ID).Str("type", ev.Type.String()).Msg("message processed")
	return c.done(rec, key, outcomeProcessed)
}

func (c *Consumer) done(rec *kgo.Record, key string, o outcome) outcome {
	delete(c.attempts, key)
	metrics.RecordConsumed(c.cfg.Name, rec.Topic, o.String())
	return o
}

func (c *Consumer) invoke(ctx context.Context, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return c.sink.Handle(ctx, ev)
}

func (c *Consumer) fail(ctx context.Context, rec *kgo.Record, key string, cause error, lg zerolog.Logger) outcome {
	c.attempts[key]++
	n := c.attempts[key]
	ev := lg.Warn().Err(cause).Int("attempt", n)
	if domain.IsParseError(cause) {
		ev = ev.Bool("parse_error", true)
	}
	ev.Msg("message processing failed")

	if c.dlq == nil || c.cfg.MaxAttempts == 0 || n < c.cfg.MaxAttempts {
		metrics.RecordConsumed(c.cfg.Name, rec.Topic, outcomeFailed.String())
		return outcomeFailed
	}
	_, err := c.dlq.Put(ctx, storage.DeadLetter{
		Consumer:  c.cfg.Name,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Attempts:  n,
		LastError: cause.Error(),
		FailedAt:  c.now().UTC(),
	})
	if err != nil {
		lg.Error().Err(err).Msg("dead-letter write failed, message stays uncommitted")
		metrics.RecordConsumed(c.cfg.Name, rec.Topic, outcomeFailed.String())
		return outcomeFailed
	}
	metrics.RecordDeadLetter(c.cfg.Name, rec.Topic)
	lg.Error().Err(cause).Int("attempts", n).Msg("message moved to dead-letter store")
	c.dedup.MarkSeen(ctx, c.seenKey(key), c.cfg.DedupTTL)
	return c.done(rec, key, outcomeDeadLettered)
}

// seenKey scopes dedup records to this consumer; other groups read the same messages.
func (c *Consumer) seenKey(identity string) string {
	return c.cfg.Name + ":" + identity
}

func identityOf(rec *kgo.Record) domain.MessageIdentity {
	return domain.MessageIdentity{Topic: rec.Topic, Partition: rec.Partition, Offset: rec.Offset}
}

func pollRecords(ctx context.Context, cl *kgo.Client, max int, lg zerolog.Logger) ([]*kgo.Record, error) {
	fetches := cl.PollRecords(ctx, max)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	var fatal error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			fatal = err
			return
		}
		lg.Warn().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
	})
	if fatal != nil {
		return nil, fatal
	}
	return fetches.Records(), nil
}
