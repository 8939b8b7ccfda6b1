package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"stockflow/internal/broker"
	"stockflow/internal/domain"
	"stockflow/internal/hashroute"
	"stockflow/internal/metrics"
)

const (
	HeaderEventType    = "event-type"
	HeaderEventID      = "event-id"
	HeaderEventVersion = "event-version"
)

// ProducerSource hands out the connected producer clients.
type ProducerSource interface {
	Producer(ctx context.Context) (*broker.Producers, error)
}

type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type txnProducer interface {
	syncProducer
	BeginTransaction() error
	EndTransaction(ctx context.Context, commit kgo.TransactionEndTry) error
}

// Worker turns a batch into broker records. ProductCreated and ProductDeleted
// batches go out in one transaction; other types use the idempotent producer.
type Worker struct {
	log zerolog.Logger
	now func() time.Time

	clients func(ctx context.Context) (syncProducer, txnProducer, error)

	// one open transaction per transactional id
	txnMu sync.Mutex
}

func NewWorker(source ProducerSource, lg zerolog.Logger) *Worker {
	return &Worker{
		log: lg.With().Str("component", "publish_worker").Logger(),
		now: time.Now,
		clients: func(ctx context.Context) (syncProducer, txnProducer, error) {
			p, err := source.Producer(ctx)
			if err != nil {
				return nil, nil, err
			}
			return p.Idempotent, p.Transactional, nil
		},
	}
}

func (w *Worker) SendBatch(ctx context.Context, t domain.EventType, events []domain.Event) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if len(events) == 0 {
		return nil
	}
	recs, err := w.records(t, events)
	if err != nil {
		return err
	}
	plain, txn, err := w.clients(ctx)
	if err != nil {
		return err
	}
	if t.Critical() {
		return w.sendTransactional(ctx, txn, t, recs)
	}
	return plain.ProduceSync(ctx, recs...).FirstErr()
}

func (w *Worker) sendTransactional(ctx context.Context, txn txnProducer, t domain.EventType, recs []*kgo.Record) error {
	w.txnMu.Lock()
	defer w.txnMu.Unlock()

	if err := txn.BeginTransaction(); err != nil {
		return err
	}
	if err := txn.ProduceSync(ctx, recs...).FirstErr(); err != nil {
		w.abort(ctx, txn, t, len(recs), err)
		return err
	}
	if err := txn.EndTransaction(ctx, kgo.TryCommit); err != nil {
		w.abort(ctx, txn, t, len(recs), err)
		return err
	}
	w.log.Debug().Str("type", t.String()).Int("events", len(recs)).Msg("transaction committed")
	return nil
}

func (w *Worker) abort(ctx context.Context, txn txnProducer, t domain.EventType, n int, cause error) {
	err := txn.EndTransaction(ctx, kgo.TryAbort)
	ev := w.log.Warn().Err(cause).Str("type", t.String()).Int("events", n)
	if err != nil {
		ev = ev.AnErr("abort_error", err)
	}
	ev.Msg("transaction aborted")
}

func (w *Worker) records(t domain.EventType, events []domain.Event) ([]*kgo.Record, error) {
	now := w.now()
	recs := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		if ev.Type != t {
			return nil, fmt.Errorf("event %s has type %s in %s batch", ev.ID, ev.Type, t)
		}
		value, err := domain.Encode(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		key, fallback := hashroute.PartitionKey(ev)
		if fallback {
			metrics.RecordFallbackKey(t.String())
			w.log.Warn().Str("type", t.String()).Str("event_id", ev.ID).Msg("no partition key in event, using fallback key")
		}
		recs = append(recs, &kgo.Record{
			Topic:     t.Topic(),
			Key:       []byte(key),
			Value:     value,
			Timestamp: now,
			Headers: []kgo.RecordHeader{
				{Key: HeaderEventType, Value: []byte(t)},
				{Key: HeaderEventID, Value: []byte(ev.ID)},
				{Key: HeaderEventVersion, Value: []byte(ev.Version)},
			},
		})
	}
	return recs, nil
}
