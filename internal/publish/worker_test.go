package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"stockflow/internal/broker"
	"stockflow/internal/domain"
)

// fakeTxn stages records inside a transaction and only makes them visible on commit.
type fakeTxn struct {
	produceErr error
	commitErr  error

	inTxn   bool
	staged  []*kgo.Record
	visible []*kgo.Record
	ends    []kgo.TransactionEndTry
}

func (f *fakeTxn) BeginTransaction() error {
	if f.inTxn {
		return errors.New("transaction already open")
	}
	f.inTxn = true
	return nil
}

func (f *fakeTxn) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for i, r := range rs {
		var err error
		if f.produceErr != nil && i == len(rs)-1 {
			err = f.produceErr
		} else {
			f.staged = append(f.staged, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: err})
	}
	return out
}

func (f *fakeTxn) EndTransaction(_ context.Context, commit kgo.TransactionEndTry) error {
	f.ends = append(f.ends, commit)
	if !f.inTxn {
		return errors.New("not in transaction")
	}
	if commit == kgo.TryCommit && f.commitErr != nil {
		return f.commitErr
	}
	if commit == kgo.TryCommit {
		f.visible = append(f.visible, f.staged...)
	}
	f.staged = nil
	f.inTxn = false
	return nil
}

type fakePlain struct {
	err  error
	sent []*kgo.Record
}

func (f *fakePlain) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		if f.err == nil {
			f.sent = append(f.sent, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func newFakeWorker(plain *fakePlain, txn *fakeTxn) *Worker {
	w := NewWorker(nil, zerolog.Nop())
	w.clients = func(context.Context) (syncProducer, txnProducer, error) { return plain, txn, nil }
	return w
}

func TestCriticalBatchCommitsTransaction(t *testing.T) {
	plain, txn := &fakePlain{}, &fakeTxn{}
	w := newFakeWorker(plain, txn)

	err := w.SendBatch(context.Background(), domain.ProductCreatedType, []domain.Event{created("p1"), created("p2")})
	require.NoError(t, err)
	assert.Empty(t, plain.sent)
	assert.Len(t, txn.visible, 2)
	assert.Equal(t, []kgo.TransactionEndTry{kgo.TryCommit}, txn.ends)
}

func TestTransactionFailureLeavesNothingVisible(t *testing.T) {
	boom := errors.New("NOT_LEADER_FOR_PARTITION")
	txn := &fakeTxn{produceErr: boom}
	w := newFakeWorker(&fakePlain{}, txn)

	deleted := domain.NewEvent("seller-1", domain.ProductDeleted{ProductID: "p9"})
	err := w.SendBatch(context.Background(), domain.ProductDeletedType, []domain.Event{deleted, deleted})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, txn.visible)
	assert.Equal(t, []kgo.TransactionEndTry{kgo.TryAbort}, txn.ends)
	assert.False(t, txn.inTxn)
}

func TestCommitFailureAborts(t *testing.T) {
	boom := errors.New("commit fenced")
	txn := &fakeTxn{commitErr: boom}
	w := newFakeWorker(&fakePlain{}, txn)

	err := w.SendBatch(context.Background(), domain.ProductCreatedType, []domain.Event{created("p1")})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, txn.visible)
	assert.Equal(t, []kgo.TransactionEndTry{kgo.TryCommit, kgo.TryAbort}, txn.ends)
}

func TestNonCriticalUsesIdempotentProducer(t *testing.T) {
	plain, txn := &fakePlain{}, &fakeTxn{}
	w := newFakeWorker(plain, txn)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	ev := lowStock("SKU-42")
	require.NoError(t, w.SendBatch(context.Background(), domain.LowStockWarningType, []domain.Event{ev}))
	require.Len(t, plain.sent, 1)
	assert.Empty(t, txn.ends)

	rec := plain.sent[0]
	assert.Equal(t, "LowStockWarning", rec.Topic)
	assert.Equal(t, "sku-42", string(rec.Key))
	assert.Equal(t, fixed, rec.Timestamp)
	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "LowStockWarning", headers[HeaderEventType])
	assert.Equal(t, ev.ID, headers[HeaderEventID])
	assert.Equal(t, domain.SchemaVersion, headers[HeaderEventVersion])

	decoded, err := domain.Decode(rec.Value)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestBrokerErrorReturnedAsIs(t *testing.T) {
	boom := errors.New("MESSAGE_TOO_LARGE")
	w := newFakeWorker(&fakePlain{err: boom}, &fakeTxn{})
	err := w.SendBatch(context.Background(), domain.ProductUpdatedType, []domain.Event{
		domain.NewEvent("s", domain.ProductUpdated{Product: domain.Product{ID: "p", Name: "n", Category: "c"}}),
	})
	assert.Same(t, boom, err)
}

func TestMixedTypesInBatchRejected(t *testing.T) {
	plain := &fakePlain{}
	w := newFakeWorker(plain, &fakeTxn{})
	err := w.SendBatch(context.Background(), domain.LowStockWarningType, []domain.Event{lowStock("a"), created("b")})
	require.Error(t, err)
	assert.Empty(t, plain.sent)
}

func TestFallbackKeyWhenNoIdentifiers(t *testing.T) {
	plain := &fakePlain{}
	w := newFakeWorker(plain, &fakeTxn{})
	ev := domain.NewEvent("", domain.LowStockWarning{ProductName: "n", Quantity: 1, Threshold: 2})
	require.NoError(t, w.SendBatch(context.Background(), domain.LowStockWarningType, []domain.Event{ev}))
	assert.Equal(t, "default", string(plain.sent[0].Key))
}

func TestWorkerAgainstFakeCluster(t *testing.T) {
	topics := []string{"ProductCreated", "ProductUpdated", "ProductDeleted", "LowStockWarning"}
	c, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(3, topics...))
	require.NoError(t, err)
	defer c.Close()

	m, err := broker.NewManager(broker.Config{
		Brokers:       c.ListenAddrs(),
		Topics:        topics,
		Notifications: broker.GroupConfig{GroupID: "notifications-service"},
		Analytics:     broker.GroupConfig{GroupID: "analytics-group"},
		BackoffUnit:   time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer m.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := NewWorker(m, zerolog.Nop())
	batch := []domain.Event{lowStock("a"), lowStock("b"), lowStock("a")}
	require.NoError(t, w.SendBatch(ctx, domain.LowStockWarningType, batch))

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(c.ListenAddrs()...),
		kgo.ConsumeTopics("LowStockWarning"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer reader.Close()

	var got []*kgo.Record
	for len(got) < len(batch) {
		fs := reader.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fs.EachRecord(func(r *kgo.Record) { got = append(got, r) })
	}
	byKey := map[string][]int32{}
	for _, r := range got {
		byKey[string(r.Key)] = append(byKey[string(r.Key)], r.Partition)
	}
	require.Len(t, byKey["a"], 2)
	assert.Equal(t, byKey["a"][0], byKey["a"][1], "same key must land on one partition")
}
