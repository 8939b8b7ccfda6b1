package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is one broker message that kept failing and was parked instead
// of being redelivered forever.
type DeadLetter struct {
	ID        int64
	Consumer  string
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// DeadLetterStore is append-only. Rows are never updated or removed by the pipeline.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) (int64, error)
	Get(ctx context.Context, id int64) (DeadLetter, error)
	List(ctx context.Context, consumer string, limit int) ([]DeadLetter, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
