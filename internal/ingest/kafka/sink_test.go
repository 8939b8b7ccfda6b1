package kafka

import (
	"context"
	"errors"
	"testing"

	"stockflow/internal/domain"
)

func TestChainRunsInOrderAndSkipsNil(t *testing.T) {
	var calls []string
	rec := func(name string, err error) Sink {
		return SinkFunc(func(context.Context, domain.Event) error {
			calls = append(calls, name)
			return err
		})
	}
	ev := domain.NewEvent("s1", domain.ProductDeleted{ProductID: "p1"})

	if err := Chain(rec("a", nil), nil, rec("b", nil)).Handle(context.Background(), ev); err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("unexpected calls %v", calls)
	}

	calls = nil
	boom := errors.New("boom")
	err := Chain(rec("a", boom), rec("b", nil)).Handle(context.Background(), ev)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("chain must stop at the first error, calls %v", calls)
	}
}
