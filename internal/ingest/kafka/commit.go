package kafka

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/twmb/franz-go/pkg/kgo"

	"stockflow/internal/domain"
)

type topicPartition struct {
	topic     string
	partition int32
}

// CommitBatch is the result of one processing pass. Handled holds records
// whose sink call succeeded or that were skipped as duplicates or parked.
type CommitBatch struct {
	Handled []*kgo.Record
	Failed  []*kgo.Record
}

// CommitSet lists the identities of the handled records.
func (b CommitBatch) CommitSet() []domain.MessageIdentity {
	out := make([]domain.MessageIdentity, 0, len(b.Handled))
	for _, r := range b.Handled {
		out = append(out, identityOf(r))
	}
	return out
}

type commitPlan struct {
	// highest committable record per partition
	commit []*kgo.Record
	// partitions to re-read from their first failed offset
	rewind map[string]map[int32]kgo.EpochOffset
}

// planCommit maps a commit set onto Kafka's per-partition watermark. A
// partition commits up to the record before its first failure and is rewound
// to that failure; handled records after it are redelivered and skipped by
// dedup.
func planCommit(b CommitBatch) commitPlan {
	firstFailed := make(map[topicPartition]*kgo.Record)
	for _, r := range b.Failed {
		tp := topicPartition{r.Topic, r.Partition}
		if cur, ok := firstFailed[tp]; !ok || r.Offset < cur.Offset {
			firstFailed[tp] = r
		}
	}

	highest := make(map[topicPartition]*kgo.Record)
	for _, r := range b.Handled {
		tp := topicPartition{r.Topic, r.Partition}
		if f, ok := firstFailed[tp]; ok && r.Offset > f.Offset {
			continue
		}
		if cur, ok := highest[tp]; !ok || r.Offset > cur.Offset {
			highest[tp] = r
		}
	}

	var plan commitPlan
	for _, r := range highest {
		plan.commit = append(plan.commit, r)
	}
	slices.SortFunc(plan.commit, func(a, b *kgo.Record) int {
		if c := cmp.Compare(a.Topic, b.Topic); c != 0 {
			return c
		}
		return cmp.Compare(a.Partition, b.Partition)
	})
	if len(firstFailed) > 0 {
		plan.rewind = make(map[string]map[int32]kgo.EpochOffset)
		for tp, r := range firstFailed {
			if plan.rewind[tp.topic] == nil {
				plan.rewind[tp.topic] = make(map[int32]kgo.EpochOffset)
			}
			plan.rewind[tp.topic][tp.partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
		}
	}
	return plan
}

type kgoCommitter struct {
	cl *kgo.Client
}

func (k *kgoCommitter) Commit(ctx context.Context, b CommitBatch) error {
	plan := planCommit(b)
	if len(plan.rewind) > 0 {
		k.cl.SetOffsets(plan.rewind)
	}
	if len(plan.commit) == 0 {
		return nil
	}
	if err := k.cl.CommitRecords(ctx, plan.commit...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}
