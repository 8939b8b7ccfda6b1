package aggregate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"stockflow/internal/domain"
	"stockflow/internal/metrics"
)

const (
	hourKeyLayout = "2006-01-02T15"
	retention     = 24 * time.Hour
)

var ErrStopped = errors.New("aggregator stopped")

type StatusCounts struct {
	Created  int64 `json:"created"`
	Updated  int64 `json:"updated"`
	Deleted  int64 `json:"deleted"`
	LowStock int64 `json:"lowStock"`
}

type Stats struct {
	TotalProducts    int64            `json:"totalProducts"`
	TotalEvents      int64            `json:"totalEvents"`
	EventsByType     map[string]int64 `json:"eventsByType"`
	ProductsByStatus StatusCounts     `json:"productsByStatus"`
	HourlyStats      map[string]int64 `json:"hourlyStats"`
	LastUpdated      time.Time        `json:"lastUpdated,omitempty"`
}

func emptyStats() Stats {
	return Stats{EventsByType: map[string]int64{}, HourlyStats: map[string]int64{}}
}

func (s Stats) clone() Stats {
	out := s
	out.EventsByType = maps.Clone(s.EventsByType)
	out.HourlyStats = maps.Clone(s.HourlyStats)
	return out
}

type Options struct {
	MailboxSize int
	Now         func() time.Time
	// OnUpdate receives a copy after every applied event. Runs on the actor goroutine.
	OnUpdate func(Stats)
	Logger   zerolog.Logger
}

type query struct {
	reset bool
	reply chan Stats
}

// Aggregator owns the analytics counters on a single goroutine. Callers talk
// to it only through channels so a slow or panicking update never reaches
// the consumer loop.
type Aggregator struct {
	mailbox  chan domain.Event
	queries  chan query
	done     chan struct{}
	started  atomic.Bool
	dropped  atomic.Int64
	now      func() time.Time
	onUpdate func(Stats)
	log      zerolog.Logger

	stats Stats
}

func New(opts Options) *Aggregator {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 1024
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Aggregator{
		mailbox:  make(chan domain.Event, opts.MailboxSize),
		queries:  make(chan query),
		done:     make(chan struct{}),
		now:      opts.Now,
		onUpdate: opts.OnUpdate,
		log:      opts.Logger.With().Str("component", "aggregator").Logger(),
		stats:    emptyStats(),
	}
}

// Run processes the mailbox until ctx ends. It may be called once.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("aggregator already running")
	}
	defer close(a.done)
	a.log.Info().Msg("aggregator started")
	for {
		select {
		case <-ctx.Done():
			a.log.Info().Int64("total_events", a.stats.TotalEvents).Int64("dropped", a.dropped.Load()).Msg("aggregator stopped")
			return nil
		case ev := <-a.mailbox:
			a.safeApply(ev)
		case q := <-a.queries:
			if q.reset {
				a.stats = emptyStats()
				a.log.Info().Msg("aggregates reset")
			}
			q.reply <- a.stats.clone()
		}
	}
}

// Apply enqueues ev without blocking. A full mailbox drops the event.
func (a *Aggregator) Apply(ev domain.Event) bool {
	select {
	case a.mailbox <- ev:
		return true
	default:
		a.dropped.Add(1)
		metrics.RecordAggregatorDrop()
		a.log.Warn().Str("event_id", ev.ID).Msg("aggregator mailbox full, event dropped")
		return false
	}
}

// Handle lets the aggregator sit in a sink chain. It never fails.
func (a *Aggregator) Handle(_ context.Context, ev domain.Event) error {
	a.Apply(ev)
	return nil
}

func (a *Aggregator) Snapshot(ctx context.Context) (Stats, error) {
	return a.ask(ctx, false)
}

func (a *Aggregator) Reset(ctx context.Context) (Stats, error) {
	return a.ask(ctx, true)
}

func (a *Aggregator) Dropped() int64 { return a.dropped.Load() }

func (a *Aggregator) ask(ctx context.Context, reset bool) (Stats, error) {
	q := query{reset: reset, reply: make(chan Stats, 1)}
	select {
	case a.queries <- q:
	case <-a.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case st := <-q.reply:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (a *Aggregator) safeApply(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Str("event_id", ev.ID).Str("panic", fmt.Sprint(r)).Msg("aggregation panicked, event skipped")
		}
	}()
	a.apply(ev)
	metrics.SetAggregatedEvents(a.stats.TotalEvents)
	if a.onUpdate != nil {
		a.onUpdate(a.stats.clone())
	}
}

func (a *Aggregator) apply(ev domain.Event) {
	now := a.now().UTC()
	s := &a.stats
	s.TotalEvents++
	s.EventsByType[ev.Type.String()]++

	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}
	s.HourlyStats[at.UTC().Format(hourKeyLayout)]++

	switch ev.Type {
	case domain.ProductCreatedType:
		s.TotalProducts++
		s.ProductsByStatus.Created++
	case domain.ProductUpdatedType:
		s.ProductsByStatus.Updated++
	case domain.ProductDeletedType:
		s.TotalProducts = max(0, s.TotalProducts-1)
		s.ProductsByStatus.Deleted++
	case domain.LowStockWarningType:
		s.ProductsByStatus.LowStock++
	}

	// hour keys sort lexically
	cutoff := now.Add(-retention).Format(hourKeyLayout)
	for hour := range s.HourlyStats {
		if hour < cutoff {
			delete(s.HourlyStats, hour)
		}
	}
	s.LastUpdated = now
}
