package dedup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"stockflow/internal/metrics"
)

type Verdict int

const (
	// VerdictNew: the store answered and has no record of the id.
	VerdictNew Verdict = iota
	// VerdictDuplicate: the id was already processed.
	VerdictDuplicate
	// VerdictFallbackDuplicate: the store is unreachable but the in-process cache has the id.
	VerdictFallbackDuplicate
	// VerdictUnavailable: the store is unreachable and the cache has no record. Treated as unseen.
	VerdictUnavailable
)

func (v Verdict) Duplicate() bool {
	return v == VerdictDuplicate || v == VerdictFallbackDuplicate
}

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictFallbackDuplicate:
		return "fallback_duplicate"
	case VerdictUnavailable:
		return "unavailable"
	}
	return "unknown"
}

type Config struct {
	Enabled          bool
	URL              string
	ConnectTimeout   time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	KeyPrefix        string
	FallbackCapacity int
}

func (c *Config) withDefaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FallbackCapacity <= 0 {
		c.FallbackCapacity = 10000
	}
}

// Store answers "has this message been processed". Redis errors never
// surface to callers: lookups fail open and marks are best effort.
type Store struct {
	cfg      Config
	client   *redis.Client
	fallback *FIFOCache
	log      zerolog.Logger

	connected atomic.Bool
	degraded  atomic.Bool
	sleep     func(context.Context, time.Duration) error
}

func New(cfg Config, lg zerolog.Logger) (*Store, error) {
	cfg.withDefaults()
	var client *redis.Client
	if cfg.Enabled {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.DialTimeout = cfg.ConnectTimeout
		client = redis.NewClient(opts)
	}
	return newStore(cfg, client, lg), nil
}

// NewWithClient wraps an existing client. A nil client runs the store on the fallback cache only.
func NewWithClient(client *redis.Client, cfg Config, lg zerolog.Logger) *Store {
	cfg.withDefaults()
	cfg.Enabled = client != nil
	return newStore(cfg, client, lg)
}

func newStore(cfg Config, client *redis.Client, lg zerolog.Logger) *Store {
	return &Store{
		cfg:      cfg,
		client:   client,
		fallback: NewFIFOCache(cfg.FallbackCapacity),
		log:      lg.With().Str("component", "dedup").Logger(),
		sleep:    sleepCtx,
	}
}

// Connect pings the store, retrying with a fixed delay.
func (s *Store) Connect(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		if err = s.client.Ping(ctx).Err(); err == nil {
			s.connected.Store(true)
			s.markUp()
			s.log.Info().Int("attempt", attempt).Msg("connected to dedup store")
			return nil
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", s.cfg.RetryAttempts).Msg("dedup store connect failed")
		if attempt == s.cfg.RetryAttempts {
			break
		}
		if serr := s.sleep(ctx, s.cfg.RetryDelay); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("connect dedup store after %d attempts: %w", s.cfg.RetryAttempts, err)
}

func (s *Store) Check(ctx context.Context, id string) Verdict {
	v := s.check(ctx, id)
	metrics.RecordDedup(v.String())
	return v
}

func (s *Store) check(ctx context.Context, id string) Verdict {
	if s.client == nil {
		if s.fallback.Contains(id) {
			return VerdictDuplicate
		}
		return VerdictNew
	}
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	if err != nil {
		s.markDown(err)
		if s.fallback.Contains(id) {
			return VerdictFallbackDuplicate
		}
		return VerdictUnavailable
	}
	s.markUp()
	if n > 0 {
		return VerdictDuplicate
	}
	return VerdictNew
}

// Seen reports whether id was processed. Store errors read as false.
func (s *Store) Seen(ctx context.Context, id string) bool {
	return s.Check(ctx, id).Duplicate()
}

// MarkSeen records id with the given ttl. Store errors are logged and swallowed;
// the in-process cache always receives the id.
func (s *Store) MarkSeen(ctx context.Context, id string, ttl time.Duration) {
	s.fallback.Add(id)
	if s.client == nil {
		return
	}
	if err := s.client.Set(ctx, s.key(id), "1", ttl).Err(); err != nil {
		s.markDown(err)
		s.log.Debug().Err(err).Str("message_id", id).Msg("dedup mark kept in fallback cache only")
		return
	}
	s.markUp()
}

// Connected is a pure read of the last known store state.
func (s *Store) Connected() bool {
	return s.client != nil && s.connected.Load() && !s.degraded.Load()
}

func (s *Store) Enabled() bool { return s.client != nil }

func (s *Store) FallbackSize() int { return s.fallback.Len() }

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	s.connected.Store(false)
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.cfg.KeyPrefix + id
}

func (s *Store) markDown(err error) {
	if !s.degraded.Swap(true) {
		s.log.Warn().Err(err).Msg("dedup store unavailable, using in-process fallback cache")
	}
}

func (s *Store) markUp() {
	s.connected.Store(true)
	if s.degraded.Swap(false) {
		s.log.Info().Msg("dedup store reachable again")
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
