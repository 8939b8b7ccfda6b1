package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"stockflow/internal/aggregate"
	"stockflow/internal/archive"
	"stockflow/internal/broker"
	"stockflow/internal/config"
	"stockflow/internal/dedup"
	"stockflow/internal/domain"
	"stockflow/internal/ingest/kafka"
	"stockflow/internal/logger"
	"stockflow/internal/notify"
	"stockflow/internal/notify/rabbitmq"
	"stockflow/internal/publish"
	"stockflow/internal/server"
	"stockflow/internal/storage"
	"stockflow/internal/storage/sqlite"
)

// App owns every long-lived component and their start and stop order.
type App struct {
	cfg config.Config
	log zerolog.Logger

	manager    *broker.Manager
	dedup      *dedup.Store
	deadLetter storage.DeadLetterStore
	publisher  *publish.Publisher
	hub        *notify.Hub
	relay      *rabbitmq.Relay
	archive    *archive.Archive
	aggregator *aggregate.Aggregator
	server     *server.Server
}

func BrokerConfig(cfg config.Config) broker.Config {
	topics := make([]string, 0, len(domain.AllEventTypes()))
	for _, t := range domain.AllEventTypes() {
		topics = append(topics, t.Topic())
	}
	return broker.Config{
		Brokers:           cfg.Kafka.Brokers,
		ClientID:          cfg.Kafka.ClientID,
		TransactionalID:   cfg.Kafka.TransactionalID,
		Compression:       cfg.Kafka.Compression,
		Topics:            topics,
		Partitions:        cfg.Kafka.Topics.Partitions,
		ReplicationFactor: cfg.Kafka.Topics.ReplicationFactor,
		Notifications:     broker.GroupConfig{GroupID: cfg.Consumer.Notifications.GroupID, ClientID: cfg.Consumer.Notifications.ClientID},
		Analytics:         broker.GroupConfig{GroupID: cfg.Consumer.Analytics.GroupID, ClientID: cfg.Consumer.Analytics.ClientID},
		Fetch: broker.FetchConfig{
			MinBytes: cfg.Consumer.MinBytes,
			MaxBytes: cfg.Consumer.MaxBytes,
			MaxWait:  cfg.Consumer.MaxWait,
		},
		SessionTimeout:    cfg.Consumer.SessionTimeout,
		HeartbeatInterval: cfg.Consumer.HeartbeatInterval,
		ConnectAttempts:   cfg.Kafka.ConnectAttempts,
		BackoffUnit:       cfg.Kafka.BackoffUnit,
	}
}

// New builds the components enabled in cfg. Nothing dials until Run.
func New(ctx context.Context, cfg config.Config, lg zerolog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: logger.Component(lg, "app")}

	m, err := broker.NewManager(BrokerConfig(cfg), lg)
	if err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}
	a.manager = m

	a.dedup, err = dedup.New(dedup.Config{
		Enabled:          cfg.Redis.Enabled,
		URL:              cfg.Redis.URL,
		ConnectTimeout:   cfg.Redis.ConnectTimeout,
		RetryAttempts:    cfg.Redis.RetryAttempts,
		RetryDelay:       cfg.Redis.RetryDelay,
		KeyPrefix:        cfg.Redis.KeyPrefix,
		FallbackCapacity: cfg.Dedup.FallbackCapacity,
	}, lg)
	if err != nil {
		return nil, fmt.Errorf("dedup: %w", err)
	}

	if cfg.DeadLetter.Enabled && (cfg.Services.Notifications || cfg.Services.Analytics) {
		a.deadLetter, err = sqlite.NewStore(cfg.DeadLetter.Path)
		if err != nil {
			return nil, fmt.Errorf("dead-letter store: %w", err)
		}
	}

	if cfg.Services.Publisher {
		a.publisher = publish.NewPublisher(publish.Config{
			BatchSize:    cfg.Batch.Size,
			BatchTimeout: cfg.Batch.Timeout,
			MaxBatchSize: cfg.Batch.MaxSize,
			FlushTimeout: cfg.Batch.FlushTimeout,
		}, publish.NewWorker(m, lg), m, lg)
	}

	if cfg.Services.Notifications {
		a.hub = notify.NewHub(cfg.Notify.SSEHeartbeat, lg)
		if cfg.Notify.RabbitMQ.Enabled {
			a.relay, err = rabbitmq.NewRelay(cfg.Notify.RabbitMQ, lg)
			if err != nil {
				return nil, fmt.Errorf("rabbitmq relay: %w", err)
			}
		}
	}

	if cfg.Services.Analytics {
		a.aggregator = aggregate.New(aggregate.Options{Logger: lg})
		if cfg.Archive.S3.Enabled {
			a.archive, err = archive.New(ctx, cfg.Archive.S3, lg)
			if err != nil {
				return nil, fmt.Errorf("archive: %w", err)
			}
		}
	}

	a.server = server.New(cfg.Server, cfg.Scaling, a.serverDeps(), lg)
	return a, nil
}

func (a *App) serverDeps() server.Deps {
	deps := server.Deps{
		Broker: a.manager,
		Dedup:  a.dedup,
		Checks: map[string]server.Check{},
	}
	// typed nils must not reach the interfaces
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	if a.hub != nil {
		deps.Stream = a.hub
	}
	if a.aggregator != nil {
		deps.Analytics = a.aggregator
	}
	if a.deadLetter != nil {
		deps.DeadLetters = a.deadLetter
	}
	if a.archive != nil {
		deps.Checks["s3"] = a.archive.Check
	}
	return deps
}

// Run starts everything and blocks until ctx ends or a component fails, then
// shuts down: HTTP and consumers first, then the publisher flush, then the
// broker connections and stores.
func (a *App) Run(ctx context.Context) error {
	if err := a.dedup.Connect(ctx); err != nil {
		a.log.Warn().Err(err).Msg("dedup store unavailable, using fallback cache")
	}
	if a.cfg.Services.Publisher {
		if err := a.manager.InitializeTopics(ctx); err != nil {
			a.log.Error().Err(err).Msg("topic initialization failed")
		}
	}
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return errors.Join(err, a.shutdown())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })

	if a.cfg.Services.Notifications {
		sink := kafka.Chain(a.hub, a.relayOrNil())
		g.Go(func() error {
			return a.runConsumer(gctx, "notifications", a.cfg.Consumer.Notifications.Mode, a.cfg.Redis.DedupTTL, a.manager.Consumer, sink)
		})
	}
	if a.cfg.Services.Analytics {
		g.Go(func() error { return a.aggregator.Run(gctx) })
		sink := kafka.Chain(a.archiveOrNil(), a.aggregator)
		g.Go(func() error {
			return a.runConsumer(gctx, "analytics", a.cfg.Consumer.Analytics.Mode, a.cfg.Redis.AnalyticsDedupTTL, a.manager.AnalyticsConsumer, sink)
		})
	}

	a.log.Info().
		Str("profile", a.cfg.Profile).
		Bool("publisher", a.cfg.Services.Publisher).
		Bool("notifications", a.cfg.Services.Notifications).
		Bool("analytics", a.cfg.Services.Analytics).
		Msg("stockflow started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, a.shutdown())
}

func (a *App) runConsumer(ctx context.Context, name, mode string, ttl time.Duration, client func(context.Context) (*kgo.Client, error), sink kafka.Sink) error {
	cl, err := client(ctx)
	if err != nil {
		return fmt.Errorf("%s consumer: %w", name, err)
	}
	c, err := kafka.NewConsumer(kafka.Config{
		Name:              name,
		Mode:              mode,
		MaxPollRecords:    a.cfg.Consumer.MaxPollRecords,
		HeartbeatInterval: a.cfg.Consumer.HeartbeatInterval,
		DedupTTL:          ttl,
		MaxAttempts:       a.cfg.Consumer.MaxAttempts,
	}, cl, sink, a.dedup, a.deadLetter, a.log)
	if err != nil {
		return fmt.Errorf("%s consumer: %w", name, err)
	}
	return c.Run(ctx)
}

// relayOrNil and archiveOrNil keep typed nil pointers out of the sink chain.
func (a *App) relayOrNil() kafka.Sink {
	if a.relay == nil {
		return nil
	}
	return a.relay
}

func (a *App) archiveOrNil() kafka.Sink {
	if a.archive == nil {
		return nil
	}
	return a.archive
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Batch.FlushTimeout+a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush publisher: %w", err))
		}
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("broker shutdown: %w", err))
	}
	if err := a.dedup.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dedup: %w", err))
	}
	if a.deadLetter != nil {
		if err := a.deadLetter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dead-letter store: %w", err))
		}
	}
	err := errors.Join(errs...)
	a.log.Info().Err(err).Msg("stockflow stopped")
	return err
}
