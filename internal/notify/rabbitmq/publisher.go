package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"stockflow/internal/config"
	"stockflow/internal/domain"
)

var ErrClosed = errors.New("rabbitmq relay closed")

// channel is the slice of *amqp091.Channel the relay uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Relay forwards notification events to a topic exchange, routed by event type.
type Relay struct {
	cfg  config.RabbitMQConfig
	log  zerolog.Logger
	now  func() time.Time
	dial func(config.RabbitMQConfig) (channel, func() error, error)

	mu        sync.Mutex
	ch        channel
	closeConn func() error
	closed    bool
}

func Validate(c config.RabbitMQConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	return nil
}

func NewRelay(cfg config.RabbitMQConfig, lg zerolog.Logger) (*Relay, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Relay{
		cfg:  cfg,
		log:  lg.With().Str("component", "rabbitmq_relay").Str("exchange", cfg.Exchange).Logger(),
		now:  time.Now,
		dial: dialChannel,
	}, nil
}

// Start dials the broker and declares the exchange.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.ch != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, closeConn, err := r.dial(r.cfg)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(r.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = closeConn()
		return fmt.Errorf("declare exchange: %w", err)
	}
	r.ch, r.closeConn = ch, closeConn
	r.log.Info().Msg("rabbitmq relay connected")
	return nil
}

// Handle publishes ev with the event type as routing key. A failure is
// returned so the consumer keeps the message for redelivery.
func (r *Relay) Handle(ctx context.Context, ev domain.Event) error {
	body, err := domain.Encode(ev)
	if err != nil {
		return err
	}
	r.mu.Lock()
	ch, closed := r.ch, r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ch == nil {
		return errors.New("rabbitmq relay not started")
	}

	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type.String(),
		Timestamp:    r.now().UTC(),
		Headers: amqp091.Table{
			"event-version": ev.Version,
			"seller-id":     ev.SellerID,
		},
		Body: body,
	}
	if err := ch.PublishWithContext(pctx, r.cfg.Exchange, ev.Type.String(), false, false, msg); err != nil {
		r.log.Error().Err(err).Str("event_id", ev.ID).Str("type", ev.Type.String()).Msg("relay publish failed")
		return fmt.Errorf("publish to %s: %w", r.cfg.Exchange, err)
	}
	r.log.Debug().Str("event_id", ev.ID).Str("type", ev.Type.String()).Msg("event relayed")
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var errs []error
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.closeConn != nil {
		if err := r.closeConn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func dialChannel(cfg config.RabbitMQConfig) (channel, func() error, error) {
	dialCfg := amqp091.Config{}
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	if tlsCfg, err := buildTLSConfig(cfg.TLS); err != nil {
		return nil, nil, err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(strings.TrimSpace(cfg.URL), dialCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return ch, conn.Close, nil
}

func buildTLSConfig(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.InsecureSkipVerify, ServerName: c.ServerName}
	if c.CAFile != "" {
		pemBytes, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
