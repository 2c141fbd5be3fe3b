// Package publisher fans served prediction events out to subscribers over a
// Redis pub/sub channel.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/okian/speedcast/internal/domain/model"
	"github.com/okian/speedcast/pkg/logger"
)

// DefaultChannel is the pub/sub channel predictions are published to.
const DefaultChannel = "speedcast:predictions"

const (
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
)

// Client is the subset of redis.UniversalClient the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes JSON-encoded events through a circuit breaker so a dead
// Redis fails fast instead of stalling every worker.
type Redis struct {
	client  Client
	channel string
	breaker *gobreaker.CircuitBreaker[int64]
	logger  logger.Logger

	maxFailures uint32
	openTimeout time.Duration
}

// NewRedis wraps client.
func NewRedis(client Client, opts ...Option) *Redis {
	p := &Redis{
		client:      client,
		channel:     DefaultChannel,
		logger:      logger.Get().Named("publisher"),
		maxFailures: defaultMaxFailures,
		openTimeout: defaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.breaker = gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
		Name:        "redis-publish",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     p.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn(context.Background(), "circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	return p
}

// Dial connects to Redis at addr and pings it once.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Channel returns the pub/sub channel name.
func (p *Redis) Channel() string { return p.channel }

// State reports the breaker state.
func (p *Redis) State() gobreaker.State { return p.breaker.State() }

// Publish encodes e and publishes it.
func (p *Redis) Publish(ctx context.Context, e model.PredictionEvent) error { //nolint:gocritic // hugeParam: matches the worker contract
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	receivers, err := p.breaker.Execute(func() (int64, error) {
		return p.client.Publish(ctx, p.channel, payload).Result()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if receivers == 0 {
		p.logger.Debug(ctx, "prediction published without subscribers",
			logger.String("channel", p.channel),
			logger.String("event_id", e.EventID),
		)
	}
	return nil
}

// Discard drops every event. It stands in when Redis is not configured.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(context.Context, model.PredictionEvent) error { return nil } //nolint:gocritic // hugeParam: matches the worker contract
