package publisher

import (
	"time"

	"github.com/okian/speedcast/pkg/logger"
)

// Option configures a Redis publisher.
type Option func(*Redis)

// WithChannel overrides the pub/sub channel.
func WithChannel(ch string) Option {
	return func(p *Redis) {
		if ch != "" {
			p.channel = ch
		}
	}
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(p *Redis) {
		if maxFailures > 0 {
			p.maxFailures = maxFailures
		}
		if openTimeout > 0 {
			p.openTimeout = openTimeout
		}
	}
}

// WithLogger overrides the publisher logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Redis) {
		if l != nil {
			p.logger = l
		}
	}
}
