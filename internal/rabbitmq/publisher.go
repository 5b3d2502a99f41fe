package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher performs single confirmed sends over the channel pool. It does
// not retry; callers layer their own policy on top.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable messages fail instead of being dropped by the broker
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and waits for the broker to confirm it. Concurrent calls
// use different pooled channels, so each confirm is matched to its own call.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.sendError(exchange, routingKey, err)
	}
	defer p.pool.Put(ch)

	if err := ch.PublishWithContext(ctx, exchange, routingKey, p.mandatory, false, msg); err != nil {
		ch.Discard()
		return p.sendError(exchange, routingKey, err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-ch.confirms:
		if !ok {
			ch.Discard()
			return p.sendError(exchange, routingKey, ErrConnectionClosed)
		}
		if !confirm.Ack {
			return p.sendError(exchange, routingKey, ErrPublishNotConfirmed)
		}
		// A mandatory return always arrives before its ack.
		select {
		case ret := <-ch.returns:
			return p.sendError(exchange, routingKey,
				fmt.Errorf("%w: %d %s", ErrMandatoryFailed, ret.ReplyCode, ret.ReplyText))
		default:
		}
		return nil

	case <-timer.C:
		// A late confirm would be read by the next holder of this channel.
		ch.Discard()
		return p.sendError(exchange, routingKey, ErrPublishTimeout)

	case <-ctx.Done():
		ch.Discard()
		return p.sendError(exchange, routingKey, ctx.Err())
	}
}

func (p *Publisher) sendError(exchange, routingKey string, err error) error {
	p.logger.Debug("send failed",
		"exchange", exchange,
		"routing_key", routingKey,
		"error", err)
	return &SendError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  p.mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
