// Package publisher sends payloads to broker destinations with a bounded
// number of immediate retries.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tinyland-inc/fieldchat/pkg/destination"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

// ErrNoTemplates is returned by SendMessage before any session bootstrap.
var ErrNoTemplates = errors.New("no destination templates: session not bootstrapped")

// DefaultMessageRetries is the retry budget for chat messages.
const DefaultMessageRetries = 1

// Transport is the part of the session the publisher needs.
type Transport interface {
	Publish(ctx context.Context, destination string, payload []byte) error
	Templates() destination.Templates
}

// Envelope is one outbound send in flight.
type Envelope struct {
	DestinationPath   string
	Payload           []byte
	RemainingRetries  int
	OnTerminalFailure func(error)
}

// SendOption adjusts a single send.
type SendOption func(*Envelope)

// WithMaxRetries allows n additional attempts after the first failure.
func WithMaxRetries(n int) SendOption {
	return func(e *Envelope) {
		if n < 0 {
			n = 0
		}
		e.RemainingRetries = n
	}
}

// WithOnFailure registers a callback for when every attempt has failed.
func WithOnFailure(fn func(error)) SendOption {
	return func(e *Envelope) {
		e.OnTerminalFailure = fn
	}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMessageRetries sets the retry budget SendMessage uses.
func WithMessageRetries(n int) Option {
	return func(p *Publisher) {
		if n < 0 {
			n = 0
		}
		p.messageRetries = n
	}
}

type Publisher struct {
	transport      Transport
	messageRetries int
}

func New(transport Transport, opts ...Option) *Publisher {
	p := &Publisher{
		transport:      transport,
		messageRetries: DefaultMessageRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send publishes payload to destinationPath. Retries are immediate; the
// transport is called at most RemainingRetries+1 times. After the last
// failure OnTerminalFailure runs once and the error is returned.
func (p *Publisher) Send(ctx context.Context, destinationPath string, payload []byte, opts ...SendOption) error {
	env := Envelope{DestinationPath: destinationPath, Payload: payload}
	for _, opt := range opts {
		opt(&env)
	}
	return p.deliver(ctx, &env)
}

func (p *Publisher) deliver(ctx context.Context, env *Envelope) error {
	op := func() (struct{}, error) {
		return struct{}{}, p.transport.Publish(ctx, env.DestinationPath, env.Payload)
	}
	notify := func(err error, _ time.Duration) {
		env.RemainingRetries--
		logger.DebugCF("publisher", "Retrying send", map[string]any{
			"destination": env.DestinationPath,
			"remaining":   env.RemainingRetries,
			"error":       err.Error(),
		})
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(env.RemainingRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return nil
	}

	err = fmt.Errorf("publish %s: %w", env.DestinationPath, err)
	logger.WarnCF("publisher", "Send failed", map[string]any{
		"destination": env.DestinationPath,
		"error":       err.Error(),
	})
	if env.OnTerminalFailure != nil {
		env.OnTerminalFailure(err)
	}
	return err
}

// SendMessage publishes a chat message to a conversation.
func (p *Publisher) SendMessage(
	ctx context.Context,
	conversationID int64,
	msg model.OutboundMessage,
	opts ...SendOption,
) error {
	env := Envelope{RemainingRetries: p.messageRetries}
	for _, opt := range opts {
		opt(&env)
	}

	tpl := p.transport.Templates()
	if tpl.IsZero() {
		if env.OnTerminalFailure != nil {
			env.OnTerminalFailure(ErrNoTemplates)
		}
		return ErrNoTemplates
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	env.DestinationPath = tpl.PublishPath(conversationID)
	env.Payload = payload
	return p.deliver(ctx, &env)
}
