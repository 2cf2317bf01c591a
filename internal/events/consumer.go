package events

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"covenant.church/internal/identity"
	"covenant.church/internal/obs"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader builds a consumer-group reader.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// Lifecycle is what the handler needs from the identity engine.
type Lifecycle interface {
	Reconcile(ctx context.Context, cred identity.Credential) (identity.ReconcileResult, error)
	Forget(ctx context.Context, identityID, actor string) error
}

// Invalidator drops cached role hints.
type Invalidator interface {
	Invalidate(ctx context.Context, identityID string)
}

// Handler applies one event. A returned error is transient and the message
// must be retried; permanent failures are logged and swallowed.
//
// Created and login events only name the identity: the credential is re-read
// from the store so a stale or reordered event cannot roll an email back.
type Handler struct {
	creds       identity.CredentialReader
	lifecycle   Lifecycle
	invalidator Invalidator
	publisher   *Publisher
	policy      identity.RetryPolicy
}

// NewHandler constructs a Handler. invalidator and publisher may be nil.
func NewHandler(creds identity.CredentialReader, l Lifecycle, inv Invalidator, pub *Publisher, policy identity.RetryPolicy) *Handler {
	return &Handler{creds: creds, lifecycle: l, invalidator: inv, publisher: pub, policy: policy}
}

func (h *Handler) Handle(ctx context.Context, m kafka.Message) error {
	ev, err := Decode(m.Value)
	if err != nil {
		obs.Logger().Error().Err(err).Int64("offset", m.Offset).Int("partition", m.Partition).Msg("dropping malformed identity event")
		return nil
	}
	log := obs.Logger().With().Str("event", ev.Type).Str("identity_id", ev.IdentityID).Logger()

	switch ev.Type {
	case TypeIdentityCreated, TypeIdentityLogin:
		_, err = identity.Retry(ctx, h.policy, func(ctx context.Context) (identity.ReconcileResult, error) {
			cred, err := h.creds.GetCredential(ctx, ev.IdentityID)
			if err != nil {
				return identity.ReconcileResult{}, err
			}
			return h.lifecycle.Reconcile(ctx, cred)
		})
		if errors.Is(err, identity.ErrNotFound) {
			log.Info().Msg("credential no longer exists; skipping")
			return nil
		}
		if err == nil && h.invalidator != nil {
			h.invalidator.Invalidate(ctx, ev.IdentityID)
		}
	case TypeIdentityDeleted:
		_, err = identity.Retry(ctx, h.policy, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, h.lifecycle.Forget(ctx, ev.IdentityID, TypeIdentityDeleted)
		})
		if err == nil && h.invalidator != nil {
			h.invalidator.Invalidate(ctx, ev.IdentityID)
		}
	default:
		log.Warn().Msg("ignoring unknown identity event type")
		return nil
	}

	switch {
	case err == nil:
		return nil
	case identity.IsTransient(err):
		log.Warn().Err(err).Msg("identity event failed transiently")
		return err
	}

	log.Error().Err(err).Str("kind", identity.Kind(err)).Msg("identity event failed permanently")
	var conflict *identity.ConflictError
	if errors.As(err, &conflict) && h.publisher != nil {
		if perr := h.publisher.PublishConflict(ctx, conflict); perr != nil {
			log.Warn().Err(perr).Msg("conflict notification not published")
		}
	}
	return nil
}

// Consumer drives a Reader through a Handler, committing each message once
// it has been applied or judged permanently unprocessable.
type Consumer struct {
	reader     Reader
	handler    *Handler
	timeout    time.Duration
	newBackOff func() backoff.BackOff
}

// NewConsumer constructs a Consumer. timeout bounds a single handling attempt.
func NewConsumer(r Reader, h *Handler, timeout time.Duration) *Consumer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Consumer{
		reader:  r,
		handler: h,
		timeout: timeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	obs.Logger().Info().Msg("identity event consumer started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			obs.Logger().Warn().Err(err).Msg("fetch identity event failed")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		// Transient failures retry the same message so per-identity order holds.
		err = backoff.Retry(func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.handler.Handle(attemptCtx, m)
		}, backoff.WithContext(c.newBackOff(), ctx))
		if err != nil {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			obs.Logger().Error().Err(err).Int64("offset", m.Offset).Msg("commit identity event failed")
		}
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error { return c.reader.Close() }

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
