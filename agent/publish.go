package agent

import (
	"context"
	"sync"
	"time"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/metrics"
	"github.com/agentfleet/relay/subject"
)

// RetryConfig bounds per-pattern publish retries. Each pattern retries
// independently; a failing unified publish never delays the legacy one.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the standard retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

// Send publishes a message to another agent. The legacy name-keyed
// subject is always published; with the migration flag set, the
// reference-keyed subject is additionally published with identical
// payload and headers. With the flag unset exactly one publish is
// attempted, with it set exactly two.
func (r *Runtime) Send(ctx context.Context, to identity.AgentReference, kind subject.Kind, conv identity.ConversationID, payload []byte) error {
	if to.IsZero() {
		return errors.Construction("send requires a recipient reference")
	}

	h := bus.Header{}
	h.Set(bus.HeaderSender, r.ref.ToHeaderValue())
	h.Set(bus.HeaderRecipient, to.ToHeaderValue())
	if !conv.IsZero() {
		h.Set(bus.HeaderConversation, conv.String())
	}
	h.Set(bus.HeaderKind, kind.String())

	legacySubj := r.factory.LegacyMessage(to.Name(), r.ref.Name(), kind).String()

	if !r.unifiedEnabled {
		legacyErr := r.publishLegacy(ctx, legacySubj, conv, payload, h)
		if legacyErr != nil {
			r.collector.RecordDualPublish(ctx, metrics.DualFailure)
			return legacyErr
		}
		r.collector.RecordDualPublish(ctx, metrics.DualSuccess)
		return nil
	}

	// Both patterns attempt in parallel: a failing or slow retry loop on
	// one must never delay the other.
	unifiedSubj := r.factory.AgentCommand(to, kind).String()
	var legacyErr, unifiedErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		legacyErr = r.publishLegacy(ctx, legacySubj, conv, payload, h)
	}()
	go func() {
		defer wg.Done()
		unifiedErr = r.publishUnified(ctx, unifiedSubj, conv, payload, h)
	}()
	wg.Wait()

	switch {
	case legacyErr == nil && unifiedErr == nil:
		r.collector.RecordDualPublish(ctx, metrics.DualSuccess)
		return nil
	case legacyErr != nil && unifiedErr != nil:
		r.collector.RecordDualPublish(ctx, metrics.DualFailure)
		return errors.Join(legacyErr, unifiedErr)
	default:
		r.collector.RecordDualPublish(ctx, metrics.DualPartial)
		if legacyErr != nil {
			return legacyErr
		}
		return unifiedErr
	}
}

// publishLegacy runs the name-keyed retry path, wrapping and counting
// any terminal failure.
func (r *Runtime) publishLegacy(ctx context.Context, subj string, conv identity.ConversationID, payload []byte, h bus.Header) error {
	err := r.publishWithRetry(ctx, OriginInbox, &bus.Message{
		Subject: subj,
		Data:    payload,
		Header:  h,
	})
	if err != nil {
		err = errors.PublishLegacy(subj, err,
			errors.WithConversationID(conv.String()))
		r.collector.RecordError(ctx, errors.Category(err))
	}
	return err
}

// publishUnified runs the reference-keyed retry path.
func (r *Runtime) publishUnified(ctx context.Context, subj string, conv identity.ConversationID, payload []byte, h bus.Header) error {
	err := r.publishWithRetry(ctx, OriginAgentRef, &bus.Message{
		Subject: subj,
		Data:    payload,
		Header:  h,
	})
	if err != nil {
		err = errors.PublishUnified(subj, err,
			errors.WithConversationID(conv.String()))
		r.collector.RecordError(ctx, errors.Category(err))
		return err
	}
	r.collector.RecordAgentRef(ctx)
	return nil
}

// Broadcast publishes to every agent on the fleet-wide channel.
func (r *Runtime) Broadcast(ctx context.Context, topic subject.Segment, conv identity.ConversationID, payload []byte) error {
	h := bus.Header{}
	h.Set(bus.HeaderSender, r.ref.ToHeaderValue())
	if !conv.IsZero() {
		h.Set(bus.HeaderConversation, conv.String())
	}
	h.Set(bus.HeaderKind, subject.KindStatus.String())

	subj := r.factory.Broadcast(topic).String()
	err := r.publishWithRetry(ctx, OriginBroadcast, &bus.Message{
		Subject: subj,
		Data:    payload,
		Header:  h,
	})
	if err != nil {
		err = errors.PublishLegacy(subj, err)
		r.collector.RecordError(ctx, errors.Category(err))
	}
	return err
}

// publishWithRetry attempts one pattern's publish with bounded backoff.
func (r *Runtime) publishWithRetry(ctx context.Context, origin Origin, msg *bus.Message) error {
	backoff := r.retry.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		lastErr = r.bus.PublishMsg(msg)
		r.log.PublishAttempt(string(origin), msg.Subject, attempt, lastErr)
		if lastErr == nil {
			return nil
		}

		if attempt == r.retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "publish canceled",
				errors.WithPattern(string(origin)))
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.retry.MaxBackoff {
			backoff = r.retry.MaxBackoff
		}
	}

	return lastErr
}
