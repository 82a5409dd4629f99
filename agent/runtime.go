package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/logging"
	"github.com/agentfleet/relay/metrics"
	"github.com/agentfleet/relay/subject"
)

// DefaultDrainTimeout bounds how long Stop waits for in-flight handlers.
const DefaultDrainTimeout = 10 * time.Second

// Config configures a dual-pattern runtime.
type Config struct {
	// Ref is this agent's full reference.
	Ref identity.AgentReference

	// Bus carries all traffic.
	Bus bus.MessageBus

	// Handler processes inbound messages.
	Handler Handler

	// UnifiedEnabled gates the additional reference-keyed publish path.
	// Read once at construction; flipping it requires a restart.
	UnifiedEnabled bool

	// Factory defaults to the "agent" domain.
	Factory subject.Factory

	// Collector defaults to a fresh collector.
	Collector *metrics.Collector

	// Logger defaults to a component-scoped logger on stderr.
	Logger *logging.Logger

	Retry        RetryConfig
	Dedup        DedupConfig
	DrainTimeout time.Duration
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Ref.IsZero() {
		return errors.Construction("runtime requires an agent reference")
	}
	if c.Bus == nil {
		return errors.Construction("runtime requires a bus")
	}
	if c.Handler == nil {
		return errors.Construction("runtime requires a handler")
	}
	return nil
}

// Runtime subscribes an agent on every routing pattern at once and
// publishes on all grammars its migration flag allows. All legacy and
// reference-keyed traffic funnels into a single intake so the handler
// observes one ordered stream regardless of which pattern delivered.
type Runtime struct {
	ref            identity.AgentReference
	bus            bus.MessageBus
	factory        subject.Factory
	collector      *metrics.Collector
	log            *logging.Logger
	handler        Handler
	unifiedEnabled bool
	retry          RetryConfig
	dedup          *dedupWindow
	drainTimeout   time.Duration

	running atomic.Bool
	subs    []bus.Subscription
	intake  chan delivery
	stopCh  chan struct{}
	fanWG   sync.WaitGroup
	doneCh  chan struct{}
}

// delivery pairs a raw message with the pattern that produced it.
type delivery struct {
	origin Origin
	msg    *bus.Message
}

// New creates a runtime from validated config.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory := cfg.Factory
	if factory.Domain() == "" {
		factory = subject.DefaultFactory()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = metrics.NewCollector()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New().WithComponent("runtime").WithAgent(cfg.Ref.ID().String())
	}
	drain := cfg.DrainTimeout
	if drain <= 0 {
		drain = DefaultDrainTimeout
	}

	return &Runtime{
		ref:            cfg.Ref,
		bus:            cfg.Bus,
		factory:        factory,
		collector:      collector,
		log:            log,
		handler:        cfg.Handler,
		unifiedEnabled: cfg.UnifiedEnabled,
		retry:          cfg.Retry.withDefaults(),
		dedup:          newDedupWindow(cfg.Dedup),
		drainTimeout:   drain,
	}, nil
}

// Ref returns this agent's reference.
func (r *Runtime) Ref() identity.AgentReference {
	return r.ref
}

// UnifiedEnabled reports the migration flag this process was started with.
func (r *Runtime) UnifiedEnabled() bool {
	return r.unifiedEnabled
}

// Collector exposes the runtime's metrics for snapshot emission.
func (r *Runtime) Collector() *metrics.Collector {
	return r.collector
}

// Start subscribes all three patterns and begins dispatching. The
// reference-keyed subscription is always active so traffic is never lost
// when a peer's flag flips first.
func (r *Runtime) Start(ctx context.Context) error {
	if r.running.Swap(true) {
		return errors.Internal("runtime already started")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	patterns := []struct {
		origin  Origin
		pattern string
	}{
		{OriginInbox, r.factory.LegacyInbox(r.ref.Name()).String()},
		{OriginBroadcast, r.factory.BroadcastPattern().String()},
		{OriginAgentRef, r.factory.CommandsByID(r.ref.ID()).String()},
	}

	r.intake = make(chan delivery, 64)
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	for _, p := range patterns {
		sub, err := r.bus.Subscribe(p.pattern)
		if err != nil {
			r.teardownSubs()
			r.running.Store(false)
			return errors.Wrap(err, "subscribe "+p.pattern)
		}
		r.subs = append(r.subs, sub)

		r.fanWG.Add(1)
		go r.fanIn(p.origin, sub)
	}

	go r.dispatch(ctx)

	r.log.Info("runtime started", map[string]interface{}{
		"agent":           r.ref.ToHeaderValue(),
		"unified_enabled": r.unifiedEnabled,
	})
	return nil
}

// fanIn forwards one subscription's messages into the shared intake.
func (r *Runtime) fanIn(origin Origin, sub bus.Subscription) {
	defer r.fanWG.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			select {
			case r.intake <- delivery{origin: origin, msg: msg}:
			case <-r.stopCh:
				return
			}
		}
	}
}

// dispatch is the single logical consumer over all patterns.
func (r *Runtime) dispatch(ctx context.Context) {
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			// Drain whatever fan-in already queued.
			for {
				select {
				case d := <-r.intake:
					r.process(ctx, d)
				default:
					return
				}
			}
		case d := <-r.intake:
			r.process(ctx, d)
		}
	}
}

// process handles one delivery end to end.
func (r *Runtime) process(ctx context.Context, d delivery) {
	in, err := r.resolveInbound(d.origin, d.msg)
	if err != nil {
		r.collector.RecordError(ctx, errors.Category(err))
		r.log.ParseRejected(d.msg.Subject, err)
		return
	}

	switch d.origin {
	case OriginInbox:
		r.collector.RecordInbox(ctx)
	case OriginBroadcast:
		r.collector.RecordBroadcast(ctx)
	case OriginAgentRef:
		r.collector.RecordAgentRef(ctx)
	}

	// A message published on both grammars arrives twice; only the first
	// delivery reaches the handler. Messages without a conversation id
	// cannot be correlated and are always dispatched.
	if !in.Conversation.IsZero() {
		if r.dedup.Seen(in.Conversation.String(), in.Kind.String()) {
			r.collector.RecordDedupHit(ctx)
			r.log.DuplicateDropped(in.Conversation.String(), in.Kind.String(), string(d.origin))
			return
		}
	}

	start := time.Now()
	response, err := r.handler(ctx, in)
	r.collector.ObserveLatency(ctx, time.Since(start))

	if err != nil {
		r.collector.RecordError(ctx, errors.Category(err))
		r.publishHandlerError(ctx, in, err)
		return
	}

	if response != nil && !in.Conversation.IsZero() {
		r.publishResponse(ctx, in, response)
	}
}

// publishResponse answers on the identity-free conversation channel.
func (r *Runtime) publishResponse(ctx context.Context, in Inbound, payload []byte) {
	subj := r.factory.ConversationResponse(in.Conversation).String()
	msg := &bus.Message{
		Subject: subj,
		Data:    payload,
		Header:  r.conversationHeader(in, subject.KindResponse),
	}

	if err := r.publishWithRetry(ctx, OriginAgentRef, msg); err != nil {
		r.collector.RecordError(ctx, errors.Category(err))
		r.log.Error("response publish failed", map[string]interface{}{
			"subject": subj,
			"error":   err,
		})
	}
}

// publishHandlerError reports a handler failure on the conversation
// error subject. Uncorrelated messages only log.
func (r *Runtime) publishHandlerError(ctx context.Context, in Inbound, handlerErr error) {
	if in.Conversation.IsZero() {
		r.log.Error("handler failed", map[string]interface{}{
			"subject": in.Subject,
			"error":   handlerErr,
		})
		return
	}

	relayErr := errors.Wrap(handlerErr, "handler failed",
		errors.WithConversationID(in.Conversation.String()),
		errors.WithAgentID(r.ref.ID().String()))

	data, err := relayErr.MarshalJSON()
	if err != nil {
		r.log.Error("handler error marshal failed", map[string]interface{}{"error": err})
		return
	}

	subj := r.factory.ConversationError(in.Conversation).String()
	msg := &bus.Message{
		Subject: subj,
		Data:    data,
		Header:  r.conversationHeader(in, subject.KindError),
	}

	if err := r.publishWithRetry(ctx, OriginAgentRef, msg); err != nil {
		r.log.Error("error publish failed", map[string]interface{}{
			"subject": subj,
			"error":   err,
		})
	}
}

// conversationHeader builds the envelope for a conversation reply.
func (r *Runtime) conversationHeader(in Inbound, kind subject.Kind) bus.Header {
	h := bus.Header{}
	h.Set(bus.HeaderSender, r.ref.ToHeaderValue())
	if !in.Sender.IsZero() {
		h.Set(bus.HeaderRecipient, in.Sender.ToHeaderValue())
	}
	h.Set(bus.HeaderConversation, in.Conversation.String())
	h.Set(bus.HeaderKind, kind.String())
	return h
}

// teardownSubs unsubscribes everything registered so far.
func (r *Runtime) teardownSubs() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

// Stop unsubscribes, drains in-flight work within the drain timeout,
// then releases the intake.
func (r *Runtime) Stop() {
	if !r.running.Swap(false) {
		return
	}

	r.teardownSubs()
	close(r.stopCh)
	r.fanWG.Wait()

	select {
	case <-r.doneCh:
	case <-time.After(r.drainTimeout):
		r.log.Warn("drain timeout elapsed before dispatch finished")
	}

	r.log.Info("runtime stopped", map[string]interface{}{
		"agent": r.ref.ToHeaderValue(),
	})
}
