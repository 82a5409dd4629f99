package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfleet/relay/subject"
)

// MemoryBus implements MessageBus using in-memory channels, with the same
// wildcard matching rules as the broker. Useful for testing and
// single-process scenarios.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool

	// For request/reply
	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:    cfg,
		replySubs: make(map[string]chan *Message),
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(subj string, data []byte) error {
	return b.PublishMsg(&Message{Subject: subj, Data: data})
}

// PublishMsg sends a message, headers included, to all matching subscribers.
func (b *MemoryBus) PublishMsg(msg *Message) error {
	if err := ValidateSubject(msg.Subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	b.deliver(msg)
	b.deliverToReply(msg.Subject, msg)
	return nil
}

// deliver fans out to plain subscribers and picks one member per queue group.
func (b *MemoryBus) deliver(msg *Message) {
	b.mu.RLock()
	subs := make([]*memorySub, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	// queue -> members whose pattern matched
	queues := make(map[string][]*memorySub)

	for _, sub := range subs {
		if sub.closed.Load() || !subject.MatchStrings(sub.pattern, msg.Subject) {
			continue
		}
		if sub.queue != "" {
			key := sub.pattern + "|" + sub.queue
			queues[key] = append(queues[key], sub)
			continue
		}
		select {
		case sub.ch <- copyMessage(msg):
		default:
			// Buffer full, drop message
		}
	}

	for _, members := range queues {
		for _, sub := range members {
			select {
			case sub.ch <- copyMessage(msg):
			default:
				continue
			}
			break
		}
	}
}

// copyMessage gives each subscriber its own header storage, matching
// wire semantics where every consumer decodes an independent copy.
func copyMessage(msg *Message) *Message {
	out := &Message{
		Subject: msg.Subject,
		Data:    msg.Data,
		Reply:   msg.Reply,
	}
	if len(msg.Header) > 0 {
		out.Header = msg.Header.Clone()
	}
	return out
}

// deliverToReply handles reply subjects for request/reply.
func (b *MemoryBus) deliverToReply(subj string, msg *Message) {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subj]
	if ok {
		delete(b.replySubs, subj)
	}
	b.replyMu.Unlock()

	if ok {
		select {
		case ch <- msg:
		default:
		}
		close(ch)
	}
}

// Subscribe creates a subscription to a subject or wildcard pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	return b.subscribe(pattern, "")
}

// QueueSubscribe creates a queue subscription.
func (b *MemoryBus) QueueSubscribe(pattern, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(pattern, queue)
}

func (b *MemoryBus) subscribe(pattern, queue string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(subj string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subj); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	replySubject := b.createReplySubject()
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	b.deliver(&Message{
		Subject: subj,
		Data:    data,
		Reply:   replySubject,
	})

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

// createReplySubject generates a unique reply subject.
func (b *MemoryBus) createReplySubject() string {
	seq := atomic.AddUint64(&b.replySeq, 1)
	return fmt.Sprintf("_INBOX.%d", seq)
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	b.subs = nil

	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}

	close(s.ch)
	return nil
}
