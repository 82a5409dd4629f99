package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentfleet/relay/identity"
)

// NATSRegistry implements Registry using a NATS JetStream KV bucket.
// Suitable for distributed deployments across multiple nodes.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSRegistryConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSRegistryConfig configures the NATS registry.
type NATSRegistryConfig struct {
	// BucketName is the KV bucket name. Default: "agent-fleet"
	BucketName string

	// TTL for registrations. Zero means no expiry.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultNATSRegistryConfig returns configuration with sensible defaults.
func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		BucketName: "agent-fleet",
		TTL:        30 * time.Second,
		Replicas:   1,
	}
}

// NewNATSRegistry creates a new NATS registry from an existing connection.
func NewNATSRegistry(conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	if cfg.BucketName == "" {
		cfg.BucketName = "agent-fleet"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx := context.Background()

	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	}
	if cfg.TTL > 0 {
		kvCfg.TTL = cfg.TTL
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	r := &NATSRegistry{
		conn:     conn,
		kv:       kv,
		config:   cfg,
		watchers: make([]chan Event, 0),
		cancel:   cancel,
	}

	go r.watchKV(watchCtx)

	return r, nil
}

// Register adds or refreshes an agent's registration.
func (r *NATSRegistry) Register(entry AgentEntry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	entry.LastSeen = time.Now()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	ctx := context.Background()
	if _, err := r.kv.Put(ctx, kvKey(entry.Ref.ID()), data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}

	return nil
}

// Deregister removes an agent.
func (r *NATSRegistry) Deregister(id identity.AgentID) error {
	if id.IsZero() {
		return ErrInvalidEntry
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()

	if _, err := r.kv.Get(ctx, kvKey(id)); err != nil {
		if err == jetstream.ErrKeyNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("get from kv: %w", err)
	}

	if err := r.kv.Delete(ctx, kvKey(id)); err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}

	return nil
}

// Get retrieves one agent by stable id.
func (r *NATSRegistry) Get(id identity.AgentID) (*AgentEntry, error) {
	if id.IsZero() {
		return nil, ErrInvalidEntry
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	kvEntry, err := r.kv.Get(ctx, kvKey(id))
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get from kv: %w", err)
	}

	var entry AgentEntry
	if err := json.Unmarshal(kvEntry.Value(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}

	return &entry, nil
}

// List returns all agents matching the filter.
func (r *NATSRegistry) List(filter *Filter) ([]AgentEntry, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []AgentEntry{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []AgentEntry
	for _, key := range keys {
		kvEntry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}

		var entry AgentEntry
		if err := json.Unmarshal(kvEntry.Value(), &entry); err != nil {
			continue
		}

		if MatchesFilter(entry, filter) {
			result = append(result, entry)
		}
	}

	sortEntries(result)
	return result, nil
}

// Wave returns the members of one rollout wave.
func (r *NATSRegistry) Wave(n int) ([]AgentEntry, error) {
	return r.List(&Filter{Wave: &n})
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.cancel()

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// watchKV monitors the KV bucket and notifies watchers.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case kvEntry := <-watcher.Updates():
			if kvEntry == nil {
				continue
			}

			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}

			var event Event
			switch kvEntry.Operation() {
			case jetstream.KeyValuePut:
				var entry AgentEntry
				if err := json.Unmarshal(kvEntry.Value(), &entry); err != nil {
					r.mu.RUnlock()
					continue
				}
				event = Event{ID: entry.Ref.ID(), Entry: entry}
				if kvEntry.Revision() == 1 {
					event.Type = EventAdded
				} else {
					event.Type = EventUpdated
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				id, err := identity.ParseAgentID(kvEntry.Key())
				if err != nil {
					r.mu.RUnlock()
					continue
				}
				event = Event{Type: EventRemoved, ID: id}
			default:
				r.mu.RUnlock()
				continue
			}

			for _, ch := range r.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			r.mu.RUnlock()
		}
	}
}

// Conn returns the underlying NATS connection.
func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}

// kvKey maps a stable id onto a KV key.
func kvKey(id identity.AgentID) string {
	return id.String()
}
