package agent

import (
	"sync"
	"time"
)

// DedupConfig bounds the duplicate-suppression window.
type DedupConfig struct {
	// TTL is how long a (conversation, kind) key suppresses repeats.
	TTL time.Duration

	// MaxEntries caps the window size. When full, expired entries are
	// swept; if none have expired, the oldest live entry is evicted.
	MaxEntries int
}

// DefaultDedupConfig returns the standard window bounds.
func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		TTL:        30 * time.Second,
		MaxEntries: 4096,
	}
}

// dedupWindow suppresses redundant deliveries of the same logical message
// observed on more than one subscription pattern. Keyed by
// (conversation id, kind); first delivery wins.
type dedupWindow struct {
	mu      sync.Mutex
	entries map[string]time.Time
	cfg     DedupConfig
	now     func() time.Time
}

func newDedupWindow(cfg DedupConfig) *dedupWindow {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDedupConfig().TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultDedupConfig().MaxEntries
	}
	return &dedupWindow{
		entries: make(map[string]time.Time),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Seen reports whether the key was already recorded within the TTL, and
// records it if not.
func (w *dedupWindow) Seen(conversationID, kind string) bool {
	key := conversationID + "|" + kind

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if at, ok := w.entries[key]; ok && now.Sub(at) < w.cfg.TTL {
		return true
	}

	if len(w.entries) >= w.cfg.MaxEntries {
		w.sweep(now)
	}

	w.entries[key] = now
	return false
}

// sweep drops expired entries; if nothing expired, evicts the oldest.
func (w *dedupWindow) sweep(now time.Time) {
	var oldestKey string
	var oldestAt time.Time

	removed := false
	for key, at := range w.entries {
		if now.Sub(at) >= w.cfg.TTL {
			delete(w.entries, key)
			removed = true
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = key, at
		}
	}

	if !removed && oldestKey != "" {
		delete(w.entries, oldestKey)
	}
}

// Len reports the current number of live entries.
func (w *dedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
