package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback. Each key keeps a log of admission
// times guarded by its own mutex.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	mu     sync.Mutex
	hits   []time.Time
	length time.Duration
	// swept is set once the window has been removed from the map; holders
	// of a stale pointer must look the key up again.
	swept bool
}

// NewMemoryStore creates an empty store. Call Run to sweep expired keys.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) get(key string, length time.Duration) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		w = &window{length: length}
		m.windows[key] = w
	}
	return w
}

// Hit records an admission when the window has room.
func (m *MemoryStore) Hit(_ context.Context, key string, limit int, length time.Duration, now time.Time) (Decision, error) {
	w := m.get(key, length)
	w.mu.Lock()
	for w.swept {
		w.mu.Unlock()
		w = m.get(key, length)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	w.length = length
	w.prune(now)

	if limit <= 0 {
		return Decision{Allowed: false, ResetIn: length}, nil
	}
	if len(w.hits) >= limit {
		return Decision{Allowed: false, Remaining: 0, ResetIn: w.hits[0].Add(length).Sub(now)}, nil
	}
	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(w.hits),
		ResetIn:   w.hits[0].Add(length).Sub(now),
	}, nil
}

// prune drops admissions older than the window. Callers hold w.mu.
func (w *window) prune(now time.Time) {
	i := 0
	for i < len(w.hits) && now.Sub(w.hits[i]) >= w.length {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// Sweep removes keys whose windows are empty.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, w := range m.windows {
		w.mu.Lock()
		w.prune(now)
		empty := len(w.hits) == 0
		if empty {
			w.swept = true
		}
		w.mu.Unlock()
		if empty {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
