// registry.go owns the process-wide map of live hubs.
package hub

import (
	"log/slog"
	"sync"

	"github.com/lazy-geeek/orderfox-gateway/internal/config"
	"github.com/lazy-geeek/orderfox-gateway/internal/exchange"
	"github.com/lazy-geeek/orderfox-gateway/pkg/types"
)

// Registry owns all hubs. Sessions acquire hubs through it and request
// operations by key; hubs remove themselves when their grace expires.
type Registry struct {
	dialer  exchange.Dialer
	fetcher historicalSource
	cfg     config.HubConfig
	logger  *slog.Logger

	mu   sync.RWMutex
	hubs map[Key]*Hub
}

// NewRegistry creates an empty hub registry.
func NewRegistry(dialer exchange.Dialer, fetcher historicalSource, cfg config.HubConfig, logger *slog.Logger) *Registry {
	return &Registry{
		dialer:  dialer,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		hubs:    make(map[Key]*Hub),
	}
}

// Attach finds or creates the hub for key and attaches s to it. A hub caught
// mid-teardown refuses the attach; the registry then replaces it and retries.
func (r *Registry) Attach(key Key, meta types.SymbolMeta, s Subscriber, opts AttachOptions) *Hub {
	for {
		h := r.acquire(key, meta, opts)
		if h.Attach(s, opts) {
			return h
		}
		r.drop(h)
	}
}

func (r *Registry) acquire(key Key, meta types.SymbolMeta, opts AttachOptions) *Hub {
	r.mu.RLock()
	h, ok := r.hubs[key]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[key]; ok {
		return h
	}
	h = newHub(key, meta, r.dialer, r.fetcher, r.cfg, opts, r.logger)
	h.onIdle = r.drop
	r.hubs[key] = h
	return h
}

// Lookup returns the live hub for key, if any. Never creates one.
func (r *Registry) Lookup(key Key) (*Hub, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hubs[key]
	return h, ok
}

// Count returns the number of live hubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hubs)
}

func (r *Registry) drop(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.hubs[h.Key()]; ok && cur == h {
		delete(r.hubs, h.Key())
	}
}

// Close tears down every hub. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.hubs = make(map[Key]*Hub)
	r.mu.Unlock()

	for _, h := range hubs {
		h.Shutdown()
	}
}
