package intent

import (
	"sync"

	"intent_keeper/internal/core"

	"github.com/shopspring/decimal"
)

// Registry owns the live and retired intent collections. All structural
// mutations (create, retire) happen under one mutex so that concurrent
// callers observe a consistent collection.
type Registry struct {
	mu     sync.Mutex
	items  map[string]*Intent
	active []*Intent
	closed []*Intent
	logger core.ILogger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.ILogger) *Registry {
	return &Registry{
		items:  make(map[string]*Intent),
		logger: logger.WithField("component", "intent_registry"),
	}
}

// CreateIfAbsent returns the intent for the token, creating it atomically if
// no intent with that token exists. The second result reports whether this
// call created it.
func (r *Registry) CreateIfAbsent(token string, side core.Side, requestedQty decimal.Decimal) (*Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.items[token]; ok {
		return existing, false
	}

	it := New(token, side, requestedQty)
	r.items[token] = it
	r.active = append(r.active, it)
	r.logger.Debug("Intent created", "token", token, "side", side)
	return it, true
}

// Get returns the intent for the token if it exists.
func (r *Registry) Get(token string) (*Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[token]
	return it, ok
}

// Active returns a snapshot of intents not yet retired.
func (r *Registry) Active() []*Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Intent, len(r.active))
	copy(out, r.active)
	return out
}

// Closed returns a snapshot of retired intents.
func (r *Registry) Closed() []*Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Intent, len(r.closed))
	copy(out, r.closed)
	return out
}

// Retire moves an intent from the active to the closed collection exactly
// once. Repeat calls are no-ops.
func (r *Registry) Retire(it *Intent) bool {
	if !it.markClosed() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, a := range r.active {
		if a == it {
			r.active = append(r.active[:i], r.active[i+1:]...)
			break
		}
	}
	r.closed = append(r.closed, it)
	r.logger.Debug("Intent retired", "token", it.ID())
	return true
}

// TradeCount returns the number of retired intents.
func (r *Registry) TradeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

// ActiveCount returns the number of live intents.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// RealizedProfit sums net profit across retired intents.
func (r *Registry) RealizedProfit() decimal.Decimal {
	r.mu.Lock()
	closed := make([]*Intent, len(r.closed))
	copy(closed, r.closed)
	r.mu.Unlock()

	total := decimal.Zero
	for _, it := range closed {
		total = total.Add(it.NetProfit())
	}
	return total
}
