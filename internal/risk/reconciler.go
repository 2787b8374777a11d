// Package risk contains broker-truth reconciliation and the session risk
// gate.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"
	"intent_keeper/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// ExposureSnapshot is the broker-derived view of aggregate exposure.
type ExposureSnapshot struct {
	NetQuantity decimal.Decimal // signed, buy positive
	Contracts   int             // |net| expressed in minimum lots
	Side        core.ExposureSide
	PositionIDs map[string]struct{}
	TakenAt     time.Time
}

// Reconciler periodically re-derives bookkeeping from broker state. The
// broker is authoritative: intents referencing dead positions are retired,
// duplicate bindings collapse to the most recently touched intent, and
// reported exposure always comes from broker positions, never from the
// intent collection.
type Reconciler struct {
	venue    core.IVenue
	registry *intent.Registry
	logger   core.ILogger
	info     core.SymbolInfo

	interval   time.Duration
	pruneEvery int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	snapshot   ExposureSnapshot
	cycleCount int
	onOrphan   func(*intent.Intent)
}

// NewReconciler creates a reconciler. pruneEvery sets how many cycles run
// between allow-prune passes.
func NewReconciler(
	venue core.IVenue,
	registry *intent.Registry,
	interval time.Duration,
	pruneEvery int,
	logger core.ILogger,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	if pruneEvery <= 0 {
		pruneEvery = 1
	}

	return &Reconciler{
		venue:      venue,
		registry:   registry,
		logger:     logger.WithField("component", "reconciler"),
		info:       venue.SymbolInfo(),
		interval:   interval,
		pruneEvery: pruneEvery,
		ctx:        ctx,
		cancel:     cancel,
		snapshot: ExposureSnapshot{
			Side:        core.ExposureFlat,
			PositionIDs: map[string]struct{}{},
		},
	}
}

// OnOrphanPruned registers a callback invoked for every intent the
// reconciler retires.
func (r *Reconciler) OnOrphanPruned(fn func(*intent.Intent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOrphan = fn
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.interval, "prune_every", r.pruneEvery)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the reconciler
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			r.cycleCount++
			allowPrune := r.cycleCount%r.pruneEvery == 0
			r.mu.Unlock()

			if err := r.Reconcile(r.ctx, allowPrune); err != nil {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
		}
	}
}

// Reconcile performs a single pass. With allowPrune false only the cheap
// consistency work runs: exposure is recomputed and bindings refreshed.
// With allowPrune true, bookkeeping that contradicts the broker is removed.
func (r *Reconciler) Reconcile(ctx context.Context, allowPrune bool) error {
	positions, err := r.venue.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("position fetch failed: %w", err)
	}

	// De-duplicate by position id before netting; a stuttering feed may
	// report one position twice.
	unique := make(map[string]*core.Position, len(positions))
	for _, p := range positions {
		if existing, ok := unique[p.ID]; !ok || p.UpdatedAt.After(existing.UpdatedAt) {
			unique[p.ID] = p
		}
	}

	net := decimal.Zero
	liveIDs := make(map[string]struct{}, len(unique))
	for id, p := range unique {
		net = net.Add(p.SignedQuantity())
		liveIDs[id] = struct{}{}
	}

	r.refreshBindings(unique)

	if allowPrune {
		r.pruneOrphans(liveIDs)
		r.collapseDuplicates()
		if len(unique) == 0 {
			r.pruneAllExposed()
		}
	}

	snap := ExposureSnapshot{
		NetQuantity: net,
		Contracts:   r.contracts(net),
		Side:        exposureSide(net),
		PositionIDs: liveIDs,
		TakenAt:     time.Now(),
	}

	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()

	netF, _ := net.Float64()
	telemetry.GetGlobalMetrics().SetExposure(r.info.Symbol, netF, int64(snap.Contracts))
	telemetry.GetGlobalMetrics().SetIntentsActive(r.info.Symbol, int64(r.registry.ActiveCount()))

	return nil
}

// refreshBindings pushes the latest broker position data into bound intents.
func (r *Reconciler) refreshBindings(positions map[string]*core.Position) {
	for _, it := range r.registry.Active() {
		id := it.PositionID()
		if id == "" {
			continue
		}
		if p, ok := positions[id]; ok {
			it.BindPosition(p)
		}
	}
}

// pruneOrphans retires intents whose position no longer exists at the
// broker.
func (r *Reconciler) pruneOrphans(liveIDs map[string]struct{}) {
	for _, it := range r.registry.Active() {
		id := it.PositionID()
		if id == "" {
			continue
		}
		if _, alive := liveIDs[id]; alive {
			continue
		}
		r.logger.Warn("Pruning orphaned intent", "token", it.ID(), "position_id", id)
		it.ClearPosition()
		r.retire(it)
	}
}

// collapseDuplicates keeps the most recently touched intent per position id
// and retires the rest.
func (r *Reconciler) collapseDuplicates() {
	byPosition := make(map[string][]*intent.Intent)
	for _, it := range r.registry.Active() {
		if id := it.PositionID(); id != "" {
			byPosition[id] = append(byPosition[id], it)
		}
	}

	for id, claimants := range byPosition {
		if len(claimants) < 2 {
			continue
		}
		survivor := claimants[0]
		for _, it := range claimants[1:] {
			if it.Version() > survivor.Version() {
				survivor = it
			}
		}
		for _, it := range claimants {
			if it == survivor {
				continue
			}
			r.logger.Warn("Pruning duplicate binding",
				"token", it.ID(), "position_id", id, "survivor", survivor.ID())
			it.ClearPosition()
			r.retire(it)
		}
	}
}

// pruneAllExposed retires every intent that claims exposure while the
// broker reports a flat book.
func (r *Reconciler) pruneAllExposed() {
	for _, it := range r.registry.Active() {
		if it.PositionID() == "" {
			// A resting entry with no fill is not exposure.
			continue
		}
		r.logger.Warn("Broker flat, pruning exposed intent", "token", it.ID())
		it.ClearPosition()
		r.retire(it)
	}
}

func (r *Reconciler) retire(it *intent.Intent) {
	if !r.registry.Retire(it) {
		return
	}
	r.mu.Lock()
	fn := r.onOrphan
	r.mu.Unlock()
	if fn != nil {
		fn(it)
	}
}

func (r *Reconciler) contracts(net decimal.Decimal) int {
	lot := r.info.MinLot
	if lot.IsZero() {
		lot = decimal.NewFromInt(1)
	}
	return int(net.Abs().Div(lot).Round(0).IntPart())
}

func exposureSide(net decimal.Decimal) core.ExposureSide {
	switch {
	case net.IsPositive():
		return core.ExposureLong
	case net.IsNegative():
		return core.ExposureShort
	default:
		return core.ExposureFlat
	}
}

// Snapshot returns the last computed exposure snapshot.
func (r *Reconciler) Snapshot() ExposureSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// ExposedAmount returns broker exposure in contracts.
func (r *Reconciler) ExposedAmount() int {
	return r.Snapshot().Contracts
}

// ExposedSide returns the direction of broker exposure.
func (r *Reconciler) ExposedSide() core.ExposureSide {
	return r.Snapshot().Side
}

// NetPosition queries the broker directly and returns deduplicated signed
// net quantity, bypassing the cached snapshot.
func (r *Reconciler) NetPosition(ctx context.Context) (decimal.Decimal, error) {
	positions, err := r.venue.GetPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	unique := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		unique[p.ID] = p.SignedQuantity()
	}
	net := decimal.Zero
	for _, q := range unique {
		net = net.Add(q)
	}
	return net, nil
}

// VerifyFlat polls the broker until it reports no exposure or attempts run
// out.
func (r *Reconciler) VerifyFlat(ctx context.Context, attempts int, delay time.Duration) bool {
	for i := 0; i < attempts; i++ {
		net, err := r.NetPosition(ctx)
		if err == nil && net.IsZero() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	net, err := r.NetPosition(ctx)
	return err == nil && net.IsZero()
}
