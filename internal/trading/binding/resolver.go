package binding

import (
	"sync"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"
	"intent_keeper/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

type pendingChild struct {
	order    *core.Order
	cachedAt time.Time
}

type stagedBracket struct {
	stop     decimal.NullDecimal
	target   decimal.NullDecimal
	stagedAt time.Time
}

// Resolver routes broker order and position events onto intents. Binding is
// tiered: the correlation comment is authoritative, group-id intersection
// covers orders the broker re-grouped, and price-proximity is the last
// resort for untagged protective orders.
type Resolver struct {
	registry  *intent.Registry
	logger    core.ILogger
	info      core.SymbolInfo
	tolerance decimal.Decimal
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string][]pendingChild
	staged  map[string]stagedBracket
}

// NewResolver creates a resolver. toleranceTicks scales the tick size for
// the price-proximity tier.
func NewResolver(registry *intent.Registry, info core.SymbolInfo, toleranceTicks decimal.Decimal, ttl time.Duration, logger core.ILogger) *Resolver {
	return &Resolver{
		registry:  registry,
		logger:    logger.WithField("component", "binding_resolver"),
		info:      info,
		tolerance: toleranceTicks,
		ttl:       ttl,
		now:       time.Now,
		pending:   make(map[string][]pendingChild),
		staged:    make(map[string]stagedBracket),
	}
}

// OnOrderEvent applies one order added/updated event.
func (r *Resolver) OnOrderEvent(o *core.Order) {
	if token, role, ok := ParseComment(o.Comment); ok {
		r.routeByComment(token, role, o)
		return
	}

	if len(SplitGroupID(o.GroupID)) == 0 {
		// Untagged and ungrouped: not ours.
		return
	}

	if r.tryAssignByGroup(o) {
		return
	}

	r.cachePending(o)
}

func (r *Resolver) routeByComment(token string, role Role, o *core.Order) {
	switch role {
	case RoleEntry:
		it, created := r.registry.CreateIfAbsent(token, o.Side, o.Quantity)
		if created {
			r.logger.Info("Intent discovered from entry order", "token", token, "order_id", o.ID)
		}
		if !it.BindEntry(o) {
			r.logger.Warn("Duplicate entry order for intent ignored",
				"token", token, "order_id", o.ID, "bound_order_id", it.EntryOrder().ID)
			return
		}
		r.applyStaged(it)
		r.drainPending(it)

	case RoleStopLoss, RoleTakeProfit:
		it, _ := r.registry.CreateIfAbsent(token, o.Side.Opposite(), o.Quantity)
		r.assignChild(it, o)
	}
}

// tryAssignByGroup matches a protective-looking order against the entry
// group ids of live intents.
func (r *Resolver) tryAssignByGroup(o *core.Order) bool {
	for _, it := range r.registry.Active() {
		entryGroup := it.EntryGroupID()
		if entryGroup == "" || !GroupsIntersect(entryGroup, o.GroupID) {
			continue
		}
		if o.Side != it.Side().Opposite() {
			continue
		}
		r.assignChild(it, o)
		return true
	}
	return false
}

// assignChild places a protective order into the slot its behavior implies.
// An active slot is never displaced.
func (r *Resolver) assignChild(it *intent.Intent, o *core.Order) {
	switch o.Behavior {
	case core.BehaviorStop:
		if !it.BindStopOrder(o.ID, true) {
			r.logger.Debug("Stop slot occupied, incoming order ignored",
				"token", it.ID(), "order_id", o.ID)
			return
		}
		if !it.Stop().Planned() && o.TriggerPrice.Valid {
			it.PlanStop(o.TriggerPrice.Decimal)
		}
	case core.BehaviorLimit:
		if !it.BindTargetOrder(o.ID, true) {
			r.logger.Debug("Target slot occupied, incoming order ignored",
				"token", it.ID(), "order_id", o.ID)
			return
		}
		if !it.Target().Planned() && o.Price.Valid {
			it.PlanTarget(o.Price.Decimal)
		}
	default:
		r.logger.Debug("Child order with non-protective behavior ignored",
			"token", it.ID(), "order_id", o.ID, "behavior", o.Behavior)
	}
}

// cachePending stores an order whose entry has not arrived yet, keyed by
// each component of its group id.
func (r *Resolver) cachePending(o *core.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := pendingChild{order: o, cachedAt: r.now()}
	for _, token := range SplitGroupID(o.GroupID) {
		r.pending[token] = append(r.pending[token], entry)
	}
	r.logger.Debug("Child order cached pending entry", "order_id", o.ID, "group_id", o.GroupID)
}

// drainPending attaches cached children whose group tokens match the entry
// that just bound.
func (r *Resolver) drainPending(it *intent.Intent) {
	groups := SplitGroupID(it.EntryGroupID())
	if len(groups) == 0 {
		return
	}

	r.mu.Lock()
	var drained []*core.Order
	seen := make(map[string]struct{})
	for _, token := range groups {
		for _, pc := range r.pending[token] {
			if _, dup := seen[pc.order.ID]; dup {
				continue
			}
			seen[pc.order.ID] = struct{}{}
			drained = append(drained, pc.order)
		}
		delete(r.pending, token)
	}
	// A child cached under a composite group id also sits under tokens this
	// entry does not carry; purge those copies so a stale duplicate cannot
	// re-bind into another intent later.
	if len(seen) > 0 {
		for token, children := range r.pending {
			kept := children[:0]
			for _, pc := range children {
				if _, ok := seen[pc.order.ID]; !ok {
					kept = append(kept, pc)
				}
			}
			if len(kept) == 0 {
				delete(r.pending, token)
			} else {
				r.pending[token] = kept
			}
		}
	}
	r.mu.Unlock()

	for _, o := range drained {
		r.assignChild(it, o)
	}
}

// applyStaged applies a bracket plan staged before the intent existed.
func (r *Resolver) applyStaged(it *intent.Intent) {
	r.mu.Lock()
	plan, ok := r.staged[it.ID()]
	if ok {
		delete(r.staged, it.ID())
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if plan.stop.Valid {
		it.PlanStop(plan.stop.Decimal)
	}
	if plan.target.Valid {
		it.PlanTarget(plan.target.Decimal)
	}
}

// PlanBracket records desired protective prices for a token. If the intent
// already exists the plan applies immediately, otherwise it is staged until
// the entry order arrives.
func (r *Resolver) PlanBracket(token string, stop, target decimal.NullDecimal) {
	if it, ok := r.registry.Get(token); ok {
		if stop.Valid {
			it.PlanStop(stop.Decimal)
		}
		if target.Valid {
			it.PlanTarget(target.Decimal)
		}
		return
	}

	r.mu.Lock()
	r.staged[token] = stagedBracket{stop: stop, target: target, stagedAt: r.now()}
	r.mu.Unlock()
}

// OnOrderTerminal releases protective slot bindings held by an order that
// reached a terminal state, and refreshes the entry order if it matches.
func (r *Resolver) OnOrderTerminal(o *core.Order) {
	if !o.Status.IsTerminal() {
		return
	}
	for _, it := range r.registry.Active() {
		if entry := it.EntryOrder(); entry != nil && entry.ID == o.ID {
			it.BindEntry(o)
		}
		if it.Stop().OrderID == o.ID && o.Status != core.StatusFilled {
			it.ReleaseStopOrder()
		}
		if it.Target().OrderID == o.ID && o.Status != core.StatusFilled {
			it.ReleaseTargetOrder()
		}
	}
}

// OnPositionEvent binds a position to its intent. A position already bound
// by id is refreshed; otherwise the most recently touched live intent on
// the same side with a bound entry and no position claims it.
func (r *Resolver) OnPositionEvent(pos *core.Position) (*intent.Intent, bool) {
	var candidate *intent.Intent
	for _, it := range r.registry.Active() {
		if it.PositionID() == pos.ID {
			it.BindPosition(pos)
			return it, true
		}
		if it.PositionID() == "" && it.EntryOrder() != nil && it.Side() == pos.Side {
			if candidate == nil || it.Version() > candidate.Version() {
				candidate = it
			}
		}
	}

	if candidate == nil {
		r.logger.Warn("Position with no owning intent", "position_id", pos.ID, "side", pos.Side)
		return nil, false
	}

	candidate.BindPosition(pos)
	r.logger.Info("Position bound to intent", "position_id", pos.ID, "token", candidate.ID())
	return candidate, true
}

// OnPositionRemoved detaches the position from whichever intent holds it.
func (r *Resolver) OnPositionRemoved(positionID string) *intent.Intent {
	for _, it := range r.registry.Active() {
		if it.PositionID() == positionID {
			it.ClearPosition()
			return it
		}
	}
	return nil
}

// FindProtective locates the broker order serving a protective slot among
// the open orders. Tiers: tracked order id, group-id intersection, then
// price proximity against the planned price.
func (r *Resolver) FindProtective(it *intent.Intent, role Role, orders []*core.Order) *core.Order {
	var slot intent.ProtectiveSlot
	var behavior core.OrderBehavior
	switch role {
	case RoleStopLoss:
		slot, behavior = it.Stop(), core.BehaviorStop
	case RoleTakeProfit:
		slot, behavior = it.Target(), core.BehaviorLimit
	default:
		return nil
	}

	// Tier 1: tracked id.
	if slot.OrderID != "" {
		for _, o := range orders {
			if o.ID == slot.OrderID && o.Status.IsActive() {
				return o
			}
		}
	}

	entryGroup := it.EntryGroupID()
	protSide := it.Side().Opposite()

	// Tier 2: shared group token.
	if entryGroup != "" {
		for _, o := range orders {
			if o.Behavior == behavior && o.Side == protSide && o.Status.IsActive() &&
				GroupsIntersect(entryGroup, o.GroupID) {
				return o
			}
		}
	}

	// Tier 3: price proximity against the plan.
	if !slot.Planned() {
		return nil
	}
	for _, o := range orders {
		if o.Behavior != behavior || o.Side != protSide || !o.Status.IsActive() {
			continue
		}
		price := o.Price
		if behavior == core.BehaviorStop {
			price = o.TriggerPrice
		}
		if !price.Valid {
			continue
		}
		if tradingutils.WithinTicks(price.Decimal, slot.PlannedPrice.Decimal, r.info.TickSize, r.tolerance) {
			r.logger.Warn("Protective order claimed by price proximity",
				"token", it.ID(), "order_id", o.ID, "role", role)
			return o
		}
	}
	return nil
}

// Sweep drops cached children and staged plans older than the TTL.
func (r *Resolver) Sweep() {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	for token, children := range r.pending {
		kept := children[:0]
		for _, pc := range children {
			if pc.cachedAt.After(cutoff) {
				kept = append(kept, pc)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, token)
		} else {
			r.pending[token] = kept
		}
	}

	for token, plan := range r.staged {
		if !plan.stagedAt.After(cutoff) {
			delete(r.staged, token)
		}
	}
}

// PendingCount reports the number of distinct cached child orders.
func (r *Resolver) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, children := range r.pending {
		for _, pc := range children {
			seen[pc.order.ID] = struct{}{}
		}
	}
	return len(seen)
}
