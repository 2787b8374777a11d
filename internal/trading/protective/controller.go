// Package protective maintains the stop-loss and take-profit orders that
// guard live intents.
package protective

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"
	"intent_keeper/internal/trading/binding"
	"intent_keeper/internal/trading/gateway"
	"intent_keeper/pkg/concurrency"
	apperrors "intent_keeper/pkg/errors"
	"intent_keeper/pkg/telemetry"
	"intent_keeper/pkg/tradingutils"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
)

// WaitPolicy bounds how eagerly the controller talks to the venue.
type WaitPolicy struct {
	// PlacementDebounce suppresses re-placement of a slot that was just
	// submitted, giving the broker stream time to echo the order back.
	PlacementDebounce time.Duration
	// VerifyDelay and VerifyAttempts bound the post-modify polling before
	// the controller falls back to cancel-and-replace.
	VerifyDelay    time.Duration
	VerifyAttempts int
}

// DefaultWaitPolicy mirrors broker round-trip times observed in production.
var DefaultWaitPolicy = WaitPolicy{
	PlacementDebounce: 500 * time.Millisecond,
	VerifyDelay:       250 * time.Millisecond,
	VerifyAttempts:    2,
}

// Controller converges broker protective orders onto the planned prices of
// each intent. It is level-triggered: every Ensure pass re-derives what
// should exist and fixes the difference.
type Controller struct {
	venue    core.IVenue
	gateway  *gateway.Gateway
	resolver *binding.Resolver
	registry *intent.Registry
	logger   core.ILogger
	info     core.SymbolInfo
	policy   WaitPolicy
	pool     *concurrency.WorkerPool
	now      func() time.Time

	mu        sync.Mutex
	residuals map[string]decimal.Decimal

	resyncCounter metric.Int64Counter
	driftCounter  metric.Int64Counter
}

// NewController creates a protective order controller.
func NewController(
	venue core.IVenue,
	gw *gateway.Gateway,
	resolver *binding.Resolver,
	registry *intent.Registry,
	policy WaitPolicy,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
) *Controller {
	meter := telemetry.GetMeter("protective-controller")
	resyncCounter, _ := meter.Int64Counter("protective_resyncs_total",
		metric.WithDescription("Cancel-and-replace resyncs after failed modify verification"))
	driftCounter, _ := meter.Int64Counter("protective_drift_warnings_total",
		metric.WithDescription("Broker protective prices observed away from plan"))

	return &Controller{
		venue:         venue,
		gateway:       gw,
		resolver:      resolver,
		registry:      registry,
		logger:        logger.WithField("component", "protective_controller"),
		info:          venue.SymbolInfo(),
		policy:        policy,
		pool:          pool,
		now:           time.Now,
		residuals:     make(map[string]decimal.Decimal),
		resyncCounter: resyncCounter,
		driftCounter:  driftCounter,
	}
}

// Ensure converges both protective slots of one intent. Missing orders are
// placed (debounced), present orders are adopted, and drift beyond one tick
// is warned about but never corrected here: price changes flow through
// UpdateStop.
func (c *Controller) Ensure(ctx context.Context, it *intent.Intent) error {
	if !it.Exposed() {
		return nil
	}

	pos := it.Position()
	if pos == nil {
		id := it.PositionID()
		if id == "" {
			c.logger.Warn("Protective orders skipped, intent has no position",
				"token", it.ID())
			return apperrors.ErrMissingPositionID
		}
		// Direct reference lost; re-query by the last known position id.
		positions, err := c.venue.GetPositions(ctx)
		if err != nil {
			return fmt.Errorf("position re-query failed: %w", err)
		}
		for _, p := range positions {
			if p.ID == id {
				it.BindPosition(p)
				pos = p
				break
			}
		}
		if pos == nil {
			c.logger.Warn("Protective orders skipped, bound position gone from broker",
				"token", it.ID(), "position_id", id)
			return apperrors.ErrOrphanState
		}
	}

	qty := pos.Quantity
	if qty.LessThan(c.info.MinLot) {
		qty = c.info.MinLot
	}

	orders, err := c.venue.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("protective sweep fetch failed: %w", err)
	}

	if err := c.ensureSlot(ctx, it, binding.RoleStopLoss, qty, orders); err != nil {
		return err
	}
	return c.ensureSlot(ctx, it, binding.RoleTakeProfit, qty, orders)
}

func (c *Controller) ensureSlot(ctx context.Context, it *intent.Intent, role binding.Role, qty decimal.Decimal, orders []*core.Order) error {
	var slot intent.ProtectiveSlot
	switch role {
	case binding.RoleStopLoss:
		slot = it.Stop()
	case binding.RoleTakeProfit:
		slot = it.Target()
	}
	if !slot.Planned() {
		return nil
	}

	if found := c.resolver.FindProtective(it, role, orders); found != nil {
		c.adoptOrder(ctx, it, role, found, slot)
		return nil
	}

	// Order is missing. Stale binding, if any, is released so the next
	// resolution starts clean.
	if slot.OrderID != "" {
		switch role {
		case binding.RoleStopLoss:
			it.ReleaseStopOrder()
		case binding.RoleTakeProfit:
			it.ReleaseTargetOrder()
		}
	}

	if c.now().Sub(slot.LastPlacedAt) < c.policy.PlacementDebounce {
		return nil
	}

	return c.placeSlot(ctx, it, role, qty, slot.PlannedPrice.Decimal)
}

func (c *Controller) adoptOrder(ctx context.Context, it *intent.Intent, role binding.Role, found *core.Order, slot intent.ProtectiveSlot) {
	var brokerPrice decimal.NullDecimal
	switch role {
	case binding.RoleStopLoss:
		it.BindStopOrder(found.ID, true)
		brokerPrice = found.TriggerPrice
	case binding.RoleTakeProfit:
		it.BindTargetOrder(found.ID, true)
		brokerPrice = found.Price
	}

	if brokerPrice.Valid && !tradingutils.WithinTicks(brokerPrice.Decimal, slot.PlannedPrice.Decimal, c.info.TickSize, decimal.NewFromInt(1)) {
		c.driftCounter.Add(ctx, 1)
		c.logger.Warn("Protective order drifted from plan",
			"token", it.ID(), "role", role, "order_id", found.ID,
			"broker_price", brokerPrice.Decimal, "planned_price", slot.PlannedPrice.Decimal)
	}
}

func (c *Controller) placeSlot(ctx context.Context, it *intent.Intent, role binding.Role, qty, price decimal.Decimal) error {
	req := &core.PlaceOrderRequest{
		Symbol:     c.info.Symbol,
		Side:       it.Side().Opposite(),
		Quantity:   qty,
		PositionID: it.PositionID(),
		ReduceOnly: true,
		Comment:    binding.Comment(it.ID(), role),
	}
	switch role {
	case binding.RoleStopLoss:
		req.Behavior = core.BehaviorStop
		req.TriggerPrice = decimal.NewNullDecimal(price)
	case binding.RoleTakeProfit:
		req.Behavior = core.BehaviorLimit
		req.Price = decimal.NewNullDecimal(price)
	}

	order, err := c.gateway.Submit(ctx, req)
	if err != nil {
		c.logger.Error("Protective order placement failed",
			"token", it.ID(), "role", role, "error", err.Error())
		return err
	}

	switch role {
	case binding.RoleStopLoss:
		it.MarkStopPlaced(order.ID, c.now())
	case binding.RoleTakeProfit:
		it.MarkTargetPlaced(order.ID, c.now())
	}
	c.logger.Info("Protective order placed",
		"token", it.ID(), "role", role, "order_id", order.ID, "price", price)
	return nil
}

// EnsureAll runs Ensure for every live intent on the worker pool and waits
// for the sweep to finish.
func (c *Controller) EnsureAll(ctx context.Context) {
	active := c.registry.Active()
	tasks := make([]func(), 0, len(active))
	for _, it := range active {
		it := it
		tasks = append(tasks, func() {
			if err := c.Ensure(ctx, it); err != nil {
				c.logger.Debug("Ensure pass failed", "token", it.ID(), "error", err.Error())
			}
		})
	}
	c.pool.SubmitBatch(tasks)
}

// UpdateStop trails the stop of an intent toward the proposed price. Moves
// against the protective direction are discarded, and sub-tick moves are
// accumulated per intent until a whole tick is available; only then is a
// modify sent.
func (c *Controller) UpdateStop(ctx context.Context, it *intent.Intent, proposed decimal.Decimal) error {
	slot := it.Stop()
	if !slot.Planned() {
		it.PlanStop(tradingutils.RoundToTick(proposed, c.info.TickSize))
		return c.Ensure(ctx, it)
	}

	orders, err := c.venue.GetOpenOrders(ctx)
	if err != nil {
		return err
	}

	found := c.resolver.FindProtective(it, binding.RoleStopLoss, orders)
	if found == nil {
		// No working stop to move: update the plan, the next Ensure pass
		// places it.
		it.PlanStop(tradingutils.RoundToTick(proposed, c.info.TickSize))
		return c.Ensure(ctx, it)
	}

	current := slot.PlannedPrice.Decimal
	if found.TriggerPrice.Valid {
		current = found.TriggerPrice.Decimal
	}

	// A stop only tightens: up for longs, down for shorts.
	if it.Side() == core.SideBuy && proposed.LessThanOrEqual(current) {
		return nil
	}
	if it.Side() == core.SideSell && proposed.GreaterThanOrEqual(current) {
		return nil
	}

	deltaTicks := tradingutils.TicksBetween(current, proposed, c.info.TickSize)
	whole := deltaTicks.Truncate(0)

	if whole.IsZero() {
		c.setResidual(it.ID(), deltaTicks)
		return nil
	}

	target := current.Add(whole.Mul(c.info.TickSize))
	c.setResidual(it.ID(), deltaTicks.Sub(whole))

	if err := c.gateway.Modify(ctx, found.ID, decimal.NullDecimal{}, decimal.NewNullDecimal(target)); err != nil {
		c.logger.Warn("Stop modify failed, forcing resync",
			"token", it.ID(), "order_id", found.ID, "error", err.Error())
		return c.forceResync(ctx, it, found, target)
	}

	it.PlanStop(target)

	if verified := c.verifyModify(ctx, found.ID, target); !verified {
		c.logger.Warn("Stop modify not confirmed, forcing resync",
			"token", it.ID(), "order_id", found.ID, "target", target)
		return c.forceResync(ctx, it, found, target)
	}
	return nil
}

// verifyModify polls the order until its trigger settles within one tick of
// the target.
func (c *Controller) verifyModify(ctx context.Context, orderID string, target decimal.Decimal) bool {
	matches := func(o *core.Order) bool {
		return o != nil && o.TriggerPrice.Valid &&
			tradingutils.WithinTicks(o.TriggerPrice.Decimal, target, c.info.TickSize, decimal.NewFromInt(1))
	}

	policy := retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(o *core.Order, err error) bool {
			return err != nil || !matches(o)
		}).
		WithDelay(c.policy.VerifyDelay).
		WithMaxRetries(c.policy.VerifyAttempts).
		Build()

	order, err := failsafe.With[*core.Order](policy).Get(func() (*core.Order, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return c.venue.GetOrder(ctx, orderID)
	})
	return err == nil && matches(order)
}

// forceResync replaces a stop that refuses to move: cancel, then place a
// fresh order at the target price.
func (c *Controller) forceResync(ctx context.Context, it *intent.Intent, stale *core.Order, target decimal.Decimal) error {
	c.resyncCounter.Add(ctx, 1)

	if err := c.gateway.Cancel(ctx, stale.ID); err != nil {
		c.logger.Error("Stale stop cancel failed", "token", it.ID(), "order_id", stale.ID, "error", err.Error())
		return err
	}
	it.ReleaseStopOrder()
	it.PlanStop(target)

	qty := stale.Quantity
	if pos := it.Position(); pos != nil {
		qty = pos.Quantity
	}
	return c.placeSlot(ctx, it, binding.RoleStopLoss, qty, target)
}

// CancelProtectives cancels both working protective orders of an intent.
// Missing orders are not an error: the goal is the absence of the orders.
func (c *Controller) CancelProtectives(ctx context.Context, it *intent.Intent) error {
	var firstErr error
	if id := it.Stop().OrderID; id != "" {
		if err := c.gateway.Cancel(ctx, id); err != nil {
			c.logger.Warn("Stop cancel failed", "token", it.ID(), "order_id", id, "error", err.Error())
			firstErr = err
		} else {
			it.ReleaseStopOrder()
		}
	}
	if id := it.Target().OrderID; id != "" {
		if err := c.gateway.Cancel(ctx, id); err != nil {
			c.logger.Warn("Target cancel failed", "token", it.ID(), "order_id", id, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
		} else {
			it.ReleaseTargetOrder()
		}
	}
	return firstErr
}

// Residual returns the accumulated sub-tick trailing delta for an intent,
// in ticks.
func (c *Controller) Residual(token string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residuals[token]
}

func (c *Controller) setResidual(token string, v decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.IsZero() {
		delete(c.residuals, token)
		return
	}
	c.residuals[token] = v
}

// DropResidual clears trailing state when an intent retires.
func (c *Controller) DropResidual(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.residuals, token)
}
