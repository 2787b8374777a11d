// Package engine wires the bookkeeping components together behind the
// strategy-facing API and runs the event dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intent_keeper/internal/config"
	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"
	"intent_keeper/internal/risk"
	"intent_keeper/internal/trading/binding"
	"intent_keeper/internal/trading/gateway"
	"intent_keeper/internal/trading/protective"
	"intent_keeper/internal/trading/reversal"
	"intent_keeper/pkg/concurrency"
	apperrors "intent_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// EntryRequest describes a strategy entry decision. LimitPrice unset means
// a market entry; stop and target prices are plans recorded before the
// entry order binds.
type EntryRequest struct {
	Side        core.Side
	Quantity    decimal.Decimal
	LimitPrice  decimal.NullDecimal
	StopPrice   decimal.NullDecimal
	TargetPrice decimal.NullDecimal
}

// StopPriceFn proposes a new stop price for an intent given the latest
// market price. Returning false skips the cycle.
type StopPriceFn func(it *intent.Intent, marketPrice decimal.Decimal) (decimal.Decimal, bool)

// Engine is the facade over the registry, resolver, gateway, protective
// controller, reconciler and reversal coordinator. One engine instance
// serves one instrument on one account.
type Engine struct {
	cfg    *config.Config
	logger core.ILogger
	venue  core.IVenue
	info   core.SymbolInfo

	registry   *intent.Registry
	resolver   *binding.Resolver
	gateway    *gateway.Gateway
	protective *protective.Controller
	reconciler *risk.Reconciler
	reversal   *reversal.Coordinator
	gate       *risk.Gate
	pool       *concurrency.WorkerPool
	bracket    BracketCalculator
	ready      *ReadySignal

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an engine from config around an injected venue client.
func New(cfg *config.Config, venue core.IVenue, logger core.ILogger) *Engine {
	log := logger.WithField("component", "engine")
	info := venue.SymbolInfo()

	registry := intent.NewRegistry(logger)

	tolerance := decimal.NewFromFloat(cfg.Trading.FuzzyOwnershipTick)
	if !tolerance.IsPositive() {
		tolerance = decimal.RequireFromString("2.1")
	}
	ttl := time.Duration(cfg.Timing.PendingChildTTLMs) * time.Millisecond
	resolver := binding.NewResolver(registry, info, tolerance, ttl, logger)

	gw := gateway.New(venue, cfg.Trading.RateLimitPerSec, cfg.Trading.RateLimitBurst, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "protective",
		MaxWorkers:  cfg.Concurrency.ProtectivePoolSize,
		MaxCapacity: cfg.Concurrency.ProtectivePoolBuffer,
	}, logger)

	policy := protective.WaitPolicy{
		PlacementDebounce: cfg.PlacementDebounce(),
		VerifyDelay:       time.Duration(cfg.Timing.ModifyVerifyDelayMs) * time.Millisecond,
		VerifyAttempts:    cfg.Timing.ModifyVerifyAttempts,
	}
	controller := protective.NewController(venue, gw, resolver, registry, policy, pool, logger)

	reconciler := risk.NewReconciler(venue, registry, cfg.ReconcileInterval(), cfg.Timing.PruneEveryCycles, logger)
	reconciler.OnOrphanPruned(func(it *intent.Intent) {
		controller.DropResidual(it.ID())
	})

	gate := risk.NewGate(risk.GateConfig{
		Enabled:        cfg.Risk.Enabled,
		MaxOpenIntents: cfg.Risk.MaxOpenIntents,
		MaxSessionLoss: decimal.NewFromFloat(cfg.Risk.MaxSessionLoss),
		SessionStart:   cfg.Risk.SessionStart,
		SessionEnd:     cfg.Risk.SessionEnd,
	}, venue, registry, reconciler, logger)

	rev := reversal.NewCoordinator(venue, gw, registry, resolver, controller, reconciler, logger)

	return &Engine{
		cfg:        cfg,
		logger:     log,
		venue:      venue,
		info:       info,
		registry:   registry,
		resolver:   resolver,
		gateway:    gw,
		protective: controller,
		reconciler: reconciler,
		reversal:   rev,
		gate:       gate,
		pool:       pool,
		bracket:    NewBracketCalculator(info, int64(cfg.Trading.StopTicks), int64(cfg.Trading.TargetTicks)),
		ready:      NewReadySignal(time.Duration(cfg.Timing.WarmupPollIntervalMs) * time.Millisecond),
	}
}

// Start launches the event dispatcher, the reconcile loop and the warm-up
// pass. It returns immediately; use WaitReady to block until the engine has
// rebuilt its state from venue truth.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error { return e.dispatch(gctx) })
	g.Go(func() error { return e.housekeeping(gctx) })
	g.Go(func() error { return e.warmUp(gctx) })

	if err := e.reconciler.Start(gctx); err != nil {
		cancel()
		return fmt.Errorf("reconciler start failed: %w", err)
	}

	e.logger.Info("Engine started", "symbol", e.info.Symbol, "account", e.cfg.Instrument.Account)
	return nil
}

// Stop cancels working orders when configured, then drains the loops.
func (e *Engine) Stop(ctx context.Context) error {
	e.logger.Info("Stopping engine")

	if e.cfg.System.CancelOnExit {
		e.cancelOwnOrders(ctx)
	}

	if e.cancel != nil {
		e.cancel()
	}
	_ = e.reconciler.Stop()
	if e.group != nil {
		_ = e.group.Wait()
	}
	e.pool.Stop()
	return nil
}

// warmUp rebuilds local state from venue truth, then fires the ready
// signal.
func (e *Engine) warmUp(ctx context.Context) error {
	if err := e.reconciler.Reconcile(ctx, false); err != nil {
		e.logger.Warn("Warm-up reconcile failed, state rebuilds on the next cycle", "error", err.Error())
	}
	e.protective.EnsureAll(ctx)
	e.ready.Set()
	e.logger.Info("Engine ready")
	return nil
}

// dispatch consumes the venue event stream. Events arrive at-least-once and
// unordered; every handler is idempotent.
func (e *Engine) dispatch(ctx context.Context) error {
	events := e.venue.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev core.VenueEvent) {
	switch ev.Kind {
	case core.EventOrderAdded, core.EventOrderUpdated:
		if ev.Order == nil {
			return
		}
		if ev.Order.Status.IsTerminal() {
			e.resolver.OnOrderTerminal(ev.Order)
		} else {
			e.resolver.OnOrderEvent(ev.Order)
		}
		e.reversal.OnOrderEvent(ctx, ev.Order)

	case core.EventOrderRemoved:
		if ev.Order == nil {
			return
		}
		e.resolver.OnOrderTerminal(ev.Order)
		e.reversal.OnOrderEvent(ctx, ev.Order)

	case core.EventTradeAdded:
		if ev.Fill == nil {
			return
		}
		e.reversal.OnFill(ctx, ev.Fill)
		e.applyExitFill(ev.Fill)

	case core.EventPositionAdded, core.EventPositionUpdated:
		if ev.Position == nil {
			return
		}
		if it, ok := e.resolver.OnPositionEvent(ev.Position); ok {
			it := it
			// Each intent's ensure pass is independently schedulable; a
			// slow venue round trip must not stall the dispatcher.
			if err := e.pool.Submit(func() {
				if err := e.protective.Ensure(ctx, it); err != nil {
					e.logger.Warn("Protective ensure failed", "token", it.ID(), "error", err.Error())
				}
			}); err != nil {
				e.logger.Warn("Protective pool saturated", "token", it.ID(), "error", err.Error())
			}
		}

	case core.EventPositionRemoved:
		if ev.Position == nil {
			return
		}
		if it := e.resolver.OnPositionRemoved(ev.Position.ID); it != nil {
			e.retire(ctx, it)
		}
	}
}

// applyExitFill credits protective-order executions to the owning intent's
// profit accumulators.
func (e *Engine) applyExitFill(fill *core.TradeFill) {
	for _, it := range e.registry.Active() {
		if fill.OrderID != it.Stop().OrderID && fill.OrderID != it.Target().OrderID {
			continue
		}
		open := it.OpenPrice()
		if open.IsZero() {
			// No entry price on record: book quantity and fees without
			// inventing a profit figure against zero.
			e.logger.Warn("Exit fill with no known open price, profit not attributed",
				"token", it.ID(), "order_id", fill.OrderID)
			it.AddExitFill(fill.Quantity, decimal.Zero, fill.Fee)
			return
		}
		diff := fill.Price.Sub(open)
		if it.Side() == core.SideSell {
			diff = open.Sub(fill.Price)
		}
		it.AddExitFill(fill.Quantity, diff.Mul(fill.Quantity), fill.Fee)
		return
	}
}

// retire cancels the intent's remaining protective orders and moves it to
// the closed set.
func (e *Engine) retire(ctx context.Context, it *intent.Intent) {
	if err := e.protective.CancelProtectives(ctx, it); err != nil {
		e.logger.Warn("Protective cleanup on retire failed", "token", it.ID(), "error", err.Error())
	}
	e.protective.DropResidual(it.ID())
	if e.registry.Retire(it) {
		e.logger.Info("Intent retired", "token", it.ID(), "net_profit", it.NetProfit())
	}
}

// housekeeping expires stale pending-child cache entries.
func (e *Engine) housekeeping(ctx context.Context) error {
	interval := time.Duration(e.cfg.Timing.PendingChildTTLMs) * time.Millisecond / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.resolver.Sweep()
		}
	}
}

// cancelOwnOrders cancels every working order this engine placed,
// identified by its correlation comment.
func (e *Engine) cancelOwnOrders(ctx context.Context) {
	orders, err := e.venue.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Warn("Exit cleanup could not list open orders", "error", err.Error())
		return
	}
	for _, o := range orders {
		if _, _, ok := binding.ParseComment(o.Comment); !ok {
			continue
		}
		if err := e.gateway.Cancel(ctx, o.ID); err != nil {
			e.logger.Warn("Exit cleanup cancel failed", "order_id", o.ID, "error", err.Error())
		}
	}
}

// MintToken returns a fresh correlation token.
func (e *Engine) MintToken() string {
	return binding.NewToken()
}

// CreateIntent creates the intent for token, or returns the existing one.
// Safe to call concurrently with the same token.
func (e *Engine) CreateIntent(token string, side core.Side, quantity decimal.Decimal) (*intent.Intent, bool) {
	if quantity.IsZero() {
		quantity = decimal.NewFromFloat(e.cfg.Trading.OrderQuantity)
	}
	return e.registry.CreateIfAbsent(token, side, quantity)
}

// PlaceEntry submits the entry order for token after the risk gate admits
// it, recording the planned bracket first so protective binding works no
// matter which event arrives first.
func (e *Engine) PlaceEntry(ctx context.Context, token string, req EntryRequest) (*core.Order, error) {
	if !e.ready.Ready() {
		return nil, apperrors.ErrNotReady
	}
	allowed, reason := e.gate.AllowEntry(ctx)
	if !allowed {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrTradingSuspended, reason)
	}

	qty := req.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromFloat(e.cfg.Trading.OrderQuantity)
	}
	e.registry.CreateIfAbsent(token, req.Side, qty)

	if req.StopPrice.Valid || req.TargetPrice.Valid {
		e.resolver.PlanBracket(token, req.StopPrice, req.TargetPrice)
	}

	behavior := core.BehaviorMarket
	if req.LimitPrice.Valid {
		behavior = core.BehaviorLimit
	}
	order, err := e.gateway.Submit(ctx, &core.PlaceOrderRequest{
		Symbol:   e.info.Symbol,
		Account:  e.cfg.Instrument.Account.Value(),
		Side:     req.Side,
		Behavior: behavior,
		Price:    req.LimitPrice,
		Quantity: qty,
		Comment:  binding.Comment(token, binding.RoleEntry),
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Entry placed", "token", token, "order_id", order.ID, "side", req.Side, "qty", qty)
	return order, nil
}

// PlanBracket records intended protective prices for token, applied
// immediately when the intent exists or staged until its entry binds.
func (e *Engine) PlanBracket(token string, stop, target decimal.NullDecimal) {
	e.resolver.PlanBracket(token, stop, target)
}

// UpdateStop runs one trailing cycle for token using the caller's price
// function.
func (e *Engine) UpdateStop(ctx context.Context, token string, priceFn StopPriceFn) error {
	it, ok := e.registry.Get(token)
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrIntentNotFound, token)
	}
	price, err := e.venue.GetLatestPrice(ctx)
	if err != nil {
		return fmt.Errorf("latest price unavailable: %w", err)
	}
	proposed, ok := priceFn(it, price)
	if !ok {
		return nil
	}
	return e.protective.UpdateStop(ctx, it, proposed)
}

// EnsureProtectiveOrders runs one ensure pass for token.
func (e *Engine) EnsureProtectiveOrders(ctx context.Context, token string) error {
	it, ok := e.registry.Get(token)
	if !ok {
		return fmt.Errorf("%w: %s", apperrors.ErrIntentNotFound, token)
	}
	return e.protective.Ensure(ctx, it)
}

// ExecuteReversal flips exposure onto toSide with newQty fresh contracts.
// With no exposure to flip it falls back to a plain entry. Returns whether
// an order was admitted.
func (e *Engine) ExecuteReversal(ctx context.Context, toSide core.Side, newQty decimal.Decimal) (bool, error) {
	if !e.ready.Ready() {
		return false, apperrors.ErrNotReady
	}
	allowed, reason := e.gate.AllowEntry(ctx)
	if !allowed {
		return false, fmt.Errorf("%w: %s", apperrors.ErrTradingSuspended, reason)
	}
	if newQty.IsZero() {
		newQty = decimal.NewFromFloat(e.cfg.Trading.OrderQuantity)
	}

	_, err := e.reversal.Execute(ctx, toSide, newQty, e.bracket.For)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, apperrors.ErrNoExposure) {
		return false, err
	}

	// Flat book: nothing to flatten, enter directly.
	price, perr := e.venue.GetLatestPrice(ctx)
	if perr != nil {
		return false, fmt.Errorf("latest price unavailable: %w", perr)
	}
	stop, target := e.bracket.For(toSide, price)
	_, eerr := e.PlaceEntry(ctx, binding.NewToken(), EntryRequest{
		Side:        toSide,
		Quantity:    newQty,
		StopPrice:   stop,
		TargetPrice: target,
	})
	return eerr == nil, eerr
}

// Reconcile runs one read-repair pass against venue truth.
func (e *Engine) Reconcile(ctx context.Context, allowPrune bool) error {
	return e.reconciler.Reconcile(ctx, allowPrune)
}

// VerifyFlat confirms zero net exposure with a bounded poll.
func (e *Engine) VerifyFlat(ctx context.Context) bool {
	return e.reconciler.VerifyFlat(ctx,
		e.cfg.Timing.FlattenVerifyAttempts,
		time.Duration(e.cfg.Timing.FlattenVerifyDelayMs)*time.Millisecond)
}

// Ready reports whether warm-up has completed.
func (e *Engine) Ready() bool { return e.ready.Ready() }

// WaitReady blocks until warm-up completes or ctx ends.
func (e *Engine) WaitReady(ctx context.Context) error { return e.ready.Wait(ctx) }

// ActiveIntents returns a snapshot of the open intents.
func (e *Engine) ActiveIntents() []*intent.Intent { return e.registry.Active() }

// ClosedIntents returns a snapshot of the retired intents.
func (e *Engine) ClosedIntents() []*intent.Intent { return e.registry.Closed() }

// ExposedAmount returns broker-derived net exposure in contracts.
func (e *Engine) ExposedAmount() int { return e.reconciler.ExposedAmount() }

// ExposedSide returns the broker-derived exposure direction.
func (e *Engine) ExposedSide() core.ExposureSide { return e.reconciler.ExposedSide() }

// TradeCount returns the number of completed trades.
func (e *Engine) TradeCount() int { return e.registry.TradeCount() }

// RealizedProfit returns the session's realized net profit.
func (e *Engine) RealizedProfit() decimal.Decimal { return e.registry.RealizedProfit() }
