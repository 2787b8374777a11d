// Package reversal coordinates flatten-and-reverse: one market order that
// both closes existing exposure and opens the opposite side.
package reversal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"
	"intent_keeper/internal/risk"
	"intent_keeper/internal/trading/binding"
	"intent_keeper/internal/trading/gateway"
	"intent_keeper/internal/trading/protective"
	apperrors "intent_keeper/pkg/errors"
	"intent_keeper/pkg/telemetry"
	"intent_keeper/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
)

// State describes where the coordinator sits in the reversal lifecycle.
type State string

const (
	StateIdle         State = "IDLE"
	StateInFlight     State = "IN_FLIGHT"
	StateOldFlattened State = "OLD_FLATTENED"
)

// fillEpsilon absorbs venue quantity rounding when comparing cumulative
// fills against thresholds.
var fillEpsilon = decimal.RequireFromString("0.001")

// BracketFunc computes protective prices for a side around a reference
// price. Either result may be invalid to skip that leg.
type BracketFunc func(side core.Side, refPrice decimal.Decimal) (stop, target decimal.NullDecimal)

// tracker carries the state of the single in-flight reversal.
type tracker struct {
	token            string
	orderID          string
	originalSide     core.Side
	targetSide       core.Side
	orderQuantity    decimal.Decimal // flatten portion plus new exposure
	flattenQuantity  decimal.Decimal // |net| at initiation
	cumulativeFilled decimal.Decimal
	fillNotional     decimal.Decimal
	oldCancelled     bool // one-way: old protectives cancelled
	newPlaced        bool // one-way: new protectives planned
	oldTokens        []string
	bracket          BracketFunc
	initiatedAt      time.Time
}

// Coordinator admits at most one reversal at a time and walks it through
// flatten, fill and protective handoff.
type Coordinator struct {
	venue      core.IVenue
	gateway    *gateway.Gateway
	registry   *intent.Registry
	resolver   *binding.Resolver
	protective *protective.Controller
	reconciler *risk.Reconciler
	logger     core.ILogger
	info       core.SymbolInfo

	mu      sync.Mutex
	current *tracker

	reversalCounter metric.Int64Counter
	abortCounter    metric.Int64Counter
}

// NewCoordinator creates a reversal coordinator.
func NewCoordinator(
	venue core.IVenue,
	gw *gateway.Gateway,
	registry *intent.Registry,
	resolver *binding.Resolver,
	prot *protective.Controller,
	reconciler *risk.Reconciler,
	logger core.ILogger,
) *Coordinator {
	meter := telemetry.GetMeter("reversal-coordinator")
	reversalCounter, _ := meter.Int64Counter("reversals_initiated_total",
		metric.WithDescription("Flatten-and-reverse orders submitted"))
	abortCounter, _ := meter.Int64Counter("reversals_aborted_total",
		metric.WithDescription("Reversal orders that terminated before filling"))

	return &Coordinator{
		venue:           venue,
		gateway:         gw,
		registry:        registry,
		resolver:        resolver,
		protective:      prot,
		reconciler:      reconciler,
		logger:          logger.WithField("component", "reversal_coordinator"),
		info:            venue.SymbolInfo(),
		reversalCounter: reversalCounter,
		abortCounter:    abortCounter,
	}
}

// State reports the coordinator lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.current == nil:
		return StateIdle
	case c.current.oldCancelled:
		return StateOldFlattened
	default:
		return StateInFlight
	}
}

// Active reports whether a reversal is in flight.
func (c *Coordinator) Active() bool {
	return c.State() != StateIdle
}

// Execute initiates a reversal onto targetSide with newQty of fresh
// exposure beyond the flatten portion. The single order is sized
// flatten+newQty, rounded to the lot grid. Only one reversal may be in
// flight; a flat book is reported so the caller can fall back to a plain
// entry.
func (c *Coordinator) Execute(ctx context.Context, targetSide core.Side, newQty decimal.Decimal, bracket BracketFunc) (string, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return "", apperrors.ErrReversalInFlight
	}
	// Reserve the slot before any venue round trip.
	c.current = &tracker{}
	c.mu.Unlock()

	token, err := c.initiate(ctx, targetSide, newQty, bracket)
	if err != nil {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		return "", err
	}
	return token, nil
}

func (c *Coordinator) initiate(ctx context.Context, targetSide core.Side, newQty decimal.Decimal, bracket BracketFunc) (string, error) {
	net, err := c.reconciler.NetPosition(ctx)
	if err != nil {
		return "", fmt.Errorf("net position fetch failed: %w", err)
	}
	if net.IsZero() {
		return "", apperrors.ErrNoExposure
	}

	originalSide := core.SideBuy
	if net.IsNegative() {
		originalSide = core.SideSell
	}
	if originalSide == targetSide {
		return "", fmt.Errorf("already exposed %s, nothing to reverse", targetSide)
	}

	flatten := net.Abs()
	orderQty := tradingutils.RoundToLot(flatten.Add(newQty), c.info.LotStep)
	if orderQty.LessThan(c.info.MinLot) {
		return "", apperrors.ErrQuantityTooSmall
	}

	var oldTokens []string
	for _, it := range c.registry.Active() {
		if it.Exposed() {
			oldTokens = append(oldTokens, it.ID())
		}
	}

	token := binding.NewToken()
	order, err := c.gateway.Submit(ctx, &core.PlaceOrderRequest{
		Symbol:   c.info.Symbol,
		Side:     targetSide,
		Behavior: core.BehaviorMarket,
		Quantity: orderQty,
		Comment:  binding.Comment(token, binding.RoleEntry),
	})
	if err != nil {
		return "", fmt.Errorf("reversal order submission failed: %w", err)
	}

	// The order event will bind the entry; creating the intent up front
	// keeps the handoff independent of event arrival order.
	c.registry.CreateIfAbsent(token, targetSide, orderQty)

	c.mu.Lock()
	c.current = &tracker{
		token:           token,
		orderID:         order.ID,
		originalSide:    originalSide,
		targetSide:      targetSide,
		orderQuantity:   orderQty,
		flattenQuantity: flatten,
		oldTokens:       oldTokens,
		bracket:         bracket,
		initiatedAt:     time.Now(),
	}
	c.mu.Unlock()

	c.reversalCounter.Add(ctx, 1)
	c.logger.Info("Reversal initiated",
		"token", token, "order_id", order.ID,
		"from", originalSide, "to", targetSide,
		"flatten_qty", flatten, "order_qty", orderQty)
	return token, nil
}

// OnFill advances the in-flight reversal with one execution report. The
// flatten threshold cancels the displaced protective orders exactly once;
// the full fill plans the new bracket from the realized average fill price
// and hands off to the protective controller.
func (c *Coordinator) OnFill(ctx context.Context, fill *core.TradeFill) {
	c.mu.Lock()
	tr := c.current
	if tr == nil || tr.orderID != fill.OrderID {
		c.mu.Unlock()
		return
	}

	tr.cumulativeFilled = tr.cumulativeFilled.Add(fill.Quantity)
	tr.fillNotional = tr.fillNotional.Add(fill.Quantity.Mul(fill.Price))

	cancelOld := false
	if !tr.oldCancelled && tr.cumulativeFilled.GreaterThanOrEqual(tr.flattenQuantity.Sub(fillEpsilon)) {
		tr.oldCancelled = true
		cancelOld = true
	}

	handoff := false
	if !tr.newPlaced && tr.orderQuantity.Sub(tr.cumulativeFilled).Abs().LessThanOrEqual(fillEpsilon) {
		tr.newPlaced = true
		handoff = true
	}

	oldTokens := tr.oldTokens
	avgFill := decimal.Zero
	if handoff && tr.cumulativeFilled.IsPositive() {
		avgFill = tr.fillNotional.Div(tr.cumulativeFilled)
	}
	token := tr.token
	targetSide := tr.targetSide
	bracket := tr.bracket
	c.mu.Unlock()

	if cancelOld {
		c.cancelDisplacedProtectives(ctx, oldTokens)
	}
	if handoff {
		c.handoff(ctx, token, targetSide, avgFill, bracket)
	}
}

// cancelDisplacedProtectives cancels the protective orders of every intent
// the reversal is flattening. Runs at most once per reversal.
func (c *Coordinator) cancelDisplacedProtectives(ctx context.Context, tokens []string) {
	c.logger.Info("Flatten portion filled, cancelling displaced protective orders",
		"intents", len(tokens))
	for _, token := range tokens {
		it, ok := c.registry.Get(token)
		if !ok {
			continue
		}
		if err := c.protective.CancelProtectives(ctx, it); err != nil {
			c.logger.Warn("Displaced protective cancel failed", "token", token, "error", err.Error())
		}
		c.protective.DropResidual(token)
	}
}

// handoff plans the new bracket from the realized fill price, ensures the
// protective orders, and returns the coordinator to idle.
func (c *Coordinator) handoff(ctx context.Context, token string, side core.Side, avgFill decimal.Decimal, bracket BracketFunc) {
	defer c.clear()

	var stop, target decimal.NullDecimal
	if bracket != nil {
		stop, target = bracket(side, avgFill)
	}
	c.resolver.PlanBracket(token, stop, target)

	it, ok := c.registry.Get(token)
	if !ok {
		c.logger.Error("Reversal intent missing at handoff", "token", token)
		return
	}

	if it.Position() == nil {
		// The position event may lag the fill; adopt directly from the
		// broker book.
		positions, err := c.venue.GetPositions(ctx)
		if err == nil {
			for _, p := range positions {
				if p.Side == side {
					it.BindPosition(p)
					break
				}
			}
		}
	}

	if err := c.protective.Ensure(ctx, it); err != nil {
		c.logger.Warn("Protective placement deferred at reversal handoff",
			"token", token, "error", err.Error())
	}

	c.logger.Info("Reversal complete", "token", token, "avg_fill", avgFill)
}

// OnOrderEvent observes terminal states of the reversal order. A reversal
// that dies partially filled is left where it landed: flat or reduced
// exposure is safe, and resubmitting market orders blind is not.
func (c *Coordinator) OnOrderEvent(ctx context.Context, o *core.Order) {
	c.mu.Lock()
	tr := c.current
	if tr == nil || tr.orderID != o.ID || !o.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	if tr.newPlaced {
		c.mu.Unlock()
		return
	}

	// The broker's own cumulative figure decides completion: trade events
	// for the final fill may still be behind this terminal event, so the
	// tracker stays alive and the fill path finishes the handoff.
	if o.Status == core.StatusFilled ||
		o.FilledQty.GreaterThanOrEqual(tr.orderQuantity.Sub(fillEpsilon)) {
		c.mu.Unlock()
		return
	}

	filled := tr.cumulativeFilled
	want := tr.orderQuantity
	c.current = nil
	c.mu.Unlock()

	c.abortCounter.Add(ctx, 1)
	c.logger.Warn("Reversal order terminated before completion",
		"order_id", o.ID, "status", o.Status,
		"filled", filled, "wanted", want)
}

func (c *Coordinator) clear() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Snapshot exposes tracker internals for introspection and tests.
type Snapshot struct {
	Token            string
	OrderID          string
	OriginalSide     core.Side
	TargetSide       core.Side
	OrderQuantity    decimal.Decimal
	FlattenQuantity  decimal.Decimal
	CumulativeFilled decimal.Decimal
	OldCancelled     bool
	NewPlaced        bool
}

// CurrentSnapshot returns the in-flight reversal, if any.
func (c *Coordinator) CurrentSnapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	tr := c.current
	return Snapshot{
		Token:            tr.token,
		OrderID:          tr.orderID,
		OriginalSide:     tr.originalSide,
		TargetSide:       tr.targetSide,
		OrderQuantity:    tr.orderQuantity,
		FlattenQuantity:  tr.flattenQuantity,
		CumulativeFilled: tr.cumulativeFilled,
		OldCancelled:     tr.oldCancelled,
		NewPlaced:        tr.newPlaced,
	}, true
}
