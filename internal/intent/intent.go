// Package intent holds the bookkeeping entity for one trading idea and the
// registry that owns the collection of them.
package intent

import (
	"sync"
	"sync/atomic"
	"time"

	"intent_keeper/internal/core"

	"github.com/shopspring/decimal"
)

// Status is the derived lifecycle state of an intent.
type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusPlaced          Status = "PLACED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusPartiallyClosed Status = "PARTIALLY_CLOSED"
	StatusClosed          Status = "CLOSED"
)

// versionSeq is the monotonic version source shared by all intents. A higher
// version means more recently touched, which reconciliation uses to pick the
// survivor among duplicate bindings.
var versionSeq atomic.Int64

// ProtectiveSlot tracks one protective order binding: the broker order id if
// placed, the price the engine wants it at, and placement bookkeeping.
type ProtectiveSlot struct {
	OrderID      string
	PlannedPrice decimal.NullDecimal
	LastPlacedAt time.Time
}

// Planned reports whether the slot has a price the engine should maintain.
func (s ProtectiveSlot) Planned() bool {
	return s.PlannedPrice.Valid
}

// Intent is the bookkeeping record for a single trading idea: its entry
// order, the broker position it produced, and the two protective slots that
// guard it. All access goes through the accessor methods; the internal
// mutex makes each method atomic, while multi-step transitions are
// serialized by the registry.
type Intent struct {
	mu sync.RWMutex

	id           string
	side         core.Side
	requestedQty decimal.Decimal
	createdAt    time.Time

	entryOrder  *core.Order
	positionID  string
	position    *core.Position
	hadPosition bool
	openPrice   decimal.Decimal

	stop   ProtectiveSlot
	target ProtectiveSlot

	closedQty   decimal.Decimal
	grossProfit decimal.Decimal
	fees        decimal.Decimal

	version int64
	closed  bool
}

// New creates an intent in the Created state.
func New(id string, side core.Side, requestedQty decimal.Decimal) *Intent {
	return &Intent{
		id:           id,
		side:         side,
		requestedQty: requestedQty,
		createdAt:    time.Now(),
		version:      versionSeq.Add(1),
	}
}

func (it *Intent) touchLocked() {
	it.version = versionSeq.Add(1)
}

// ID returns the correlation token identifying this intent.
func (it *Intent) ID() string { return it.id }

// Side returns the entry direction.
func (it *Intent) Side() core.Side {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.side
}

// Version returns the last-touched sequence number.
func (it *Intent) Version() int64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.version
}

// RequestedQty returns the quantity the entry was sized at.
func (it *Intent) RequestedQty() decimal.Decimal {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.requestedQty
}

// SetSide records the entry direction when it was unknown at creation.
func (it *Intent) SetSide(side core.Side) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.side = side
	it.touchLocked()
}

// BindEntry attaches the entry order. The first binding wins; later calls
// with a different order id are ignored and reported false.
func (it *Intent) BindEntry(o *core.Order) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.entryOrder != nil && it.entryOrder.ID != o.ID {
		return false
	}
	it.entryOrder = o
	it.side = o.Side
	if it.requestedQty.IsZero() {
		it.requestedQty = o.Quantity
	}
	// The order stream can name the resulting position before the position
	// event itself arrives; remember the id so exposure is not missed.
	if it.positionID == "" && o.PositionID != "" {
		it.positionID = o.PositionID
	}
	it.touchLocked()
	return true
}

// EntryOrder returns the bound entry order, or nil.
func (it *Intent) EntryOrder() *core.Order {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.entryOrder
}

// EntryGroupID returns the broker group id of the entry order, or empty.
func (it *Intent) EntryGroupID() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	if it.entryOrder == nil {
		return ""
	}
	return it.entryOrder.GroupID
}

// BindPosition attaches the broker position this intent produced.
func (it *Intent) BindPosition(p *core.Position) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.position = p
	it.positionID = p.ID
	it.hadPosition = true
	if p.OpenPrice.IsPositive() {
		it.openPrice = p.OpenPrice
	}
	it.touchLocked()
}

// ClearPosition detaches the broker position, such as after it closes.
func (it *Intent) ClearPosition() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.position = nil
	it.positionID = ""
	it.touchLocked()
}

// Position returns the bound position, or nil.
func (it *Intent) Position() *core.Position {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.position
}

// OpenPrice returns the entry price remembered from the bound position. It
// survives the position being cleared, so late exit fills can still be
// attributed.
func (it *Intent) OpenPrice() decimal.Decimal {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.openPrice
}

// PositionID returns the bound position id, or empty.
func (it *Intent) PositionID() string {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.positionID
}

// PlanStop sets the price the stop slot should be maintained at.
func (it *Intent) PlanStop(price decimal.Decimal) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.stop.PlannedPrice = decimal.NewNullDecimal(price)
	it.touchLocked()
}

// PlanTarget sets the price the take-profit slot should be maintained at.
func (it *Intent) PlanTarget(price decimal.Decimal) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.target.PlannedPrice = decimal.NewNullDecimal(price)
	it.touchLocked()
}

// Stop returns a snapshot of the stop slot.
func (it *Intent) Stop() ProtectiveSlot {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.stop
}

// Target returns a snapshot of the take-profit slot.
func (it *Intent) Target() ProtectiveSlot {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.target
}

// BindStopOrder records the broker order currently filling the stop slot.
// An active binding is never displaced by a different order id.
func (it *Intent) BindStopOrder(orderID string, active bool) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if active && it.stop.OrderID != "" && it.stop.OrderID != orderID {
		return false
	}
	it.stop.OrderID = orderID
	it.touchLocked()
	return true
}

// BindTargetOrder records the broker order currently filling the take-profit
// slot, with the same no-displacement rule as BindStopOrder.
func (it *Intent) BindTargetOrder(orderID string, active bool) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if active && it.target.OrderID != "" && it.target.OrderID != orderID {
		return false
	}
	it.target.OrderID = orderID
	it.touchLocked()
	return true
}

// MarkStopPlaced records a submission of the stop slot for debounce.
func (it *Intent) MarkStopPlaced(orderID string, at time.Time) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.stop.OrderID = orderID
	it.stop.LastPlacedAt = at
	it.touchLocked()
}

// MarkTargetPlaced records a submission of the take-profit slot for debounce.
func (it *Intent) MarkTargetPlaced(orderID string, at time.Time) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.target.OrderID = orderID
	it.target.LastPlacedAt = at
	it.touchLocked()
}

// ReleaseStopOrder detaches the stop order binding, keeping the plan.
func (it *Intent) ReleaseStopOrder() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.stop.OrderID = ""
	it.touchLocked()
}

// ReleaseTargetOrder detaches the take-profit order binding, keeping the plan.
func (it *Intent) ReleaseTargetOrder() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.target.OrderID = ""
	it.touchLocked()
}

// AddExitFill accumulates realized quantity, profit and fees from a closing
// execution.
func (it *Intent) AddExitFill(qty, profit, fee decimal.Decimal) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closedQty = it.closedQty.Add(qty)
	it.grossProfit = it.grossProfit.Add(profit)
	it.fees = it.fees.Add(fee)
	it.touchLocked()
}

// GrossProfit returns accumulated realized profit before fees.
func (it *Intent) GrossProfit() decimal.Decimal {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.grossProfit
}

// NetProfit returns accumulated realized profit after fees.
func (it *Intent) NetProfit() decimal.Decimal {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.grossProfit.Sub(it.fees)
}

// Fees returns accumulated fees.
func (it *Intent) Fees() decimal.Decimal {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.fees
}

// markClosed flips the one-way closed flag. Returns false if already closed.
func (it *Intent) markClosed() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return false
	}
	it.closed = true
	it.position = nil
	it.positionID = ""
	it.touchLocked()
	return true
}

// IsClosed reports whether the intent has been retired.
func (it *Intent) IsClosed() bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.closed
}

// Status derives the lifecycle state from the position binding. The position
// is authoritative: order-state inference is used only before a position
// ever existed.
func (it *Intent) Status() Status {
	it.mu.RLock()
	defer it.mu.RUnlock()

	if it.closed {
		return StatusClosed
	}

	if it.position != nil && it.position.Quantity.IsPositive() {
		if it.entryOrder != nil && it.entryOrder.Status.IsActive() {
			return StatusPartiallyFilled
		}
		if it.position.Quantity.LessThan(it.requestedQty) {
			return StatusPartiallyClosed
		}
		return StatusFilled
	}

	if it.hadPosition {
		// Position existed and is gone: nothing left to manage.
		return StatusClosed
	}

	if it.positionID != "" {
		// A position id is known but the position event has not landed
		// yet; the intent is exposed, pending confirmation.
		return StatusFilled
	}

	if it.entryOrder != nil {
		if it.entryOrder.Status.IsActive() {
			return StatusPlaced
		}
		return StatusClosed
	}

	return StatusCreated
}

// Exposed reports whether the intent still represents broker exposure or a
// working entry order.
func (it *Intent) Exposed() bool {
	s := it.Status()
	return s != StatusCreated && s != StatusClosed
}
