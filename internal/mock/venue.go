// Package mock provides an in-memory IVenue implementation for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intent_keeper/internal/core"

	"github.com/shopspring/decimal"
)

// Venue implements core.IVenue with scriptable failures. Market orders fill
// immediately; stop and limit orders rest until FillOrder or a price update
// crosses them.
type Venue struct {
	mu             sync.RWMutex
	info           core.SymbolInfo
	orders         map[string]*core.Order
	positions      map[string]*core.Position
	orderSeq       int64
	positionSeq    int64
	fillSeq        int64
	latestPrice    decimal.Decimal
	events         chan core.VenueEvent
	placeRecorder  []*core.PlaceOrderRequest
	modifyRecorder []ModifyCall

	// Scripted behavior
	rejectNext      []string // rejection messages consumed in order by PlaceOrder
	failModify      bool
	silentModify    bool // accept the modify but leave the order price untouched
	failCancel      int  // number of CancelOrder calls to fail
	holdMarketFills bool // market orders rest until FillOrder is called
}

// ModifyCall records one ModifyOrder invocation.
type ModifyCall struct {
	OrderID string
	Price   decimal.NullDecimal
	Trigger decimal.NullDecimal
}

// NewVenue creates a mock venue for the given instrument.
func NewVenue(info core.SymbolInfo) *Venue {
	return &Venue{
		info:        info,
		orders:      make(map[string]*core.Order),
		positions:   make(map[string]*core.Position),
		orderSeq:    1000,
		positionSeq: 1,
		latestPrice: decimal.NewFromInt(100),
		events:      make(chan core.VenueEvent, 256),
	}
}

// RejectNext scripts rejection messages for upcoming PlaceOrder calls.
func (v *Venue) RejectNext(messages ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectNext = append(v.rejectNext, messages...)
}

// FailModify makes ModifyOrder return an error.
func (v *Venue) FailModify(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failModify = fail
}

// SilentModify makes ModifyOrder succeed without changing the order, the
// way a venue that quietly drops modifications behaves.
func (v *Venue) SilentModify(silent bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.silentModify = silent
}

// FailCancels makes the next n CancelOrder calls fail with a network error.
func (v *Venue) FailCancels(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failCancel = n
}

// HoldMarketFills makes market orders rest instead of filling immediately,
// so tests can drive partial fills through FillOrder.
func (v *Venue) HoldMarketFills(hold bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.holdMarketFills = hold
}

// SetLatestPrice sets the market price.
func (v *Venue) SetLatestPrice(p decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.latestPrice = p
}

func (v *Venue) SymbolInfo() core.SymbolInfo {
	return v.info
}

func (v *Venue) Events() <-chan core.VenueEvent {
	return v.events
}

func (v *Venue) emit(ev core.VenueEvent) {
	select {
	case v.events <- ev:
	default:
	}
}

// PlaceOrder accepts the request or consumes a scripted rejection.
func (v *Venue) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	v.mu.Lock()

	if len(v.rejectNext) > 0 {
		msg := v.rejectNext[0]
		v.rejectNext = v.rejectNext[1:]
		v.mu.Unlock()
		return nil, fmt.Errorf("%s", msg)
	}

	v.orderSeq++
	order := &core.Order{
		ID:           fmt.Sprintf("ord-%d", v.orderSeq),
		Symbol:       req.Symbol,
		Account:      req.Account,
		Side:         req.Side,
		Behavior:     req.Behavior,
		Status:       core.StatusOpened,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Quantity:     req.Quantity,
		PositionID:   req.PositionID,
		Comment:      req.Comment,
		UpdatedAt:    time.Now(),
	}
	v.orders[order.ID] = order
	reqCopy := *req
	v.placeRecorder = append(v.placeRecorder, &reqCopy)
	copied := *order
	v.mu.Unlock()

	v.emit(core.VenueEvent{Kind: core.EventOrderAdded, Order: &copied})

	v.mu.RLock()
	hold := v.holdMarketFills
	v.mu.RUnlock()
	if req.Behavior == core.BehaviorMarket && !hold {
		v.FillOrder(order.ID, req.Quantity, v.LatestPrice())
	}
	return &copied, nil
}

func (v *Venue) ModifyOrder(ctx context.Context, orderID string, price, trigger decimal.NullDecimal) error {
	v.mu.Lock()
	if v.failModify {
		v.mu.Unlock()
		return fmt.Errorf("network error: modify failed")
	}
	order, ok := v.orders[orderID]
	if !ok || !order.Status.IsActive() {
		v.mu.Unlock()
		return fmt.Errorf("order not found: %s", orderID)
	}
	v.modifyRecorder = append(v.modifyRecorder, ModifyCall{OrderID: orderID, Price: price, Trigger: trigger})
	if !v.silentModify {
		if price.Valid {
			order.Price = price
		}
		if trigger.Valid {
			order.TriggerPrice = trigger
		}
		order.UpdatedAt = time.Now()
	}
	copied := *order
	v.mu.Unlock()

	v.emit(core.VenueEvent{Kind: core.EventOrderUpdated, Order: &copied})
	return nil
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	if v.failCancel > 0 {
		v.failCancel--
		v.mu.Unlock()
		return fmt.Errorf("network error: cancel failed")
	}
	order, ok := v.orders[orderID]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("order not found: %s", orderID)
	}
	order.Status = core.StatusCancelled
	order.UpdatedAt = time.Now()
	copied := *order
	v.mu.Unlock()

	v.emit(core.VenueEvent{Kind: core.EventOrderRemoved, Order: &copied})
	return nil
}

func (v *Venue) GetOrder(ctx context.Context, orderID string) (*core.Order, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	order, ok := v.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order not found: %s", orderID)
	}
	copied := *order
	return &copied, nil
}

func (v *Venue) GetOpenOrders(ctx context.Context) ([]*core.Order, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*core.Order, 0, len(v.orders))
	for _, o := range v.orders {
		if o.Status.IsActive() {
			copied := *o
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]*core.Position, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*core.Position, 0, len(v.positions))
	for _, p := range v.positions {
		copied := *p
		out = append(out, &copied)
	}
	return out, nil
}

func (v *Venue) GetLatestPrice(ctx context.Context) (decimal.Decimal, error) {
	return v.LatestPrice(), nil
}

// LatestPrice returns the scripted market price.
func (v *Venue) LatestPrice() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.latestPrice
}

// FillOrder executes qty of an order at price, mutating exposure the way a
// broker would and emitting the fill and position events.
func (v *Venue) FillOrder(orderID string, qty, price decimal.Decimal) {
	v.mu.Lock()
	order, ok := v.orders[orderID]
	if !ok || !order.Status.IsActive() {
		v.mu.Unlock()
		return
	}

	order.FilledQty = order.FilledQty.Add(qty)
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = core.StatusFilled
	} else {
		order.Status = core.StatusPartiallyFilled
	}
	order.UpdatedAt = time.Now()

	v.fillSeq++
	fill := &core.TradeFill{
		ID:       fmt.Sprintf("fill-%d", v.fillSeq),
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Account:  order.Account,
		Side:     order.Side,
		Quantity: qty,
		Price:    price,
		At:       time.Now(),
	}

	position, positionEvent := v.applyFillLocked(order, qty, price)
	if position != nil {
		fill.PositionID = position.ID
	}

	orderCopy := *order
	var posCopy *core.Position
	if position != nil {
		c := *position
		posCopy = &c
	}
	v.mu.Unlock()

	v.emit(core.VenueEvent{Kind: core.EventOrderUpdated, Order: &orderCopy})
	v.emit(core.VenueEvent{Kind: core.EventTradeAdded, Fill: fill})
	if posCopy != nil {
		v.emit(core.VenueEvent{Kind: positionEvent, Position: posCopy})
	} else if positionEvent == core.EventPositionRemoved {
		v.emit(core.VenueEvent{Kind: core.EventPositionRemoved, Position: &core.Position{ID: fill.PositionID}})
	}
}

// applyFillLocked nets the fill against existing exposure. Opposite-side
// fills shrink the oldest position first; leftover quantity opens a new
// position.
func (v *Venue) applyFillLocked(order *core.Order, qty, price decimal.Decimal) (*core.Position, core.EventKind) {
	for id, p := range v.positions {
		if p.Side == order.Side {
			continue
		}
		switch {
		case p.Quantity.GreaterThan(qty):
			p.Quantity = p.Quantity.Sub(qty)
			p.UpdatedAt = time.Now()
			return p, core.EventPositionUpdated
		case p.Quantity.Equal(qty):
			delete(v.positions, id)
			closed := *p
			closed.Quantity = decimal.Zero
			return &closed, core.EventPositionRemoved
		default:
			qty = qty.Sub(p.Quantity)
			delete(v.positions, id)
		}
	}

	if qty.IsZero() {
		return nil, core.EventPositionRemoved
	}

	v.positionSeq++
	p := &core.Position{
		ID:        fmt.Sprintf("pos-%d", v.positionSeq),
		Symbol:    order.Symbol,
		Account:   order.Account,
		Side:      order.Side,
		Quantity:  qty,
		OpenPrice: price,
		UpdatedAt: time.Now(),
	}
	v.positions[p.ID] = p
	order.PositionID = p.ID
	return p, core.EventPositionAdded
}

// SeedPosition injects a broker position directly, bypassing order flow.
func (v *Venue) SeedPosition(p *core.Position) {
	v.mu.Lock()
	v.positions[p.ID] = p
	copied := *p
	v.mu.Unlock()
	v.emit(core.VenueEvent{Kind: core.EventPositionAdded, Position: &copied})
}

// RemovePosition deletes a broker position directly.
func (v *Venue) RemovePosition(id string) {
	v.mu.Lock()
	p, ok := v.positions[id]
	if ok {
		delete(v.positions, id)
	}
	v.mu.Unlock()
	if ok {
		copied := *p
		v.emit(core.VenueEvent{Kind: core.EventPositionRemoved, Position: &copied})
	}
}

// SeedOrder injects a broker order directly, as if another actor placed it.
func (v *Venue) SeedOrder(o *core.Order) {
	v.mu.Lock()
	if o.Status == "" {
		o.Status = core.StatusOpened
	}
	v.orders[o.ID] = o
	copied := *o
	v.mu.Unlock()
	v.emit(core.VenueEvent{Kind: core.EventOrderAdded, Order: &copied})
}

// PlacedRequests returns every PlaceOrder request accepted so far.
func (v *Venue) PlacedRequests() []*core.PlaceOrderRequest {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*core.PlaceOrderRequest, len(v.placeRecorder))
	copy(out, v.placeRecorder)
	return out
}

// ModifyCalls returns every recorded ModifyOrder invocation.
func (v *Venue) ModifyCalls() []ModifyCall {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]ModifyCall, len(v.modifyRecorder))
	copy(out, v.modifyRecorder)
	return out
}

// OpenOrderCount returns the number of working orders.
func (v *Venue) OpenOrderCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, o := range v.orders {
		if o.Status.IsActive() {
			n++
		}
	}
	return n
}

// Close shuts the event stream.
func (v *Venue) Close() {
	close(v.events)
}
