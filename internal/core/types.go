// Package core defines the shared domain types and interfaces for the
// intent keeper engine.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buy, -1 for sell.
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// ExposureSide summarizes the direction of aggregate broker exposure.
type ExposureSide string

const (
	ExposureFlat  ExposureSide = "FLAT"
	ExposureLong  ExposureSide = "LONG"
	ExposureShort ExposureSide = "SHORT"
)

// OrderBehavior is how an order executes at the broker.
type OrderBehavior string

const (
	BehaviorMarket OrderBehavior = "MARKET"
	BehaviorLimit  OrderBehavior = "LIMIT"
	BehaviorStop   OrderBehavior = "STOP"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusOpened          OrderStatus = "OPENED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsActive reports whether the order is still working at the broker.
func (s OrderStatus) IsActive() bool {
	return s == StatusOpened || s == StatusPartiallyFilled
}

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Order is the engine's view of a broker order. Price and TriggerPrice are
// optional: a limit order carries Price, a stop order carries TriggerPrice,
// a market order carries neither.
type Order struct {
	ID           string
	GroupID      string // broker grouping id, possibly a comma-joined composite
	PositionID   string
	Symbol       string
	Account      string
	Side         Side
	Behavior     OrderBehavior
	Status       OrderStatus
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	Comment      string
	UpdatedAt    time.Time
}

// Position is the engine's view of a broker position. Quantity is always
// positive; Side carries the direction.
type Position struct {
	ID        string
	Symbol    string
	Account   string
	Side      Side
	Quantity  decimal.Decimal
	OpenPrice decimal.Decimal
	GrossPnL  decimal.Decimal
	Fee       decimal.Decimal
	UpdatedAt time.Time
}

// SignedQuantity returns the position size with buy positive and sell
// negative.
func (p *Position) SignedQuantity() decimal.Decimal {
	return p.Quantity.Mul(p.Side.Sign())
}

// TradeFill is a single execution report.
type TradeFill struct {
	ID         string
	OrderID    string
	PositionID string
	Symbol     string
	Account    string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	At         time.Time
}

// PlaceOrderRequest describes an order to submit.
type PlaceOrderRequest struct {
	Symbol       string
	Account      string
	Side         Side
	Behavior     OrderBehavior
	Quantity     decimal.Decimal
	Price        decimal.NullDecimal
	TriggerPrice decimal.NullDecimal
	PositionID   string
	Comment      string
	ReduceOnly   bool
}

// SymbolInfo carries the instrument grid constraints every price and
// quantity must respect.
type SymbolInfo struct {
	Symbol   string
	TickSize decimal.Decimal
	LotStep  decimal.Decimal
	MinLot   decimal.Decimal
}
