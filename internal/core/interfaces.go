package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IVenue is the broker surface the engine consumes. Implementations are
// scoped to a single account and instrument; list calls return only state
// for that scope.
type IVenue interface {
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	ModifyOrder(ctx context.Context, orderID string, price, trigger decimal.NullDecimal) error
	CancelOrder(ctx context.Context, orderID string) error

	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOpenOrders(ctx context.Context) ([]*Order, error)
	GetPositions(ctx context.Context) ([]*Position, error)
	GetLatestPrice(ctx context.Context) (decimal.Decimal, error)

	SymbolInfo() SymbolInfo

	// Events returns the stream of order, position and fill updates. The
	// channel is owned by the venue and closed on shutdown.
	Events() <-chan VenueEvent
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
