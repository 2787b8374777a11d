package gateway

import (
	"context"
	"errors"
	"testing"

	"intent_keeper/internal/core"
	"intent_keeper/internal/logging"
	"intent_keeper/internal/mock"
	apperrors "intent_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInfo = core.SymbolInfo{
	Symbol:   "ESZ6",
	TickSize: decimal.RequireFromString("0.25"),
	LotStep:  decimal.NewFromInt(1),
	MinLot:   decimal.NewFromInt(1),
}

func newTestGateway(t *testing.T) (*Gateway, *mock.Venue) {
	t.Helper()
	venue := mock.NewVenue(testInfo)
	return New(venue, 1000, 100, logging.NewNop()), venue
}

func stopRequest(trigger string) *core.PlaceOrderRequest {
	return &core.PlaceOrderRequest{
		Symbol:       "ESZ6",
		Side:         core.SideSell,
		Behavior:     core.BehaviorStop,
		Quantity:     decimal.NewFromInt(1),
		TriggerPrice: decimal.NewNullDecimal(decimal.RequireFromString(trigger)),
		ReduceOnly:   true,
	}
}

func TestPreflightClearsInapplicableFields(t *testing.T) {
	g, _ := newTestGateway(t)

	limit := &core.PlaceOrderRequest{
		Behavior:     core.BehaviorLimit,
		Quantity:     decimal.NewFromInt(1),
		Price:        decimal.NewNullDecimal(decimal.RequireFromString("100.30")),
		TriggerPrice: decimal.NewNullDecimal(decimal.RequireFromString("99.00")),
	}
	g.Preflight(limit)
	assert.False(t, limit.TriggerPrice.Valid)
	assert.True(t, decimal.RequireFromString("100.25").Equal(limit.Price.Decimal))

	stop := stopRequest("99.10")
	stop.Price = decimal.NewNullDecimal(decimal.RequireFromString("99.00"))
	g.Preflight(stop)
	assert.False(t, stop.Price.Valid)
	assert.True(t, decimal.RequireFromString("99.00").Equal(stop.TriggerPrice.Decimal))

	market := &core.PlaceOrderRequest{
		Behavior: core.BehaviorMarket,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
	}
	g.Preflight(market)
	assert.False(t, market.Price.Valid)
	assert.False(t, market.TriggerPrice.Valid)
}

func TestSubmitHappyPath(t *testing.T) {
	g, venue := newTestGateway(t)

	order, err := g.Submit(context.Background(), stopRequest("99.10"))

	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, 1, venue.OpenOrderCount())
	// 99.10 was snapped onto the grid before the venue saw it.
	placed := venue.PlacedRequests()
	require.Len(t, placed, 1)
	assert.True(t, decimal.RequireFromString("99.00").Equal(placed[0].TriggerPrice.Decimal))
}

func TestSubmitTickRejectionResubmitsOnce(t *testing.T) {
	g, venue := newTestGateway(t)
	venue.RejectNext("price does not respect tick size")

	order, err := g.Submit(context.Background(), stopRequest("99.10"))

	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Len(t, venue.PlacedRequests(), 1, "first attempt was rejected before recording")
}

func TestSubmitSecondRejectionIsTerminal(t *testing.T) {
	g, venue := newTestGateway(t)
	venue.RejectNext(
		"price does not respect tick size",
		"price does not respect tick size",
	)

	_, err := g.Submit(context.Background(), stopRequest("99.10"))

	require.Error(t, err)
	var rej *apperrors.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, apperrors.RejectionTerminal, rej.Class)
	assert.Equal(t, 2, rej.Attempts)
	assert.Empty(t, venue.PlacedRequests(), "no third submission")
}

func TestSubmitUnsupportedParamStripsAndResubmits(t *testing.T) {
	g, venue := newTestGateway(t)
	venue.RejectNext("reduce only not supported")

	req := stopRequest("99.00")
	_, err := g.Submit(context.Background(), req)

	require.NoError(t, err)
	placed := venue.PlacedRequests()
	require.Len(t, placed, 1)
	assert.False(t, placed[0].ReduceOnly, "flag stripped on resubmission")
}

func TestSubmitUnknownRejectionIsTerminalWithoutRetry(t *testing.T) {
	g, venue := newTestGateway(t)
	venue.RejectNext("insufficient margin")

	_, err := g.Submit(context.Background(), stopRequest("99.00"))

	require.Error(t, err)
	var rej *apperrors.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, apperrors.RejectionTerminal, rej.Class)
	assert.Equal(t, 1, rej.Attempts)
	assert.Empty(t, venue.PlacedRequests())
}

func TestSubmitRejectsUndersizedQuantity(t *testing.T) {
	g, _ := newTestGateway(t)

	req := stopRequest("99.00")
	req.Quantity = decimal.RequireFromString("0.4")
	_, err := g.Submit(context.Background(), req)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrQuantityTooSmall))
}

func TestSubmitRejectsUnknownBehavior(t *testing.T) {
	g, venue := newTestGateway(t)

	req := stopRequest("99.00")
	req.Behavior = core.OrderBehavior("TRAILING_STOP")
	_, err := g.Submit(context.Background(), req)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrSafetyAbort))
	assert.Empty(t, venue.PlacedRequests())
}

func TestCancelRetriesTransientFailure(t *testing.T) {
	g, venue := newTestGateway(t)

	order, err := g.Submit(context.Background(), stopRequest("99.00"))
	require.NoError(t, err)

	venue.FailCancels(1)
	err = g.Cancel(context.Background(), order.ID)

	require.NoError(t, err)
	assert.Equal(t, 0, venue.OpenOrderCount())
}
