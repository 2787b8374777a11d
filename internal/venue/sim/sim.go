// Package sim extends the in-memory venue with price-driven fills for the
// demo binary and integration-style tests.
package sim

import (
	"context"
	"math/rand"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/mock"

	"github.com/shopspring/decimal"
)

// Venue is a simulated execution venue. Prices pushed through UpdatePrice
// cross resting stop and limit orders the way a matching engine would.
type Venue struct {
	mock.Venue
}

// New creates a simulated venue for the given instrument.
func New(info core.SymbolInfo) *Venue {
	return &Venue{Venue: *mock.NewVenue(info)}
}

// UpdatePrice moves the market and fills every resting order the new price
// crosses. Stops fill at their trigger, limits at their limit price.
func (s *Venue) UpdatePrice(price decimal.Decimal) {
	s.SetLatestPrice(price)

	orders, _ := s.GetOpenOrders(context.Background())
	for _, o := range orders {
		switch o.Behavior {
		case core.BehaviorLimit:
			if !o.Price.Valid {
				continue
			}
			limit := o.Price.Decimal
			if (o.Side == core.SideBuy && price.LessThanOrEqual(limit)) ||
				(o.Side == core.SideSell && price.GreaterThanOrEqual(limit)) {
				s.FillOrder(o.ID, o.Quantity.Sub(o.FilledQty), limit)
			}
		case core.BehaviorStop:
			if !o.TriggerPrice.Valid {
				continue
			}
			trigger := o.TriggerPrice.Decimal
			if (o.Side == core.SideBuy && price.GreaterThanOrEqual(trigger)) ||
				(o.Side == core.SideSell && price.LessThanOrEqual(trigger)) {
				s.FillOrder(o.ID, o.Quantity.Sub(o.FilledQty), trigger)
			}
		}
	}
}

// Walk drives a random tick-sized price walk until ctx ends. Used by the
// demo binary to generate activity.
func (s *Venue) Walk(ctx context.Context, interval time.Duration) {
	info := s.SymbolInfo()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	price := s.LatestPrice()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			steps := decimal.NewFromInt(int64(rand.Intn(5)) - 2)
			price = price.Add(steps.Mul(info.TickSize))
			s.UpdatePrice(price)
		}
	}
}
