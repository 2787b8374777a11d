// Package gateway submits orders to the venue with preflight normalization,
// rate limiting and classified rejection recovery.
package gateway

import (
	"context"
	"fmt"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/pkg/errors"
	"intent_keeper/pkg/retry"
	"intent_keeper/pkg/telemetry"
	"intent_keeper/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Gateway is the single choke point between the engine and the venue order
// API. Every submission passes preflight normalization so prices sit on the
// tick grid and only the fields the behavior uses are populated.
type Gateway struct {
	venue  core.IVenue
	logger core.ILogger
	info   core.SymbolInfo

	rateLimiter *rate.Limiter
	cancelRetry retry.RetryPolicy

	tracer        trace.Tracer
	placedCounter metric.Int64Counter
	rejectCounter metric.Int64Counter
	resubCounter  metric.Int64Counter
	latencyHist   metric.Float64Histogram
}

// New creates a gateway. perSec and burst bound the venue call rate.
func New(venue core.IVenue, perSec float64, burst int, logger core.ILogger) *Gateway {
	if perSec <= 0 {
		perSec = 20
	}
	if burst <= 0 {
		burst = 10
	}

	tracer := telemetry.GetTracer("order-gateway")
	meter := telemetry.GetMeter("order-gateway")

	placedCounter, _ := meter.Int64Counter("gateway_orders_placed_total",
		metric.WithDescription("Total orders accepted by the venue"))
	rejectCounter, _ := meter.Int64Counter("gateway_orders_rejected_total",
		metric.WithDescription("Total orders terminally rejected"))
	resubCounter, _ := meter.Int64Counter("gateway_order_resubmits_total",
		metric.WithDescription("Total corrective resubmissions"))
	latencyHist, _ := meter.Float64Histogram(telemetry.MetricLatencyVenue,
		metric.WithDescription("Latency of venue API calls"), metric.WithUnit("ms"))

	return &Gateway{
		venue:         venue,
		logger:        logger.WithField("component", "order_gateway"),
		info:          venue.SymbolInfo(),
		rateLimiter:   rate.NewLimiter(rate.Limit(perSec), burst),
		cancelRetry:   retry.DefaultPolicy,
		tracer:        tracer,
		placedCounter: placedCounter,
		rejectCounter: rejectCounter,
		resubCounter:  resubCounter,
		latencyHist:   latencyHist,
	}
}

// Preflight normalizes a request in place: prices are rounded to the tick
// grid and fields the behavior does not use are cleared, so a limit order
// never carries a trigger price and a stop never carries a limit price.
func (g *Gateway) Preflight(req *core.PlaceOrderRequest) {
	switch req.Behavior {
	case core.BehaviorLimit:
		if req.Price.Valid {
			req.Price.Decimal = tradingutils.RoundToTick(req.Price.Decimal, g.info.TickSize)
		}
		req.TriggerPrice = decimal.NullDecimal{}
	case core.BehaviorStop:
		if req.TriggerPrice.Valid {
			req.TriggerPrice.Decimal = tradingutils.RoundToTick(req.TriggerPrice.Decimal, g.info.TickSize)
		}
		req.Price = decimal.NullDecimal{}
	case core.BehaviorMarket:
		req.Price = decimal.NullDecimal{}
		req.TriggerPrice = decimal.NullDecimal{}
	}
	req.Quantity = tradingutils.RoundToLot(req.Quantity, g.info.LotStep)
}

// Submit places an order. A rejection is recovered at most once per class:
// a tick violation is re-rounded and resubmitted, an unsupported optional
// parameter is stripped and resubmitted. A second rejection is terminal.
func (g *Gateway) Submit(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.submit")
	defer span.End()

	switch req.Behavior {
	case core.BehaviorMarket, core.BehaviorLimit, core.BehaviorStop:
	default:
		return nil, fmt.Errorf("%w: no order behavior %q at venue", apperrors.ErrSafetyAbort, req.Behavior)
	}

	g.Preflight(req)

	if req.Quantity.LessThan(g.info.MinLot) || req.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: %s < %s", apperrors.ErrQuantityTooSmall, req.Quantity, g.info.MinLot)
	}

	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	order, err := g.venue.PlaceOrder(ctx, req)
	g.latencyHist.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("call", "place_order")))
	if err == nil {
		g.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("behavior", string(req.Behavior))))
		return order, nil
	}

	rejection := apperrors.NewRejection(err.Error(), 1)
	switch rejection.Class {
	case apperrors.RejectionTickViolation:
		// Preflight already rounded, but the venue may quantize on a
		// different grid snapshot. Round again and try once more.
		g.Preflight(req)
		g.logger.Warn("Order rejected for price increment, re-rounding and resubmitting",
			"behavior", req.Behavior, "reason", err.Error())
	case apperrors.RejectionUnsupportedParam:
		req.ReduceOnly = false
		g.logger.Warn("Order rejected for unsupported parameter, stripping and resubmitting",
			"behavior", req.Behavior, "reason", err.Error())
	default:
		g.rejectCounter.Add(ctx, 1)
		g.logger.Error("Order terminally rejected", "behavior", req.Behavior, "reason", err.Error())
		return nil, rejection
	}

	g.resubCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("class", string(rejection.Class))))

	if err := g.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	order, err = g.venue.PlaceOrder(ctx, req)
	if err != nil {
		g.rejectCounter.Add(ctx, 1)
		final := apperrors.NewRejection(err.Error(), 2)
		final.Class = apperrors.RejectionTerminal
		g.logger.Error("Order rejected on corrective resubmission", "behavior", req.Behavior, "reason", err.Error())
		return nil, final
	}

	g.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("behavior", string(req.Behavior))))
	return order, nil
}

// Modify changes the working price of an order, rounding to the tick grid
// first.
func (g *Gateway) Modify(ctx context.Context, orderID string, price, trigger decimal.NullDecimal) error {
	ctx, span := g.tracer.Start(ctx, "gateway.modify")
	defer span.End()

	if price.Valid {
		price.Decimal = tradingutils.RoundToTick(price.Decimal, g.info.TickSize)
	}
	if trigger.Valid {
		trigger.Decimal = tradingutils.RoundToTick(trigger.Decimal, g.info.TickSize)
	}

	if err := g.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	return g.venue.ModifyOrder(ctx, orderID, price, trigger)
}

// Cancel cancels an order, retrying transient venue failures.
func (g *Gateway) Cancel(ctx context.Context, orderID string) error {
	ctx, span := g.tracer.Start(ctx, "gateway.cancel")
	defer span.End()

	return retry.Do(ctx, g.cancelRetry, retry.VenueTransient, func() error {
		if err := g.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		return g.venue.CancelOrder(ctx, orderID)
	})
}
