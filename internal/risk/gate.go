package risk

import (
	"context"
	"fmt"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"

	"github.com/shopspring/decimal"
)

// GateConfig bounds what the session risk gate lets through.
type GateConfig struct {
	Enabled        bool
	MaxOpenIntents int
	MaxSessionLoss decimal.Decimal
	SessionStart   string // "HH:MM" UTC, empty disables the window check
	SessionEnd     string
}

// Gate is the pre-trade risk check consulted before any new entry or
// reversal is admitted.
type Gate struct {
	cfg        GateConfig
	venue      core.IVenue
	registry   *intent.Registry
	reconciler *Reconciler
	logger     core.ILogger
	now        func() time.Time
}

// NewGate creates a session risk gate.
func NewGate(cfg GateConfig, venue core.IVenue, registry *intent.Registry, reconciler *Reconciler, logger core.ILogger) *Gate {
	return &Gate{
		cfg:        cfg,
		venue:      venue,
		registry:   registry,
		reconciler: reconciler,
		logger:     logger.WithField("component", "risk_gate"),
		now:        time.Now,
	}
}

// SessionLoss returns realized plus floating loss for the session. Floating
// profit and loss comes from broker positions, realized from retired
// intents.
func (g *Gate) SessionLoss(ctx context.Context) (decimal.Decimal, error) {
	realized := g.registry.RealizedProfit()

	positions, err := g.venue.GetPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	floating := decimal.Zero
	for _, p := range positions {
		floating = floating.Add(p.GrossPnL).Sub(p.Fee)
	}

	return realized.Add(floating), nil
}

// AllowEntry reports whether a new entry may be admitted and, when not, the
// reason.
func (g *Gate) AllowEntry(ctx context.Context) (bool, string) {
	if !g.cfg.Enabled {
		return true, ""
	}

	if !g.inSession() {
		return false, "outside trading session"
	}

	if g.cfg.MaxOpenIntents > 0 {
		open := 0
		for _, it := range g.registry.Active() {
			if it.Exposed() {
				open++
			}
		}
		if open >= g.cfg.MaxOpenIntents {
			return false, fmt.Sprintf("open intent limit reached (%d)", g.cfg.MaxOpenIntents)
		}
	}

	if g.cfg.MaxSessionLoss.IsPositive() {
		pnl, err := g.SessionLoss(ctx)
		if err != nil {
			g.logger.Warn("Session loss check failed, refusing entry", "error", err.Error())
			return false, "session loss unavailable"
		}
		if pnl.Neg().GreaterThanOrEqual(g.cfg.MaxSessionLoss) {
			return false, fmt.Sprintf("session loss limit reached (%s)", pnl)
		}
	}

	return true, ""
}

func (g *Gate) inSession() bool {
	if g.cfg.SessionStart == "" || g.cfg.SessionEnd == "" {
		return true
	}
	start, err := time.Parse("15:04", g.cfg.SessionStart)
	if err != nil {
		return true
	}
	end, err := time.Parse("15:04", g.cfg.SessionEnd)
	if err != nil {
		return true
	}

	now := g.now().UTC()
	minutes := now.Hour()*60 + now.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return minutes >= startMin && minutes < endMin
	}
	// Session spans midnight.
	return minutes >= startMin || minutes < endMin
}
