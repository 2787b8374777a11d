package intent

import (
	"testing"
	"time"

	"intent_keeper/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func qty(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func activeEntry(id string, q decimal.Decimal) *core.Order {
	return &core.Order{
		ID:       id,
		Side:     core.SideBuy,
		Behavior: core.BehaviorMarket,
		Status:   core.StatusOpened,
		Quantity: q,
	}
}

func TestStatusDerivation(t *testing.T) {
	it := New("tok", core.SideBuy, qty(3))
	assert.Equal(t, StatusCreated, it.Status())

	entry := activeEntry("o-1", qty(3))
	it.BindEntry(entry)
	assert.Equal(t, StatusPlaced, it.Status())

	// Position appears while the entry is still working.
	pos := &core.Position{ID: "p-1", Side: core.SideBuy, Quantity: qty(1)}
	it.BindPosition(pos)
	assert.Equal(t, StatusPartiallyFilled, it.Status())

	// Entry completes at requested size.
	entry.Status = core.StatusFilled
	it.BindPosition(&core.Position{ID: "p-1", Side: core.SideBuy, Quantity: qty(3)})
	assert.Equal(t, StatusFilled, it.Status())

	// Partial close shrinks the position below the requested size.
	it.BindPosition(&core.Position{ID: "p-1", Side: core.SideBuy, Quantity: qty(1)})
	assert.Equal(t, StatusPartiallyClosed, it.Status())

	// Position disappears after exposure existed.
	it.ClearPosition()
	assert.Equal(t, StatusClosed, it.Status())
}

func TestStatusExposedBeforePositionEvent(t *testing.T) {
	it := New("tok", core.SideBuy, qty(1))
	it.BindEntry(&core.Order{
		ID:         "o-1",
		PositionID: "p-late",
		Side:       core.SideBuy,
		Behavior:   core.BehaviorMarket,
		Status:     core.StatusFilled,
		Quantity:   qty(1),
	})

	// The fill named a position the event stream has not delivered yet.
	assert.Equal(t, StatusFilled, it.Status())
	assert.Equal(t, "p-late", it.PositionID())
}

func TestStatusEntryNeverFilled(t *testing.T) {
	it := New("tok", core.SideBuy, qty(1))
	entry := activeEntry("o-1", qty(1))
	it.BindEntry(entry)

	entry.Status = core.StatusCancelled
	assert.Equal(t, StatusClosed, it.Status())
}

func TestBindEntryFirstWins(t *testing.T) {
	it := New("tok", core.SideBuy, qty(1))

	assert.True(t, it.BindEntry(activeEntry("o-1", qty(1))))
	assert.False(t, it.BindEntry(activeEntry("o-2", qty(1))))
	assert.Equal(t, "o-1", it.EntryOrder().ID)

	// Rebinding the same order refreshes it.
	assert.True(t, it.BindEntry(activeEntry("o-1", qty(1))))
}

func TestProtectiveSlotNeverDisplacedWhileActive(t *testing.T) {
	it := New("tok", core.SideBuy, qty(1))

	assert.True(t, it.BindStopOrder("sl-1", true))
	assert.False(t, it.BindStopOrder("sl-2", true))
	assert.Equal(t, "sl-1", it.Stop().OrderID)

	// Once the binding is released, a new order may claim the slot.
	it.ReleaseStopOrder()
	assert.True(t, it.BindStopOrder("sl-2", true))
}

func TestVersionAdvancesOnTouch(t *testing.T) {
	a := New("a", core.SideBuy, qty(1))
	b := New("b", core.SideBuy, qty(1))
	assert.Greater(t, b.Version(), a.Version())

	before := a.Version()
	a.PlanStop(decimal.NewFromInt(100))
	assert.Greater(t, a.Version(), before)
	assert.Greater(t, a.Version(), b.Version())
}

func TestMarkStopPlacedRecordsDebounceTime(t *testing.T) {
	it := New("tok", core.SideBuy, qty(1))
	at := time.Now()

	it.MarkStopPlaced("sl-1", at)

	slot := it.Stop()
	assert.Equal(t, "sl-1", slot.OrderID)
	assert.Equal(t, at, slot.LastPlacedAt)
}

func TestNetProfit(t *testing.T) {
	it := New("tok", core.SideBuy, qty(2))
	it.AddExitFill(qty(1), decimal.NewFromInt(30), decimal.NewFromInt(1))
	it.AddExitFill(qty(1), decimal.NewFromInt(-10), decimal.NewFromInt(1))

	assert.True(t, decimal.NewFromInt(20).Equal(it.GrossProfit()))
	assert.True(t, decimal.NewFromInt(18).Equal(it.NetProfit()))
}
