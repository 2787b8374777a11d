package binding

import (
	"testing"
	"time"

	"intent_keeper/internal/core"
	"intent_keeper/internal/intent"
	"intent_keeper/internal/logging"

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

func newTestResolver(t *testing.T) (*Resolver, *intent.Registry) {
	t.Helper()
	reg := intent.NewRegistry(logging.NewNop())
	res := NewResolver(reg, testInfo, decimal.RequireFromString("2.1"), 5*time.Minute, logging.NewNop())
	return res, reg
}

func entryOrder(token, id, groupID string) *core.Order {
	return &core.Order{
		ID:       id,
		GroupID:  groupID,
		Side:     core.SideBuy,
		Behavior: core.BehaviorMarket,
		Status:   core.StatusOpened,
		Quantity: decimal.NewFromInt(2),
		Comment:  Comment(token, RoleEntry),
	}
}

func stopOrder(id, groupID string, trigger string) *core.Order {
	return &core.Order{
		ID:           id,
		GroupID:      groupID,
		Side:         core.SideSell,
		Behavior:     core.BehaviorStop,
		Status:       core.StatusOpened,
		TriggerPrice: decimal.NewNullDecimal(decimal.RequireFromString(trigger)),
		Quantity:     decimal.NewFromInt(2),
	}
}

func limitOrder(id, groupID string, price string) *core.Order {
	return &core.Order{
		ID:       id,
		GroupID:  groupID,
		Side:     core.SideSell,
		Behavior: core.BehaviorLimit,
		Status:   core.StatusOpened,
		Price:    decimal.NewNullDecimal(decimal.RequireFromString(price)),
		Quantity: decimal.NewFromInt(2),
	}
}

func TestEntryCommentCreatesAndBindsIntent(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))

	it, ok := reg.Get(token)
	require.True(t, ok)
	assert.Equal(t, "o-1", it.EntryOrder().ID)
	assert.Equal(t, core.SideBuy, it.Side())
}

func TestDuplicateEntryIgnored(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))
	res.OnOrderEvent(entryOrder(token, "o-2", "g1"))

	it, _ := reg.Get(token)
	assert.Equal(t, "o-1", it.EntryOrder().ID)
	assert.Equal(t, 1, reg.ActiveCount())
}

func TestChildBeforeEntryIsCachedAndDrained(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	// Children arrive first, grouped but untagged.
	res.OnOrderEvent(stopOrder("sl-1", "g1,g2", "99.00"))
	res.OnOrderEvent(limitOrder("tp-1", "g2", "101.00"))
	assert.Equal(t, 2, res.PendingCount())

	res.OnOrderEvent(entryOrder(token, "o-1", "g2"))

	it, _ := reg.Get(token)
	assert.Equal(t, "sl-1", it.Stop().OrderID)
	assert.Equal(t, "tp-1", it.Target().OrderID)
	assert.Equal(t, 0, res.PendingCount())
}

func TestDrainedChildCannotRebindViaOtherGroupToken(t *testing.T) {
	res, reg := newTestResolver(t)
	tokenA := NewToken()

	res.OnOrderEvent(stopOrder("sl-1", "g1,g2", "99.00"))
	res.OnOrderEvent(entryOrder(tokenA, "o-1", "g2"))

	itA, _ := reg.Get(tokenA)
	require.Equal(t, "sl-1", itA.Stop().OrderID)
	require.Equal(t, 0, res.PendingCount())

	// A later entry carrying the composite's other token must not claim the
	// already-bound stop from a stale cache copy.
	tokenB := NewToken()
	res.OnOrderEvent(entryOrder(tokenB, "o-2", "g1"))

	itB, _ := reg.Get(tokenB)
	assert.Empty(t, itB.Stop().OrderID)
}

func TestGroupRoutedChildNeverDisplacesActiveSlot(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))
	res.OnOrderEvent(stopOrder("sl-1", "g1", "99.00"))
	res.OnOrderEvent(stopOrder("sl-2", "g1", "98.00"))

	it, _ := reg.Get(token)
	assert.Equal(t, "sl-1", it.Stop().OrderID)
}

func TestCommentRoutedChildBindsDirectly(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.OnOrderEvent(entryOrder(token, "o-1", ""))
	sl := stopOrder("sl-1", "", "99.00")
	sl.Comment = Comment(token, RoleStopLoss)
	res.OnOrderEvent(sl)

	it, _ := reg.Get(token)
	assert.Equal(t, "sl-1", it.Stop().OrderID)
	require.True(t, it.Stop().Planned())
	assert.True(t, decimal.RequireFromString("99.00").Equal(it.Stop().PlannedPrice.Decimal))
}

func TestPlanBracketStagedUntilEntryArrives(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.PlanBracket(token,
		decimal.NewNullDecimal(decimal.RequireFromString("99.00")),
		decimal.NewNullDecimal(decimal.RequireFromString("101.00")))

	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))

	it, _ := reg.Get(token)
	require.True(t, it.Stop().Planned())
	require.True(t, it.Target().Planned())
	assert.True(t, decimal.RequireFromString("99.00").Equal(it.Stop().PlannedPrice.Decimal))
	assert.True(t, decimal.RequireFromString("101.00").Equal(it.Target().PlannedPrice.Decimal))
}

func TestPositionBindsNewestEligibleIntent(t *testing.T) {
	res, reg := newTestResolver(t)
	tokenOld, tokenNew := NewToken(), NewToken()

	res.OnOrderEvent(entryOrder(tokenOld, "o-1", "g1"))
	res.OnOrderEvent(entryOrder(tokenNew, "o-2", "g2"))

	pos := &core.Position{ID: "p-1", Side: core.SideBuy, Quantity: decimal.NewFromInt(2)}
	it, ok := res.OnPositionEvent(pos)

	require.True(t, ok)
	assert.Equal(t, tokenNew, it.ID())

	older, _ := reg.Get(tokenOld)
	assert.Equal(t, "", older.PositionID())
}

func TestPositionRefreshesExistingBinding(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))
	res.OnPositionEvent(&core.Position{ID: "p-1", Side: core.SideBuy, Quantity: decimal.NewFromInt(2)})
	res.OnPositionEvent(&core.Position{ID: "p-1", Side: core.SideBuy, Quantity: decimal.NewFromInt(1)})

	it, _ := reg.Get(token)
	assert.True(t, decimal.NewFromInt(1).Equal(it.Position().Quantity))
}

func TestFindProtectiveTiers(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()
	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))
	it, _ := reg.Get(token)
	it.PlanStop(decimal.RequireFromString("99.00"))

	tracked := stopOrder("sl-1", "", "99.00")
	grouped := stopOrder("sl-2", "g1", "99.00")
	fuzzy := stopOrder("sl-3", "zz", "99.50")
	tooFar := stopOrder("sl-4", "zz", "99.75")

	// Tier 1: tracked id wins over everything.
	it.BindStopOrder("sl-1", true)
	got := res.FindProtective(it, RoleStopLoss, []*core.Order{tooFar, grouped, tracked})
	require.NotNil(t, got)
	assert.Equal(t, "sl-1", got.ID)

	// Tier 2: tracked id gone, group intersection claims.
	it.ReleaseStopOrder()
	got = res.FindProtective(it, RoleStopLoss, []*core.Order{tooFar, grouped})
	require.NotNil(t, got)
	assert.Equal(t, "sl-2", got.ID)

	// Tier 3: 99.50 sits within 2.1 ticks of the 99.00 plan, 99.75 does not.
	got = res.FindProtective(it, RoleStopLoss, []*core.Order{tooFar, fuzzy})
	require.NotNil(t, got)
	assert.Equal(t, "sl-3", got.ID)

	got = res.FindProtective(it, RoleStopLoss, []*core.Order{tooFar})
	assert.Nil(t, got)
}

func TestOnOrderTerminalReleasesSlots(t *testing.T) {
	res, reg := newTestResolver(t)
	token := NewToken()

	res.OnOrderEvent(entryOrder(token, "o-1", "g1"))
	res.OnOrderEvent(stopOrder("sl-1", "g1", "99.00"))

	cancelled := stopOrder("sl-1", "g1", "99.00")
	cancelled.Status = core.StatusCancelled
	res.OnOrderTerminal(cancelled)

	it, _ := reg.Get(token)
	assert.Equal(t, "", it.Stop().OrderID)
	assert.True(t, it.Stop().Planned(), "the plan survives the order")
}

func TestSweepDropsStalePending(t *testing.T) {
	res, _ := newTestResolver(t)
	base := time.Now()
	res.now = func() time.Time { return base }

	res.OnOrderEvent(stopOrder("sl-1", "g1", "99.00"))
	assert.Equal(t, 1, res.PendingCount())

	res.now = func() time.Time { return base.Add(10 * time.Minute) }
	res.Sweep()
	assert.Equal(t, 0, res.PendingCount())
}
