package risk

import (
	"context"
	"sync"
	"testing"

	"intent_keeper/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// Reconciliation races against event-driven binding updates in production;
// run with -race.
func TestReconcileConcurrentWithBindingUpdates(t *testing.T) {
	r, venue, registry := newTestReconciler(t)

	venue.SeedPosition(&core.Position{ID: "p-1", Side: core.SideBuy, Quantity: decimal.NewFromInt(2)})
	it := boundIntent(t, registry, "tok-1", "p-1", core.SideBuy, 2)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			require.NoError(t, r.Reconcile(context.Background(), i%5 == 0))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			it.BindPosition(&core.Position{ID: "p-1", Side: core.SideBuy, Quantity: decimal.NewFromInt(2)})
			it.PlanStop(decimal.NewFromInt(99))
			_ = it.Status()
			_ = r.ExposedAmount()
		}
	}()

	wg.Wait()

	require.Equal(t, 2, r.ExposedAmount())
	require.Equal(t, core.ExposureLong, r.ExposedSide())
}
