package intent

import (
	"sync"
	"testing"

	"intent_keeper/internal/core"
	"intent_keeper/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(logging.NewNop())
}

func TestCreateIfAbsentIdempotent(t *testing.T) {
	r := newTestRegistry()

	first, created := r.CreateIfAbsent("tok-1", core.SideBuy, decimal.NewFromInt(2))
	require.True(t, created)

	second, created := r.CreateIfAbsent("tok-1", core.SideSell, decimal.NewFromInt(9))
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, core.SideBuy, second.Side())
	assert.Equal(t, 1, r.ActiveCount())
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	r := newTestRegistry()

	const goroutines = 100
	results := make([]*Intent, goroutines)
	createdCount := make([]bool, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			it, created := r.CreateIfAbsent("tok-race", core.SideBuy, decimal.NewFromInt(1))
			results[n] = it
			createdCount[n] = created
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < goroutines; i++ {
		assert.Same(t, results[0], results[i])
		if createdCount[i] {
			creators++
		}
	}
	assert.Equal(t, 1, creators, "exactly one goroutine must observe creation")
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRetireExactlyOnce(t *testing.T) {
	r := newTestRegistry()
	it, _ := r.CreateIfAbsent("tok-2", core.SideBuy, decimal.NewFromInt(1))

	assert.True(t, r.Retire(it))
	assert.False(t, r.Retire(it))
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 1, r.TradeCount())
	assert.Equal(t, StatusClosed, it.Status())
}

func TestTradeCountOnlyCountsRetired(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.CreateIfAbsent("a", core.SideBuy, decimal.NewFromInt(1))
	r.CreateIfAbsent("b", core.SideSell, decimal.NewFromInt(1))

	r.Retire(a)

	assert.Equal(t, 1, r.TradeCount())
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRealizedProfit(t *testing.T) {
	r := newTestRegistry()
	a, _ := r.CreateIfAbsent("a", core.SideBuy, decimal.NewFromInt(1))
	a.AddExitFill(decimal.NewFromInt(1), decimal.NewFromInt(50), decimal.NewFromInt(2))
	r.Retire(a)

	b, _ := r.CreateIfAbsent("b", core.SideSell, decimal.NewFromInt(1))
	b.AddExitFill(decimal.NewFromInt(1), decimal.NewFromInt(-20), decimal.NewFromInt(2))
	r.Retire(b)

	assert.True(t, decimal.NewFromInt(26).Equal(r.RealizedProfit()))
}
