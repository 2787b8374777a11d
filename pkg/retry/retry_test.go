package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "intent_keeper/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, VenueTransient, func() error {
		calls++
		if calls < 3 {
			return apperrors.ErrNetwork
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonTransientError(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := Do(context.Background(), fastPolicy, VenueTransient, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastErrorWhenAttemptsExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, VenueTransient, func() error {
		calls++
		return apperrors.ErrRateLimitExceeded
	})
	assert.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.Equal(t, fastPolicy.MaxAttempts, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastPolicy, VenueTransient, func() error {
		return apperrors.ErrNetwork
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVenueTransient(t *testing.T) {
	assert.True(t, VenueTransient(apperrors.ErrNetwork))
	assert.True(t, VenueTransient(apperrors.ErrRateLimitExceeded))
	assert.True(t, VenueTransient(errors.New("dial tcp: i/o timeout")))
	assert.True(t, VenueTransient(errors.New("network error: cancel failed")))
	assert.False(t, VenueTransient(nil))
	assert.False(t, VenueTransient(errors.New("insufficient funds")))

	// Rejections recover at the gateway, never by blind retry.
	assert.False(t, VenueTransient(apperrors.NewRejection("bad tick", 1)))
}
