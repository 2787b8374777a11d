package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadySignalFiresOnce(t *testing.T) {
	s := NewReadySignal(10 * time.Millisecond)
	assert.False(t, s.Ready())

	s.Set()
	s.Set() // second fire is a no-op
	assert.True(t, s.Ready())
	require.NoError(t, s.Wait(context.Background()))
}

func TestReadySignalWaitUnblocksOnSet(t *testing.T) {
	s := NewReadySignal(5 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	s.Set()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Set")
	}
}

func TestReadySignalWaitHonorsCancellation(t *testing.T) {
	s := NewReadySignal(5 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Wait(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not observe cancellation")
	}
	assert.False(t, s.Ready())
}
