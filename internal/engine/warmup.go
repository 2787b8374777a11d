package engine

import (
	"context"
	"sync"
	"time"
)

// ReadySignal is a one-shot warm-up gate. Set fires at most once; Wait
// blocks with a bounded poll until the signal fires or the context ends.
type ReadySignal struct {
	once sync.Once
	ch   chan struct{}
	poll time.Duration
}

// NewReadySignal creates an unfired signal polled at the given interval.
func NewReadySignal(poll time.Duration) *ReadySignal {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &ReadySignal{ch: make(chan struct{}), poll: poll}
}

// Set fires the signal. Safe to call repeatedly and from any goroutine.
func (s *ReadySignal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// Ready reports whether the signal has fired.
func (s *ReadySignal) Ready() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires or ctx is done. Cancellation stops the
// poll loop and is safe at any time.
func (s *ReadySignal) Wait(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// bounded poll; loop back to re-check
		}
	}
}
