package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Standardized engine errors
var (
	ErrReversalInFlight  = errors.New("reversal already in flight")
	ErrNoExposure        = errors.New("no exposure to reverse")
	ErrQuantityTooSmall  = errors.New("quantity below minimum lot")
	ErrMissingPositionID = errors.New("intent has no position id")
	ErrOrphanState       = errors.New("orphaned bookkeeping state")
	ErrSafetyAbort       = errors.New("operation aborted in a safe state")
	ErrNotReady          = errors.New("engine not ready")
	ErrIntentNotFound    = errors.New("intent not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrNetwork           = errors.New("network error")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrTradingSuspended  = errors.New("trading suspended by risk gate")
)

// RejectionClass categorizes a broker rejection by the recovery it permits.
type RejectionClass string

const (
	// RejectionTickViolation means a price did not sit on the instrument
	// grid; the order may be re-rounded and resubmitted once.
	RejectionTickViolation RejectionClass = "TICK_VIOLATION"

	// RejectionUnsupportedParam means an optional parameter was refused; the
	// order may be resubmitted once without it.
	RejectionUnsupportedParam RejectionClass = "UNSUPPORTED_PARAM"

	// RejectionTerminal means no automated recovery applies.
	RejectionTerminal RejectionClass = "TERMINAL"
)

// RejectionError wraps a broker rejection with its recovery class and the
// number of submission attempts already spent on the order.
type RejectionError struct {
	Class    RejectionClass
	Message  string
	Attempts int
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected (%s, attempt %d): %s", e.Class, e.Attempts, e.Message)
}

// NewRejection classifies a raw broker rejection message.
func NewRejection(msg string, attempts int) *RejectionError {
	return &RejectionError{Class: ClassifyRejection(msg), Message: msg, Attempts: attempts}
}

// ClassifyRejection maps a broker rejection message onto a recovery class by
// substring. Brokers in this tier do not expose structured rejection codes,
// so message text is the only available signal.
func ClassifyRejection(msg string) RejectionClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "tick"), strings.Contains(lower, "increment"):
		return RejectionTickViolation
	case strings.Contains(lower, "not supported"), strings.Contains(lower, "reduce"):
		return RejectionUnsupportedParam
	default:
		return RejectionTerminal
	}
}

// IsTerminalRejection reports whether err is a rejection with no remaining
// automated recovery.
func IsTerminalRejection(err error) bool {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Class == RejectionTerminal
	}
	return false
}
