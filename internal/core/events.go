package core

// EventKind identifies what a venue event carries.
type EventKind string

const (
	EventOrderAdded      EventKind = "ORDER_ADDED"
	EventOrderUpdated    EventKind = "ORDER_UPDATED"
	EventOrderRemoved    EventKind = "ORDER_REMOVED"
	EventPositionAdded   EventKind = "POSITION_ADDED"
	EventPositionUpdated EventKind = "POSITION_UPDATED"
	EventPositionRemoved EventKind = "POSITION_REMOVED"
	EventTradeAdded      EventKind = "TRADE_ADDED"
)

// VenueEvent is a single update from the broker stream. Exactly one of
// Order, Position or Fill is set, matching the kind.
type VenueEvent struct {
	Kind     EventKind
	Order    *Order
	Position *Position
	Fill     *TradeFill
}
