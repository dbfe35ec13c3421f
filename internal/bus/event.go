package bus

import "time"

// Event is a domain event published on the bus. Session carries the owner
// (logged-in user id) the event belongs to; 0 means unscoped. Consumers that
// mutate per-owner state compare Session against the current login before
// acting, so events produced under a previous login are discarded instead of
// applied.
type Event struct {
	Kind      string
	Session   int64
	Timestamp time.Time
	Payload   any
}
