package notify

// EventType enumerates billing coordination events fanned out to the two
// participants' live connections.
type EventType string

const (
	EventMinuteBilled       EventType = "minute_billed"
	EventWalletUpdated      EventType = "wallet_updated"
	EventGracePeriodStarted EventType = "grace_period_started"
	EventGracePeriodEnded   EventType = "grace_period_ended"
	EventLowBalanceWarning  EventType = "low_balance_warning"
	EventSessionEnded       EventType = "session_ended"
)

// Event is a state snapshot, not a delta. Delivery is best-effort; clients
// reconcile through the billing status endpoint after a reconnect.
type Event struct {
	Type                EventType `json:"type"`
	SessionID           string    `json:"session_id"`
	BilledMinutes       int64     `json:"billed_minutes,omitempty"`
	AmountCents         int64     `json:"amount_cents,omitempty"`
	BalanceCents        int64     `json:"balance_cents,omitempty"`
	MinutesRemaining    int64     `json:"minutes_remaining,omitempty"`
	GraceExpiresUnixUTC int64     `json:"grace_expires_unix_utc,omitempty"`
	EndReason           string    `json:"end_reason,omitempty"`
	AtUnixUTC           int64     `json:"at_unix_utc"`
}

// Notifier is the narrow contract the billing core depends on. Failures to
// deliver must never fail the underlying billing mutation.
type Notifier interface {
	Notify(sessionID string, event Event)
}
