package session

import "context"

// Status defines the session lifecycle.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (status Status) Terminal() bool {
	return status == StatusEnded || status == StatusMissed || status == StatusRejected
}

// ServiceType distinguishes chat and call consultations. Both bill the
// same way.
type ServiceType string

const (
	ServiceChat ServiceType = "chat"
	ServiceCall ServiceType = "call"
)

// EndReason records why a session reached a terminal state.
type EndReason string

const (
	EndReasonUserEnded           EndReason = "user_ended"
	EndReasonProviderEnded       EndReason = "provider_ended"
	EndReasonInsufficientBalance EndReason = "insufficient_balance"
	EndReasonProviderDeclined    EndReason = "provider_declined"
	EndReasonAcceptTimeout       EndReason = "accept_timeout"
	EndReasonSystemError         EndReason = "system_error"
)

// Session is the chat/call aggregate. All billing-relevant state is on this
// row so a restart can recompute scheduling from durable fields alone.
type Session struct {
	ID                  string
	UserID              string
	ProviderID          string
	ServiceType         ServiceType
	Status              Status
	RatePerMinute       int64
	CreatedUnixUTC      int64
	StartedUnixUTC      int64
	EndedUnixUTC        int64
	EndReason           EndReason
	BilledMinutes       int64
	PausedSeconds       int64
	GraceStartedUnixUTC int64
	GraceExpiresUnixUTC int64
}

// GraceOpen reports whether billing is currently suspended.
func (s Session) GraceOpen() bool {
	return s.GraceStartedUnixUTC != 0
}

// Store is the persistence contract for session records. The compare-and-set
// methods return false when the expected prior state no longer holds, which
// is how concurrent transitions lose races without corrupting the record.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// ActivateSession moves waiting -> active and stamps started_at.
	ActivateSession(ctx context.Context, sessionID string, startedUnixUTC int64) (bool, error)
	// TerminateSession moves from -> to (a terminal status) and stamps
	// ended_at and end_reason.
	TerminateSession(ctx context.Context, sessionID string, from Status, to Status, endedUnixUTC int64, reason EndReason) (bool, error)
	// RecordBilledMinute claims minute index N by moving billed_minutes from
	// N-1 to N. Returns false if the minute was already claimed.
	RecordBilledMinute(ctx context.Context, sessionID string, minuteIndex int64) (bool, error)
	// OpenGraceWindow sets the window bounds only when no window is open.
	OpenGraceWindow(ctx context.Context, sessionID string, startedUnixUTC int64, expiresUnixUTC int64) (bool, error)
	// CloseGraceWindow clears the window and folds the paused duration into
	// paused_seconds.
	CloseGraceWindow(ctx context.Context, sessionID string, pausedDeltaSeconds int64) (bool, error)
	ListActiveSessions(ctx context.Context) ([]Session, error)
	SetProviderBusy(ctx context.Context, providerID string, busy bool) error
}
