package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

// BalanceSource reads a user's spendable balance. Satisfied by
// wallet.Service.
type BalanceSource interface {
	Balance(ctx context.Context, userID string) (wallet.AmountCents, error)
}

// EarningOpener creates the provider accrual record when a session becomes
// active. Satisfied by earning.Service.
type EarningOpener interface {
	Open(ctx context.Context, sessionID string, providerID string, userID string, serviceType string, ratePerMinute int64) error
}

// Machine owns all session lifecycle transitions. Other components read
// sessions or request transitions through it; none mutate the record
// directly.
type Machine struct {
	store    Store
	wallets  BalanceSource
	earnings EarningOpener
	nowFn    func() int64
}

// NewMachine wires a Machine.
func NewMachine(store Store, wallets BalanceSource, earnings EarningOpener, now func() int64) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if wallets == nil {
		return nil, fmt.Errorf("%w: wallet dependency is nil", ErrInvalidServiceConfig)
	}
	if earnings == nil {
		return nil, fmt.Errorf("%w: earning dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Machine{store: store, wallets: wallets, earnings: earnings, nowFn: now}, nil
}

// Create registers a waiting session. The rate is fixed here and immutable
// afterward.
func (machine *Machine) Create(ctx context.Context, userID string, providerID string, serviceType ServiceType, ratePerMinute int64) (Session, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(providerID) == "" {
		return Session{}, fmt.Errorf("%w: missing participant id", ErrInvalidSession)
	}
	if serviceType != ServiceChat && serviceType != ServiceCall {
		return Session{}, fmt.Errorf("%w: unknown service type %q", ErrInvalidSession, serviceType)
	}
	if ratePerMinute <= 0 {
		return Session{}, fmt.Errorf("%w: rate must be greater than zero", ErrInvalidSession)
	}
	record := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProviderID:     providerID,
		ServiceType:    serviceType,
		Status:         StatusWaiting,
		RatePerMinute:  ratePerMinute,
		CreatedUnixUTC: machine.nowFn(),
	}
	if err := machine.store.CreateSession(ctx, record); err != nil {
		return Session{}, err
	}
	return record, nil
}

// Accept moves a waiting session to active on provider acceptance. The
// user's balance must cover one minute at the session rate; otherwise the
// session is rejected with reason insufficient_balance and
// wallet.ErrInsufficientBalance is returned.
func (machine *Machine) Accept(ctx context.Context, sessionID string) (Session, error) {
	record, err := machine.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if record.Status != StatusWaiting {
		return Session{}, fmt.Errorf("%w: accept from %s", ErrConflict, record.Status)
	}
	balance, err := machine.wallets.Balance(ctx, record.UserID)
	if err != nil {
		return Session{}, err
	}
	if int64(balance) < record.RatePerMinute {
		now := machine.nowFn()
		if _, err := machine.store.TerminateSession(ctx, sessionID, StatusWaiting, StatusRejected, now, EndReasonInsufficientBalance); err != nil {
			return Session{}, err
		}
		return Session{}, wallet.ErrInsufficientBalance
	}
	now := machine.nowFn()
	moved, err := machine.store.ActivateSession(ctx, sessionID, now)
	if err != nil {
		return Session{}, err
	}
	if !moved {
		return Session{}, fmt.Errorf("%w: session no longer waiting", ErrConflict)
	}
	if err := machine.store.SetProviderBusy(ctx, record.ProviderID, true); err != nil {
		return Session{}, err
	}
	if err := machine.earnings.Open(ctx, record.ID, record.ProviderID, record.UserID, string(record.ServiceType), record.RatePerMinute); err != nil {
		return Session{}, err
	}
	return machine.store.GetSession(ctx, sessionID)
}

// Reject records an explicit provider decline.
func (machine *Machine) Reject(ctx context.Context, sessionID string) (Session, error) {
	return machine.terminateWaiting(ctx, sessionID, StatusRejected, EndReasonProviderDeclined)
}

// Miss records an acceptance timeout.
func (machine *Machine) Miss(ctx context.Context, sessionID string) (Session, error) {
	return machine.terminateWaiting(ctx, sessionID, StatusMissed, EndReasonAcceptTimeout)
}

// End moves an active session to ended and releases the provider. The
// caller (billing engine) is responsible for stopping the session's timer
// before the end is reported as complete.
func (machine *Machine) End(ctx context.Context, sessionID string, reason EndReason) (Session, error) {
	record, err := machine.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if record.Status != StatusActive {
		return Session{}, fmt.Errorf("%w: end from %s", ErrConflict, record.Status)
	}
	moved, err := machine.store.TerminateSession(ctx, sessionID, StatusActive, StatusEnded, machine.nowFn(), reason)
	if err != nil {
		return Session{}, err
	}
	if !moved {
		return Session{}, fmt.Errorf("%w: session no longer active", ErrConflict)
	}
	if err := machine.store.SetProviderBusy(ctx, record.ProviderID, false); err != nil {
		return Session{}, err
	}
	return machine.store.GetSession(ctx, sessionID)
}

// Get reads a session record.
func (machine *Machine) Get(ctx context.Context, sessionID string) (Session, error) {
	return machine.store.GetSession(ctx, sessionID)
}

func (machine *Machine) terminateWaiting(ctx context.Context, sessionID string, to Status, reason EndReason) (Session, error) {
	record, err := machine.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if record.Status != StatusWaiting {
		return Session{}, fmt.Errorf("%w: %s from %s", ErrConflict, to, record.Status)
	}
	moved, err := machine.store.TerminateSession(ctx, sessionID, StatusWaiting, to, machine.nowFn(), reason)
	if err != nil {
		return Session{}, err
	}
	if !moved {
		return Session{}, fmt.Errorf("%w: session no longer waiting", ErrConflict)
	}
	return machine.store.GetSession(ctx, sessionID)
}
