package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AbhishekGour12/astrova-sub000/internal/earning"
	"github.com/AbhishekGour12/astrova-sub000/internal/notify"
	"github.com/AbhishekGour12/astrova-sub000/internal/session"
	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

const (
	defaultMinuteLength      = 60 * time.Second
	defaultGracePeriod       = 5 * time.Minute
	defaultAcceptTimeout     = 60 * time.Second
	defaultLowBalanceMinutes = 2
)

// WalletLedger is the slice of wallet.Service the engine needs.
type WalletLedger interface {
	Balance(ctx context.Context, userID string) (wallet.AmountCents, error)
	Debit(ctx context.Context, userID string, amount wallet.AmountCents, idempotencyKey string, metadataJSON string) (wallet.AmountCents, error)
}

// EarningLedger is the slice of earning.Service the engine needs.
type EarningLedger interface {
	CreditMinute(ctx context.Context, sessionID string) (earning.Record, error)
	Finalize(ctx context.Context, sessionID string, billedMinutes int64) error
}

// SessionMachine is the slice of session.Machine the engine needs.
type SessionMachine interface {
	End(ctx context.Context, sessionID string, reason session.EndReason) (session.Session, error)
	Miss(ctx context.Context, sessionID string) (session.Session, error)
}

// Config tunes the engine. Zero values fall back to production defaults.
type Config struct {
	// MinuteLength is the billable minute; only tests shrink it.
	MinuteLength time.Duration
	// GracePeriod bounds how long billing stays suspended after a failed
	// debit before the session is force-ended.
	GracePeriod time.Duration
	// AcceptTimeout bounds how long a waiting session may go unaccepted.
	AcceptTimeout time.Duration
	// LowBalanceMinutes triggers the advisory warning when the balance
	// covers fewer than this many further minutes.
	LowBalanceMinutes int64
}

func (cfg Config) withDefaults() Config {
	if cfg.MinuteLength <= 0 {
		cfg.MinuteLength = defaultMinuteLength
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = defaultAcceptTimeout
	}
	if cfg.LowBalanceMinutes <= 0 {
		cfg.LowBalanceMinutes = defaultLowBalanceMinutes
	}
	return cfg
}

// Summary reports the frozen totals of an ended session.
type Summary struct {
	TotalMinutes     int64 `json:"total_minutes"`
	TotalAmountCents int64 `json:"total_amount_cents"`
}

// Status is the read-only billing snapshot for reconnecting clients.
type Status struct {
	SessionID             string            `json:"session_id"`
	SessionStatus         session.Status    `json:"session_status"`
	IsActive              bool              `json:"is_active"`
	IsInGrace             bool              `json:"is_in_grace"`
	GraceSecondsRemaining int64             `json:"grace_seconds_remaining"`
	BilledMinutes         int64             `json:"billed_minutes"`
	BilledAmountCents     int64             `json:"billed_amount_cents"`
	RatePerMinute         int64             `json:"rate_per_minute"`
	EndReason             session.EndReason `json:"end_reason,omitempty"`
}

// Engine drives per-minute billing for every active session. Each session
// gets one runner goroutine that serializes its ticks, top-up events, grace
// expiry, and end requests; sessions never block each other.
type Engine struct {
	wallets  WalletLedger
	machine  SessionMachine
	store    session.Store
	earnings EarningLedger
	notifier notify.Notifier
	logger   *zap.Logger
	nowFn    func() int64
	cfg      Config

	mu           sync.Mutex
	runners      map[string]*runner
	acceptTimers map[string]*time.Timer
	quit         chan struct{}
	closed       bool
	wg           sync.WaitGroup
}

// NewEngine wires an Engine.
func NewEngine(wallets WalletLedger, machine SessionMachine, store session.Store, earnings EarningLedger, notifier notify.Notifier, logger *zap.Logger, now func() int64, cfg Config) (*Engine, error) {
	if wallets == nil || machine == nil || store == nil || earnings == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		wallets:      wallets,
		machine:      machine,
		store:        store,
		earnings:     earnings,
		notifier:     notifier,
		logger:       logger,
		nowFn:        now,
		cfg:          cfg.withDefaults(),
		runners:      make(map[string]*runner),
		acceptTimers: make(map[string]*time.Timer),
		quit:         make(chan struct{}),
	}, nil
}

// StartSession arms the billing timer for an active session. Idempotent:
// an already-running or terminal session is a no-op.
func (engine *Engine) StartSession(ctx context.Context, sessionID string) error {
	engine.CancelAcceptance(sessionID)
	record, err := engine.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return nil
	}
	if record.Status != session.StatusActive {
		return fmt.Errorf("%w: start from %s", session.ErrConflict, record.Status)
	}
	return engine.ensureRunner(sessionID)
}

// TrackAcceptance arms the waiting-session timeout. If neither accept nor
// reject arrives in time, the session transitions to missed.
func (engine *Engine) TrackAcceptance(sessionID string) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.closed {
		return
	}
	if _, exists := engine.acceptTimers[sessionID]; exists {
		return
	}
	engine.acceptTimers[sessionID] = time.AfterFunc(engine.cfg.AcceptTimeout, func() {
		engine.mu.Lock()
		delete(engine.acceptTimers, sessionID)
		engine.mu.Unlock()
		if _, err := engine.machine.Miss(context.Background(), sessionID); err != nil {
			if !errors.Is(err, session.ErrConflict) && !errors.Is(err, session.ErrNotFound) {
				engine.logger.Error("acceptance timeout transition failed",
					zap.String("session_id", sessionID), zap.Error(err))
			}
			return
		}
		engine.notifier.Notify(sessionID, notify.Event{
			Type:      notify.EventSessionEnded,
			SessionID: sessionID,
			EndReason: string(session.EndReasonAcceptTimeout),
			AtUnixUTC: engine.nowFn(),
		})
	})
}

// CancelAcceptance disarms the waiting-session timeout, if armed.
func (engine *Engine) CancelAcceptance(sessionID string) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if timer, ok := engine.acceptTimers[sessionID]; ok {
		timer.Stop()
		delete(engine.acceptTimers, sessionID)
	}
}

// EndSession terminates billing and the session, returning the frozen
// totals. The session's timer is stopped before this returns, so no tick
// can fire afterwards. Calling it again on an ended session returns the
// same totals without mutating anything.
func (engine *Engine) EndSession(ctx context.Context, sessionID string, reason session.EndReason) (Summary, error) {
	engine.mu.Lock()
	active := engine.runners[sessionID]
	engine.mu.Unlock()

	if active != nil {
		reply := make(chan commandResult, 1)
		select {
		case active.commands <- command{kind: commandEnd, reason: reason, reply: reply}:
			result := <-reply
			return result.summary, result.err
		case <-active.done:
			// Runner exited between lookup and send; fall through.
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
	return engine.endSession(ctx, sessionID, reason)
}

// NotifyTopUp informs the session's grace handling that a recharge landed.
// The wallet balance is re-read inside the runner, so a retried duplicate
// confirmation carries enough to resume billing. Safe to call when no grace
// window is open; it is a no-op then.
func (engine *Engine) NotifyTopUp(ctx context.Context, sessionID string) error {
	engine.mu.Lock()
	active := engine.runners[sessionID]
	engine.mu.Unlock()
	if active == nil {
		return nil
	}
	reply := make(chan commandResult, 1)
	select {
	case active.commands <- command{kind: commandTopUp, reply: reply}:
		result := <-reply
		return result.err
	case <-active.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BillingStatus builds the authoritative snapshot from durable fields only.
func (engine *Engine) BillingStatus(ctx context.Context, sessionID string) (Status, error) {
	record, err := engine.store.GetSession(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		SessionID:         record.ID,
		SessionStatus:     record.Status,
		IsActive:          record.Status == session.StatusActive,
		IsInGrace:         record.GraceOpen(),
		BilledMinutes:     record.BilledMinutes,
		BilledAmountCents: record.BilledMinutes * record.RatePerMinute,
		RatePerMinute:     record.RatePerMinute,
		EndReason:         record.EndReason,
	}
	if record.GraceOpen() {
		remaining := record.GraceExpiresUnixUTC - engine.nowFn()
		if remaining < 0 {
			remaining = 0
		}
		status.GraceSecondsRemaining = remaining
	}
	return status, nil
}

// Restore re-arms timers for every active session after a process restart.
// Scheduling state is not durable; it is recomputed from the session rows,
// so minutes owed and open grace windows survive the restart intact.
func (engine *Engine) Restore(ctx context.Context) error {
	records, err := engine.store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := engine.ensureRunner(record.ID); err != nil {
			return err
		}
	}
	if len(records) > 0 {
		engine.logger.Info("restored billing timers", zap.Int("sessions", len(records)))
	}
	return nil
}

// Close stops all runners without ending their sessions. Active sessions
// stay active in the store and are picked up by Restore on the next boot.
func (engine *Engine) Close() {
	engine.mu.Lock()
	if engine.closed {
		engine.mu.Unlock()
		return
	}
	engine.closed = true
	for sessionID, timer := range engine.acceptTimers {
		timer.Stop()
		delete(engine.acceptTimers, sessionID)
	}
	close(engine.quit)
	engine.mu.Unlock()
	engine.wg.Wait()
}

func (engine *Engine) ensureRunner(sessionID string) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.closed {
		return ErrEngineClosed
	}
	if _, exists := engine.runners[sessionID]; exists {
		return nil
	}
	active := newRunner(engine, sessionID)
	engine.runners[sessionID] = active
	engine.wg.Add(1)
	go active.run()
	return nil
}

func (engine *Engine) removeRunner(sessionID string) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	delete(engine.runners, sessionID)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, notify.Event) {}
