package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AbhishekGour12/astrova-sub000/internal/notify"
	"github.com/AbhishekGour12/astrova-sub000/internal/session"
	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

// retryDelay re-arms the timer after a transient store failure.
const retryDelay = 5 * time.Second

// tick evaluates one scheduled check for a session: expire or keep an open
// grace window, bill one owed minute, or just re-arm for the next minute
// boundary. Returns the next delay and whether the runner stays alive.
func (engine *Engine) tick(ctx context.Context, sessionID string) (time.Duration, bool) {
	record, err := engine.store.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		engine.logger.Error("billing tick read failed", zap.String("session_id", sessionID), zap.Error(err))
		return retryDelay, true
	}
	if record.Status != session.StatusActive {
		return 0, false
	}
	now := engine.nowFn()
	if record.GraceOpen() {
		if now >= record.GraceExpiresUnixUTC {
			engine.expireGrace(ctx, record)
			return 0, false
		}
		return secondsToDuration(record.GraceExpiresUnixUTC - now), true
	}
	if engine.minutesOwed(record, now) < 1 {
		return engine.delayToNextMinute(record, now), true
	}
	return engine.billMinute(ctx, record)
}

// billMinute attempts exactly one minute of billing. The debit's
// idempotency key and the billed-minute compare-and-set together guarantee
// a given minute index is billed at most once even under duplicate ticks.
func (engine *Engine) billMinute(ctx context.Context, record session.Session) (time.Duration, bool) {
	minuteIndex := record.BilledMinutes + 1
	idempotencyKey := fmt.Sprintf("sess:%s:min:%d", record.ID, minuteIndex)
	metadataJSON := fmt.Sprintf(`{"session_id":%q,"minute":%d}`, record.ID, minuteIndex)

	balanceKnown := true
	newBalance, err := engine.wallets.Debit(ctx, record.UserID, wallet.AmountCents(record.RatePerMinute), idempotencyKey, metadataJSON)
	switch {
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return engine.openGrace(ctx, record)
	case errors.Is(err, wallet.ErrDuplicateEntry):
		// An earlier duplicate delivery already debited this minute; fall
		// through so the claim below catches the record up.
		balanceKnown = false
	case err != nil:
		engine.logger.Error("minute debit failed", zap.String("session_id", record.ID), zap.Error(err))
		return retryDelay, true
	}

	claimed, err := engine.store.RecordBilledMinute(ctx, record.ID, minuteIndex)
	if err != nil {
		engine.logger.Error("minute claim failed", zap.String("session_id", record.ID), zap.Error(err))
		return retryDelay, true
	}
	if !claimed {
		// Lost the claim to a concurrent invocation; re-read next tick.
		return immediateDelay, true
	}
	if _, err := engine.earnings.CreditMinute(ctx, record.ID); err != nil {
		// Settled from billed_minutes when the record is finalized, so a
		// lost credit cannot leave the provider short.
		engine.logger.Error("earning credit failed", zap.String("session_id", record.ID), zap.Error(err))
	}

	now := engine.nowFn()
	engine.notifier.Notify(record.ID, notify.Event{
		Type:          notify.EventMinuteBilled,
		SessionID:     record.ID,
		BilledMinutes: minuteIndex,
		AmountCents:   record.RatePerMinute,
		AtUnixUTC:     now,
	})
	if balanceKnown {
		engine.notifier.Notify(record.ID, notify.Event{
			Type:         notify.EventWalletUpdated,
			SessionID:    record.ID,
			BalanceCents: int64(newBalance),
			AtUnixUTC:    now,
		})
		minutesRemaining := int64(newBalance) / record.RatePerMinute
		if minutesRemaining < engine.cfg.LowBalanceMinutes {
			engine.notifier.Notify(record.ID, notify.Event{
				Type:             notify.EventLowBalanceWarning,
				SessionID:        record.ID,
				BalanceCents:     int64(newBalance),
				MinutesRemaining: minutesRemaining,
				AtUnixUTC:        now,
			})
		}
	}

	updated := record
	updated.BilledMinutes = minuteIndex
	return engine.delayToNextMinute(updated, now), true
}

// openGrace suspends billing for one bounded window. The compare-and-set
// keeps a second failed tick from resetting an already-running expiry
// clock.
func (engine *Engine) openGrace(ctx context.Context, record session.Session) (time.Duration, bool) {
	now := engine.nowFn()
	expires := now + int64(engine.cfg.GracePeriod/time.Second)
	opened, err := engine.store.OpenGraceWindow(ctx, record.ID, now, expires)
	if err != nil {
		engine.logger.Error("grace open failed", zap.String("session_id", record.ID), zap.Error(err))
		return retryDelay, true
	}
	if !opened {
		// A window is already running; re-read its expiry next tick.
		return immediateDelay, true
	}
	engine.logger.Info("grace period started",
		zap.String("session_id", record.ID),
		zap.Int64("expires_unix_utc", expires))
	engine.notifier.Notify(record.ID, notify.Event{
		Type:                notify.EventGracePeriodStarted,
		SessionID:           record.ID,
		BilledMinutes:       record.BilledMinutes,
		GraceExpiresUnixUTC: expires,
		AtUnixUTC:           now,
	})
	return engine.cfg.GracePeriod, true
}

// topUp resumes billing if the wallet again covers at least one minute
// while a grace window is open. Any other state is a no-op. The balance is
// read from the wallet rather than taken from the notification, so a
// duplicate payment confirmation (which reports no new balance) cannot
// strand an open window. Grace time already elapsed is folded into
// paused_seconds so it is never billed retroactively.
func (engine *Engine) topUp(ctx context.Context, sessionID string) error {
	record, err := engine.store.GetSession(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.Status != session.StatusActive || !record.GraceOpen() {
		return nil
	}
	balance, err := engine.wallets.Balance(ctx, record.UserID)
	if err != nil {
		return err
	}
	if int64(balance) < record.RatePerMinute {
		return nil
	}
	now := engine.nowFn()
	pausedDelta := now - record.GraceStartedUnixUTC
	if pausedDelta < 0 {
		pausedDelta = 0
	}
	closed, err := engine.store.CloseGraceWindow(ctx, sessionID, pausedDelta)
	if err != nil {
		return err
	}
	if !closed {
		return nil
	}
	engine.logger.Info("grace period ended by top-up",
		zap.String("session_id", sessionID),
		zap.Int64("paused_seconds", pausedDelta))
	engine.notifier.Notify(sessionID, notify.Event{
		Type:         notify.EventGracePeriodEnded,
		SessionID:    sessionID,
		BalanceCents: int64(balance),
		AtUnixUTC:    now,
	})
	engine.notifier.Notify(sessionID, notify.Event{
		Type:         notify.EventWalletUpdated,
		SessionID:    sessionID,
		BalanceCents: int64(balance),
		AtUnixUTC:    now,
	})
	return nil
}

// expireGrace force-ends a session whose grace window ran out.
func (engine *Engine) expireGrace(ctx context.Context, record session.Session) {
	if _, err := engine.endSession(ctx, record.ID, session.EndReasonInsufficientBalance); err != nil {
		engine.logger.Error("grace expiry end failed", zap.String("session_id", record.ID), zap.Error(err))
	}
}

// endSession is the single terminal path. An already-ended session returns
// its frozen totals without mutation, making EndSession idempotent for
// callers retrying over the wire.
func (engine *Engine) endSession(ctx context.Context, sessionID string, reason session.EndReason) (Summary, error) {
	record, err := engine.store.GetSession(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	if record.Status.Terminal() {
		return summaryOf(record), nil
	}
	if record.Status != session.StatusActive {
		return Summary{}, fmt.Errorf("%w: end from %s", session.ErrConflict, record.Status)
	}
	final, err := engine.machine.End(ctx, sessionID, reason)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			// Lost the race to another ender; report the settled totals.
			settled, readErr := engine.store.GetSession(ctx, sessionID)
			if readErr != nil {
				return Summary{}, readErr
			}
			return summaryOf(settled), nil
		}
		return Summary{}, err
	}
	if err := engine.earnings.Finalize(ctx, sessionID, final.BilledMinutes); err != nil {
		engine.logger.Error("earning finalize failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	engine.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("end_reason", string(reason)),
		zap.Int64("billed_minutes", final.BilledMinutes))
	engine.notifier.Notify(sessionID, notify.Event{
		Type:          notify.EventSessionEnded,
		SessionID:     sessionID,
		BilledMinutes: final.BilledMinutes,
		AmountCents:   final.BilledMinutes * final.RatePerMinute,
		EndReason:     string(reason),
		AtUnixUTC:     engine.nowFn(),
	})
	return summaryOf(final), nil
}

// minutesOwed derives the billing debt purely from durable fields: elapsed
// wall-clock time minus time spent paused in grace windows, minus minutes
// already billed.
func (engine *Engine) minutesOwed(record session.Session, nowUnixUTC int64) int64 {
	elapsed := nowUnixUTC - record.StartedUnixUTC - record.PausedSeconds
	if elapsed < 0 {
		return 0
	}
	return elapsed/engine.minuteSeconds() - record.BilledMinutes
}

func (engine *Engine) delayToNextMinute(record session.Session, nowUnixUTC int64) time.Duration {
	nextDue := record.StartedUnixUTC + record.PausedSeconds + (record.BilledMinutes+1)*engine.minuteSeconds()
	return secondsToDuration(nextDue - nowUnixUTC)
}

func (engine *Engine) minuteSeconds() int64 {
	seconds := int64(engine.cfg.MinuteLength / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func summaryOf(record session.Session) Summary {
	return Summary{
		TotalMinutes:     record.BilledMinutes,
		TotalAmountCents: record.BilledMinutes * record.RatePerMinute,
	}
}

func secondsToDuration(seconds int64) time.Duration {
	if seconds <= 0 {
		return immediateDelay
	}
	return time.Duration(seconds) * time.Second
}
