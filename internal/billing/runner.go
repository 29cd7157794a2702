package billing

import (
	"context"
	"time"

	"github.com/AbhishekGour12/astrova-sub000/internal/session"
)

// immediateDelay re-arms the timer for "evaluate again now" without
// busy-looping.
const immediateDelay = 10 * time.Millisecond

type commandKind int

const (
	commandEnd commandKind = iota
	commandTopUp
)

type command struct {
	kind   commandKind
	reason session.EndReason
	reply  chan commandResult
}

type commandResult struct {
	summary Summary
	err     error
}

// runner is the single actor for one session. Ticks, top-up events, and end
// requests all pass through its loop, which is the total-order guarantee
// that prevents double-billing and a grace window being resumed and expired
// at the same time.
type runner struct {
	engine    *Engine
	sessionID string
	commands  chan command
	done      chan struct{}
}

func newRunner(engine *Engine, sessionID string) *runner {
	return &runner{
		engine:    engine,
		sessionID: sessionID,
		commands:  make(chan command),
		done:      make(chan struct{}),
	}
}

func (r *runner) run() {
	defer r.engine.wg.Done()
	defer r.engine.removeRunner(r.sessionID)
	defer close(r.done)

	ctx := context.Background()
	// First tick fires immediately: it recomputes everything from durable
	// fields, which also covers restart reconciliation.
	timer := time.NewTimer(immediateDelay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			delay, alive := r.engine.tick(ctx, r.sessionID)
			if !alive {
				return
			}
			timer.Reset(delay)
		case cmd := <-r.commands:
			switch cmd.kind {
			case commandEnd:
				summary, err := r.engine.endSession(ctx, r.sessionID, cmd.reason)
				cmd.reply <- commandResult{summary: summary, err: err}
				if err == nil {
					return
				}
				r.resetTimer(timer, immediateDelay)
			case commandTopUp:
				err := r.engine.topUp(ctx, r.sessionID)
				cmd.reply <- commandResult{err: err}
				r.resetTimer(timer, immediateDelay)
			}
		case <-r.engine.quit:
			return
		}
	}
}

func (r *runner) resetTimer(timer *time.Timer, delay time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(delay)
}
