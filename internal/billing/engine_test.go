package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AbhishekGour12/astrova-sub000/internal/earning"
	"github.com/AbhishekGour12/astrova-sub000/internal/notify"
	"github.com/AbhishekGour12/astrova-sub000/internal/session"
	"github.com/AbhishekGour12/astrova-sub000/internal/wallet"
)

type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (clock *fakeClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

type memoryStore struct {
	mu           sync.Mutex
	sessions     map[string]session.Session
	providerBusy map[string]bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions:     make(map[string]session.Session),
		providerBusy: make(map[string]bool),
	}
}

func (store *memoryStore) CreateSession(_ context.Context, s session.Session) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, exists := store.sessions[s.ID]; exists {
		return session.ErrConflict
	}
	store.sessions[s.ID] = s
	return nil
}

func (store *memoryStore) GetSession(_ context.Context, sessionID string) (session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (store *memoryStore) ActivateSession(_ context.Context, sessionID string, startedUnixUTC int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sessions[sessionID]
	if !ok || s.Status != session.StatusWaiting {
		return false, nil
	}
	s.Status = session.StatusActive
	s.StartedUnixUTC = startedUnixUTC
	store.sessions[sessionID] = s
	return true, nil
}

func (store *memoryStore) TerminateSession(_ context.Context, sessionID string, from session.Status, to session.Status, endedUnixUTC int64, reason session.EndReason) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sessions[sessionID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	s.EndedUnixUTC = endedUnixUTC
	s.EndReason = reason
	store.sessions[sessionID] = s
	return true, nil
}

func (store *memoryStore) RecordBilledMinute(_ context.Context, sessionID string, minuteIndex int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sessions[sessionID]
	if !ok || s.Status != session.StatusActive || s.BilledMinutes != minuteIndex-1 {
		return false, nil
	}
	s.BilledMinutes = minuteIndex
	store.sessions[sessionID] = s
	return true, nil
}

func (store *memoryStore) OpenGraceWindow(_ context.Context, sessionID string, startedUnixUTC int64, expiresUnixUTC int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sessions[sessionID]
	if !ok || s.Status != session.StatusActive || s.GraceStartedUnixUTC != 0 {
		return false, nil
	}
	s.GraceStartedUnixUTC = startedUnixUTC
	s.GraceExpiresUnixUTC = expiresUnixUTC
	store.sessions[sessionID] = s
	return true, nil
}

func (store *memoryStore) CloseGraceWindow(_ context.Context, sessionID string, pausedDeltaSeconds int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	s, ok := store.sessions[sessionID]
	if !ok || s.Status != session.StatusActive || s.GraceStartedUnixUTC == 0 {
		return false, nil
	}
	s.GraceStartedUnixUTC = 0
	s.GraceExpiresUnixUTC = 0
	s.PausedSeconds += pausedDeltaSeconds
	store.sessions[sessionID] = s
	return true, nil
}

func (store *memoryStore) ListActiveSessions(_ context.Context) ([]session.Session, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var active []session.Session
	for _, s := range store.sessions {
		if s.Status == session.StatusActive {
			active = append(active, s)
		}
	}
	return active, nil
}

func (store *memoryStore) SetProviderBusy(_ context.Context, providerID string, busy bool) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.providerBusy[providerID] = busy
	return nil
}

type walletStub struct {
	mu       sync.Mutex
	balances map[string]int64
	debited  map[string]bool
}

func newWalletStub(userID string, balanceCents int64) *walletStub {
	return &walletStub{
		balances: map[string]int64{userID: balanceCents},
		debited:  make(map[string]bool),
	}
}

func (stub *walletStub) Balance(_ context.Context, userID string) (wallet.AmountCents, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return wallet.AmountCents(stub.balances[userID]), nil
}

func (stub *walletStub) Debit(_ context.Context, userID string, amount wallet.AmountCents, idempotencyKey string, _ string) (wallet.AmountCents, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.debited[idempotencyKey] {
		return 0, wallet.ErrDuplicateEntry
	}
	balance := stub.balances[userID]
	if balance < int64(amount) {
		return wallet.AmountCents(balance), wallet.ErrInsufficientBalance
	}
	stub.debited[idempotencyKey] = true
	stub.balances[userID] = balance - int64(amount)
	return wallet.AmountCents(stub.balances[userID]), nil
}

func (stub *walletStub) topUp(userID string, amountCents int64) int64 {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.balances[userID] += amountCents
	return stub.balances[userID]
}

type earningStub struct {
	mu          sync.Mutex
	minutes     map[string]int64
	rates       map[string]int64
	finalized   map[string]bool
	failCredits int
}

func newEarningStub() *earningStub {
	return &earningStub{
		minutes:   make(map[string]int64),
		rates:     make(map[string]int64),
		finalized: make(map[string]bool),
	}
}

func (stub *earningStub) Open(_ context.Context, sessionID string, _ string, _ string, _ string, ratePerMinute int64) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.rates[sessionID] = ratePerMinute
	return nil
}

func (stub *earningStub) CreditMinute(_ context.Context, sessionID string) (earning.Record, error) {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.failCredits > 0 {
		stub.failCredits--
		return earning.Record{}, errors.New("credit write lost")
	}
	if stub.finalized[sessionID] {
		return earning.Record{}, earning.ErrRecordFinalized
	}
	stub.minutes[sessionID]++
	return earning.Record{
		SessionID:   sessionID,
		Minutes:     stub.minutes[sessionID],
		AmountCents: stub.minutes[sessionID] * stub.rates[sessionID],
	}, nil
}

func (stub *earningStub) Finalize(_ context.Context, sessionID string, billedMinutes int64) error {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.finalized[sessionID] {
		return nil
	}
	stub.minutes[sessionID] = billedMinutes
	stub.finalized[sessionID] = true
	return nil
}

func (stub *earningStub) failNextCredit() {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	stub.failCredits++
}

func (stub *earningStub) creditedMinutes(sessionID string) int64 {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.minutes[sessionID]
}

func (stub *earningStub) isFinalized(sessionID string) bool {
	stub.mu.Lock()
	defer stub.mu.Unlock()
	return stub.finalized[sessionID]
}

type recorderNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (recorder *recorderNotifier) Notify(_ string, event notify.Event) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.events = append(recorder.events, event)
}

func (recorder *recorderNotifier) countType(eventType notify.EventType) int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	count := 0
	for _, event := range recorder.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}

func (recorder *recorderNotifier) lastOfType(eventType notify.EventType) (notify.Event, bool) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	for index := len(recorder.events) - 1; index >= 0; index-- {
		if recorder.events[index].Type == eventType {
			return recorder.events[index], true
		}
	}
	return notify.Event{}, false
}

type engineHarness struct {
	engine   *Engine
	machine  *session.Machine
	clock    *fakeClock
	store    *memoryStore
	wallets  *walletStub
	earnings *earningStub
	events   *recorderNotifier
}

func newEngineHarness(t *testing.T, balanceCents int64) *engineHarness {
	t.Helper()
	clock := &fakeClock{now: 1000}
	store := newMemoryStore()
	wallets := newWalletStub("user-1", balanceCents)
	earnings := newEarningStub()
	events := &recorderNotifier{}

	machine, err := session.NewMachine(store, wallets, earnings, clock.Now)
	if err != nil {
		t.Fatalf("machine init failed: %v", err)
	}
	engine, err := NewEngine(wallets, machine, store, earnings, events, nil, clock.Now, Config{
		MinuteLength:      60 * time.Second,
		GracePeriod:       90 * time.Second,
		AcceptTimeout:     50 * time.Millisecond,
		LowBalanceMinutes: 2,
	})
	if err != nil {
		t.Fatalf("engine init failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &engineHarness{
		engine:   engine,
		machine:  machine,
		clock:    clock,
		store:    store,
		wallets:  wallets,
		earnings: earnings,
		events:   events,
	}
}

// startActiveSession creates and accepts a chat session at rate 20/min
// without arming a runner, so tests can drive ticks by hand.
func (harness *engineHarness) startActiveSession(t *testing.T) session.Session {
	t.Helper()
	record, err := harness.machine.Create(context.Background(), "user-1", "provider-1", session.ServiceChat, 20)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	activated, err := harness.machine.Accept(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return activated
}

func (harness *engineHarness) mustSession(t *testing.T, sessionID string) session.Session {
	t.Helper()
	record, err := harness.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return record
}

func TestTickBillsEachElapsedMinute(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record := harness.startActiveSession(t)

	delay, alive := harness.engine.tick(context.Background(), record.ID)
	if !alive || delay != 60*time.Second {
		t.Fatalf("expected 60s delay before first minute, got %v alive=%v", delay, alive)
	}

	harness.clock.Advance(60)
	if _, alive := harness.engine.tick(context.Background(), record.ID); !alive {
		t.Fatalf("expected runner alive after first minute")
	}
	harness.clock.Advance(60)
	if _, alive := harness.engine.tick(context.Background(), record.ID); !alive {
		t.Fatalf("expected runner alive after second minute")
	}

	billed := harness.mustSession(t, record.ID)
	if billed.BilledMinutes != 2 {
		t.Fatalf("expected 2 billed minutes, got %d", billed.BilledMinutes)
	}
	balance, _ := harness.wallets.Balance(context.Background(), "user-1")
	if balance != 60 {
		t.Fatalf("expected balance 60 after two minutes, got %d", balance)
	}
	if got := harness.earnings.creditedMinutes(record.ID); got != 2 {
		t.Fatalf("expected 2 earning minutes, got %d", got)
	}
	if got := harness.events.countType(notify.EventMinuteBilled); got != 2 {
		t.Fatalf("expected 2 minute_billed events, got %d", got)
	}
	if got := harness.events.countType(notify.EventWalletUpdated); got != 2 {
		t.Fatalf("expected 2 wallet_updated events, got %d", got)
	}
}

func TestLowBalanceWarningEmitted(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 60)
	record := harness.startActiveSession(t)

	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)
	if got := harness.events.countType(notify.EventLowBalanceWarning); got != 0 {
		t.Fatalf("expected no warning at 2 remaining minutes, got %d", got)
	}

	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)
	warning, ok := harness.events.lastOfType(notify.EventLowBalanceWarning)
	if !ok {
		t.Fatalf("expected low balance warning at 1 remaining minute")
	}
	if warning.MinutesRemaining != 1 || warning.BalanceCents != 20 {
		t.Fatalf("unexpected warning: %+v", warning)
	}
}

func TestFailedDebitOpensGraceOnce(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 45)
	record := harness.startActiveSession(t)

	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)
	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)

	harness.clock.Advance(60)
	delay, alive := harness.engine.tick(context.Background(), record.ID)
	if !alive || delay != 90*time.Second {
		t.Fatalf("expected grace-length delay, got %v alive=%v", delay, alive)
	}
	inGrace := harness.mustSession(t, record.ID)
	if !inGrace.GraceOpen() || inGrace.GraceExpiresUnixUTC != harness.clock.Now()+90 {
		t.Fatalf("expected open grace window, got %+v", inGrace)
	}
	if inGrace.BilledMinutes != 2 {
		t.Fatalf("expected billing frozen at 2 minutes, got %d", inGrace.BilledMinutes)
	}

	// A second tick inside the window must not restart the expiry clock.
	harness.clock.Advance(10)
	delay, alive = harness.engine.tick(context.Background(), record.ID)
	if !alive || delay != 80*time.Second {
		t.Fatalf("expected remaining-window delay 80s, got %v alive=%v", delay, alive)
	}
	if got := harness.events.countType(notify.EventGracePeriodStarted); got != 1 {
		t.Fatalf("expected a single grace_period_started event, got %d", got)
	}
}

func TestTopUpClosesGraceAndExcludesPausedTime(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 45)
	record := harness.startActiveSession(t)

	for i := 0; i < 3; i++ {
		harness.clock.Advance(60)
		harness.engine.tick(context.Background(), record.ID)
	}
	if !harness.mustSession(t, record.ID).GraceOpen() {
		t.Fatalf("expected grace window open")
	}

	// 80 seconds into the window the user recharges.
	harness.clock.Advance(80)
	harness.wallets.topUp("user-1", 100)
	if err := harness.engine.topUp(context.Background(), record.ID); err != nil {
		t.Fatalf("topUp: %v", err)
	}

	resumed := harness.mustSession(t, record.ID)
	if resumed.GraceOpen() {
		t.Fatalf("expected grace window closed, got %+v", resumed)
	}
	if resumed.PausedSeconds != 80 {
		t.Fatalf("expected 80 paused seconds, got %d", resumed.PausedSeconds)
	}
	if got := harness.events.countType(notify.EventGracePeriodEnded); got != 1 {
		t.Fatalf("expected grace_period_ended event, got %d", got)
	}

	// The minute that fell due while billing was suspended is owed exactly
	// once; paused time itself is never billed.
	harness.engine.tick(context.Background(), record.ID)
	billed := harness.mustSession(t, record.ID)
	if billed.BilledMinutes != 3 {
		t.Fatalf("expected 3 billed minutes after resume, got %d", billed.BilledMinutes)
	}
	balance, _ := harness.wallets.Balance(context.Background(), "user-1")
	if balance != 85 {
		t.Fatalf("expected balance 85 after resumed minute, got %d", balance)
	}
}

func TestRetriedTopUpConfirmationClosesGrace(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 45)
	record := harness.startActiveSession(t)

	for i := 0; i < 3; i++ {
		harness.clock.Advance(60)
		harness.engine.tick(context.Background(), record.ID)
	}
	if !harness.mustSession(t, record.ID).GraceOpen() {
		t.Fatalf("expected grace window open")
	}

	// The recharge was applied on its first delivery; the retried
	// confirmation carries no balance of its own. The engine must read the
	// wallet instead of trusting the notification.
	harness.clock.Advance(20)
	harness.wallets.topUp("user-1", 100)
	if err := harness.engine.topUp(context.Background(), record.ID); err != nil {
		t.Fatalf("topUp: %v", err)
	}

	resumed := harness.mustSession(t, record.ID)
	if resumed.GraceOpen() {
		t.Fatalf("expected grace window closed, got %+v", resumed)
	}
	if resumed.PausedSeconds != 20 {
		t.Fatalf("expected 20 paused seconds, got %d", resumed.PausedSeconds)
	}
	ended, ok := harness.events.lastOfType(notify.EventGracePeriodEnded)
	if !ok || ended.BalanceCents != 105 {
		t.Fatalf("expected grace_period_ended with wallet balance 105, got %+v ok=%v", ended, ok)
	}
}

func TestLostEarningCreditSettledAtEnd(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record := harness.startActiveSession(t)

	// The first minute's earning credit is lost to a transient store
	// failure; the minute itself is still billed and claimed.
	harness.earnings.failNextCredit()
	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)
	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)

	if got := harness.earnings.creditedMinutes(record.ID); got != 1 {
		t.Fatalf("expected 1 credited minute before settlement, got %d", got)
	}

	summary, err := harness.engine.EndSession(context.Background(), record.ID, session.EndReasonUserEnded)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if summary.TotalMinutes != 2 || summary.TotalAmountCents != 40 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if got := harness.earnings.creditedMinutes(record.ID); got != 2 {
		t.Fatalf("expected earning minutes settled to 2, got %d", got)
	}
	if !harness.earnings.isFinalized(record.ID) {
		t.Fatalf("expected earning record finalized")
	}
}

func TestGraceExpiryEndsSession(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 45)
	record := harness.startActiveSession(t)

	for i := 0; i < 3; i++ {
		harness.clock.Advance(60)
		harness.engine.tick(context.Background(), record.ID)
	}

	harness.clock.Advance(90)
	_, alive := harness.engine.tick(context.Background(), record.ID)
	if alive {
		t.Fatalf("expected runner to die after grace expiry")
	}

	ended := harness.mustSession(t, record.ID)
	if ended.Status != session.StatusEnded || ended.EndReason != session.EndReasonInsufficientBalance {
		t.Fatalf("expected session ended for insufficient balance, got %+v", ended)
	}
	if !harness.earnings.isFinalized(record.ID) {
		t.Fatalf("expected earning record finalized")
	}
	endedEvent, ok := harness.events.lastOfType(notify.EventSessionEnded)
	if !ok || endedEvent.BilledMinutes != 2 || endedEvent.AmountCents != 40 {
		t.Fatalf("unexpected session_ended event: %+v ok=%v", endedEvent, ok)
	}
}

func TestEndSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record := harness.startActiveSession(t)

	harness.clock.Advance(60)
	harness.engine.tick(context.Background(), record.ID)

	first, err := harness.engine.EndSession(context.Background(), record.ID, session.EndReasonUserEnded)
	if err != nil {
		t.Fatalf("first end: %v", err)
	}
	second, err := harness.engine.EndSession(context.Background(), record.ID, session.EndReasonUserEnded)
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical summaries, got %+v and %+v", first, second)
	}
	if first.TotalMinutes != 1 || first.TotalAmountCents != 20 {
		t.Fatalf("unexpected summary: %+v", first)
	}
	if got := harness.events.countType(notify.EventSessionEnded); got != 1 {
		t.Fatalf("expected one session_ended event, got %d", got)
	}
	if harness.store.providerBusy["provider-1"] {
		t.Fatalf("expected provider released")
	}
}

func TestDuplicateDebitDoesNotDoubleBill(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record := harness.startActiveSession(t)

	// A crash after the debit but before the minute claim leaves the entry
	// behind; the retried tick must absorb the duplicate and still claim the
	// minute exactly once.
	harness.wallets.debited[fmt.Sprintf("sess:%s:min:%d", record.ID, 1)] = true

	harness.clock.Advance(60)
	_, alive := harness.engine.tick(context.Background(), record.ID)
	if !alive {
		t.Fatalf("expected runner alive")
	}

	billed := harness.mustSession(t, record.ID)
	if billed.BilledMinutes != 1 {
		t.Fatalf("expected minute claimed once, got %d", billed.BilledMinutes)
	}
	balance, _ := harness.wallets.Balance(context.Background(), "user-1")
	if balance != 100 {
		t.Fatalf("expected no second debit, balance 100, got %d", balance)
	}
	if got := harness.events.countType(notify.EventWalletUpdated); got != 0 {
		t.Fatalf("expected no wallet_updated event for absorbed duplicate, got %d", got)
	}
	if got := harness.events.countType(notify.EventMinuteBilled); got != 1 {
		t.Fatalf("expected one minute_billed event, got %d", got)
	}
}

func TestEndSessionThroughRunner(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record := harness.startActiveSession(t)

	if err := harness.engine.StartSession(context.Background(), record.ID); err != nil {
		t.Fatalf("start session: %v", err)
	}

	summary, err := harness.engine.EndSession(context.Background(), record.ID, session.EndReasonProviderEnded)
	if err != nil {
		t.Fatalf("end session: %v", err)
	}
	if summary.TotalMinutes != 0 || summary.TotalAmountCents != 0 {
		t.Fatalf("expected empty summary for instantly ended session, got %+v", summary)
	}
	ended := harness.mustSession(t, record.ID)
	if ended.Status != session.StatusEnded || ended.EndReason != session.EndReasonProviderEnded {
		t.Fatalf("unexpected session state: %+v", ended)
	}
}

func TestRestoreReArmsActiveSessions(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record := harness.startActiveSession(t)

	if err := harness.engine.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	harness.engine.mu.Lock()
	_, armed := harness.engine.runners[record.ID]
	harness.engine.mu.Unlock()
	if !armed {
		t.Fatalf("expected runner re-armed for active session")
	}
}

func TestAcceptanceTimeoutMissesSession(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record, err := harness.machine.Create(context.Background(), "user-1", "provider-1", session.ServiceCall, 20)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	harness.engine.TrackAcceptance(record.ID)

	deadline := time.Now().Add(2 * time.Second)
	for {
		current := harness.mustSession(t, record.ID)
		if current.Status == session.StatusMissed {
			if current.EndReason != session.EndReasonAcceptTimeout {
				t.Fatalf("unexpected end reason: %+v", current)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never timed out, state %+v", current)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCancelAcceptanceStopsTimeout(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)
	record, err := harness.machine.Create(context.Background(), "user-1", "provider-1", session.ServiceChat, 20)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	harness.engine.TrackAcceptance(record.ID)
	harness.engine.CancelAcceptance(record.ID)

	time.Sleep(150 * time.Millisecond)
	current := harness.mustSession(t, record.ID)
	if current.Status != session.StatusWaiting {
		t.Fatalf("expected session still waiting, got %+v", current)
	}
}

func TestBillingStatusReportsGraceRemaining(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 45)
	record := harness.startActiveSession(t)

	for i := 0; i < 3; i++ {
		harness.clock.Advance(60)
		harness.engine.tick(context.Background(), record.ID)
	}
	harness.clock.Advance(30)

	status, err := harness.engine.BillingStatus(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("billing status: %v", err)
	}
	if !status.IsActive || !status.IsInGrace {
		t.Fatalf("expected active session in grace, got %+v", status)
	}
	if status.GraceSecondsRemaining != 60 {
		t.Fatalf("expected 60s of grace remaining, got %d", status.GraceSecondsRemaining)
	}
	if status.BilledMinutes != 2 || status.BilledAmountCents != 40 {
		t.Fatalf("unexpected totals: %+v", status)
	}
}

func TestTickStopsForMissingSession(t *testing.T) {
	t.Parallel()
	harness := newEngineHarness(t, 100)

	_, alive := harness.engine.tick(context.Background(), "no-such-session")
	if alive {
		t.Fatalf("expected runner death for missing session")
	}
	if _, err := harness.engine.EndSession(context.Background(), "no-such-session", session.EndReasonUserEnded); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
