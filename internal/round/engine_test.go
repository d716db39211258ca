package round

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playcrossy/backend/internal/config"
	"github.com/playcrossy/backend/internal/fairness"
	"github.com/playcrossy/backend/internal/models"
	"github.com/playcrossy/backend/internal/settlement"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string]string)} }

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeCache) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeCache) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

type fakeLedger struct {
	mu   sync.Mutex
	bets map[string]*models.Bet
}

func newFakeLedger() *fakeLedger { return &fakeLedger{bets: make(map[string]*models.Bet)} }

func (f *fakeLedger) CreateBet(ctx context.Context, bet *models.Bet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := *bet
	b.Status = models.BetPlaced
	f.bets[bet.PlatformTxID] = &b
	return nil
}

func (f *fakeLedger) SettleBet(ctx context.Context, platformTxID, status string, winAmount decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bets[platformTxID]
	if !ok || (b.Status != models.BetPlaced && b.Status != models.BetPendingSettlement) {
		return false, nil
	}
	b.Status = status
	b.WinAmount = winAmount
	return true, nil
}

func (f *fakeLedger) MarkPendingSettlement(ctx context.Context, platformTxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bets[platformTxID]; ok && b.Status == models.BetPlaced {
		b.Status = models.BetPendingSettlement
	}
	return nil
}

func (f *fakeLedger) GetBet(ctx context.Context, platformTxID string) (*models.Bet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bets[platformTxID]
	if !ok {
		return nil, errors.New("no such bet")
	}
	copy := *b
	return &copy, nil
}

type walletCall struct {
	action string
	txn    settlement.Txn
}

type fakeWallet struct {
	mu        sync.Mutex
	calls     []walletCall
	betErr    error
	settleErr error
}

func (f *fakeWallet) record(action string, txn settlement.Txn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, walletCall{action: action, txn: txn})
}

func (f *fakeWallet) Bet(ctx context.Context, agentCode string, txn settlement.Txn) (*settlement.WalletResponse, error) {
	f.record(models.ActionBet, txn)
	if f.betErr != nil {
		return nil, f.betErr
	}
	return &settlement.WalletResponse{Status: settlement.StatusAccepted, Balance: "90.00"}, nil
}

func (f *fakeWallet) Settle(ctx context.Context, agentCode string, txn settlement.Txn) (*settlement.WalletResponse, error) {
	f.record(models.ActionSettle, txn)
	if f.settleErr != nil {
		return nil, f.settleErr
	}
	return &settlement.WalletResponse{Status: settlement.StatusAccepted, Balance: "110.00"}, nil
}

func (f *fakeWallet) CancelBet(ctx context.Context, agentCode string, txn settlement.Txn) (*settlement.WalletResponse, error) {
	f.record(models.ActionCancelBet, txn)
	return &settlement.WalletResponse{Status: settlement.StatusAccepted}, nil
}

func (f *fakeWallet) callsFor(action string) []walletCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []walletCall
	for _, c := range f.calls {
		if c.action == action {
			out = append(out, c)
		}
	}
	return out
}

type fakeRetries struct {
	mu      sync.Mutex
	queued  []string
	actions []string
}

func (f *fakeRetries) Enqueue(ctx context.Context, platformTxID, apiAction string, payload settlement.RetryPayload, failedAt time.Time, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, platformTxID)
	f.actions = append(f.actions, apiAction)
	return nil
}

type fakeRecorder struct{}

func (fakeRecorder) Record(ctx context.Context, platformTxID, apiAction, agentCode string, cause error) {
}

type fakeSeeds struct {
	mu       sync.Mutex
	rotated  int
	rec      fairness.Record
}

func newFakeSeeds() *fakeSeeds {
	return &fakeSeeds{rec: fairness.Record{
		UserSeed:         "00112233445566ff",
		ServerSeed:       "aa",
		HashedServerSeed: fairness.HashServerSeed("aa"),
	}}
}

func (f *fakeSeeds) GetOrCreate(ctx context.Context, userID, agentCode string) (*fairness.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.rec
	return &r, nil
}

func (f *fakeSeeds) RotateSeeds(ctx context.Context, userID, agentCode string) (*fairness.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated++
	f.rec.Nonce++
	r := f.rec
	return &r, nil
}

type fakeHazards struct {
	pattern []int
}

func (f *fakeHazards) GetActiveHazards(ctx context.Context, gameCode, difficulty string) ([]int, error) {
	return f.pattern, nil
}

type fakeLocks struct {
	mu     sync.Mutex
	held   map[string]bool
	jammed bool
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jammed {
		return false, nil
	}
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return false, nil
	}
	f.held[key] = true
	return true, nil
}

func (f *fakeLocks) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, key)
}

type fakeConfigs struct{ cfg *config.GameConfig }

func (f *fakeConfigs) Get(gameCode string) *config.GameConfig {
	if f.cfg != nil {
		return f.cfg
	}
	return config.DefaultGameConfig()
}

type engineFixture struct {
	engine  *Engine
	cache   *fakeCache
	ledger  *fakeLedger
	wallet  *fakeWallet
	retries *fakeRetries
	seeds   *fakeSeeds
	hazards *fakeHazards
	locks   *fakeLocks
}

func newFixture(pattern []int, cfg *config.GameConfig) *engineFixture {
	f := &engineFixture{
		cache:   newFakeCache(),
		ledger:  newFakeLedger(),
		wallet:  &fakeWallet{},
		retries: &fakeRetries{},
		seeds:   newFakeSeeds(),
		hazards: &fakeHazards{pattern: pattern},
		locks:   &fakeLocks{},
	}
	sessions := NewSessionStore(f.cache, time.Hour)
	f.engine = NewEngine(sessions, f.ledger, f.wallet, f.retries, fakeRecorder{}, f.seeds, f.hazards, f.locks, &fakeConfigs{cfg: cfg}, 30*time.Second)
	return f
}

func place(t *testing.T, f *engineFixture, amount string) *RoundView {
	t.Helper()
	view, err := f.engine.PlaceBet(context.Background(), PlaceBetRequest{
		UserID:     "user-1",
		AgentCode:  "agent-a",
		GameCode:   "crossy",
		Currency:   "USD",
		Difficulty: config.DifficultyEasy,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}
	return view
}

func TestPlaceBetOpensRound(t *testing.T) {
	f := newFixture([]int{20, 21, 22}, nil)
	view := place(t, f, "10.00")

	if view.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", view.Status)
	}
	if view.CurrentStep != -1 {
		t.Errorf("current step = %d, want -1", view.CurrentStep)
	}
	if view.BetAmount != "10.00" {
		t.Errorf("bet amount = %s, want 10.00", view.BetAmount)
	}
	if len(view.HazardColumns) != 0 {
		t.Error("hazards must stay hidden while the round is active")
	}

	debits := f.wallet.callsFor(models.ActionBet)
	if len(debits) != 1 || debits[0].txn.Amount != "10.00" {
		t.Fatalf("expected one 10.00 debit, got %+v", debits)
	}

	bet, err := f.ledger.GetBet(context.Background(), view.PlatformTxID)
	if err != nil {
		t.Fatalf("bet row missing: %v", err)
	}
	if bet.Status != models.BetPlaced {
		t.Errorf("bet status = %s, want PLACED", bet.Status)
	}
}

func TestPlaceBetRejectsSecondRound(t *testing.T) {
	f := newFixture(nil, nil)
	place(t, f, "10.00")

	_, err := f.engine.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "user-1", AgentCode: "agent-a", GameCode: "crossy",
		Difficulty: config.DifficultyEasy, Amount: "5.00",
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if n := len(f.wallet.callsFor(models.ActionBet)); n != 1 {
		t.Errorf("second placement must not debit, got %d debits", n)
	}
}

func TestPlaceBetLockContention(t *testing.T) {
	f := newFixture(nil, nil)
	f.locks.jammed = true

	_, err := f.engine.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "user-1", AgentCode: "agent-a", GameCode: "crossy",
		Difficulty: config.DifficultyEasy, Amount: "5.00",
	})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
}

func TestPlaceBetValidation(t *testing.T) {
	f := newFixture(nil, nil)
	cases := []PlaceBetRequest{
		{UserID: "u", AgentCode: "a", GameCode: "crossy", Difficulty: "IMPOSSIBLE", Amount: "5"},
		{UserID: "u", AgentCode: "a", GameCode: "crossy", Difficulty: config.DifficultyEasy, Amount: "abc"},
		{UserID: "u", AgentCode: "a", GameCode: "crossy", Difficulty: config.DifficultyEasy, Amount: "0.01"},
		{UserID: "u", AgentCode: "a", GameCode: "crossy", Difficulty: config.DifficultyEasy, Amount: "100000"},
	}
	for _, req := range cases {
		_, err := f.engine.PlaceBet(context.Background(), req)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("request %+v: expected ValidationError, got %v", req, err)
		}
	}
	if n := len(f.wallet.callsFor(models.ActionBet)); n != 0 {
		t.Errorf("rejected placements must not debit, got %d debits", n)
	}
}

func TestStepAccruesLadderWin(t *testing.T) {
	f := newFixture([]int{20, 21, 22}, nil)
	place(t, f, "10.00")
	ctx := context.Background()

	// EASY ladder starts 1.03, 1.07
	view, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 0)
	if err != nil {
		t.Fatalf("step 0 failed: %v", err)
	}
	if view.WinAmount != "10.30" {
		t.Errorf("step 0 win = %s, want 10.30", view.WinAmount)
	}
	if view.Status != StatusActive {
		t.Errorf("status = %s, want ACTIVE", view.Status)
	}
	if view.NextCoefficient != "1.07" {
		t.Errorf("next coefficient = %s, want 1.07", view.NextCoefficient)
	}
	if want := fairness.DeriveHash("aa", "00112233445566ff", 0, 0); view.StepHash != want {
		t.Errorf("step hash = %s, want %s", view.StepHash, want)
	}

	view, err = f.engine.Step(ctx, "agent-a", "user-1", "crossy", 1)
	if err != nil {
		t.Fatalf("step 1 failed: %v", err)
	}
	if view.WinAmount != "10.70" {
		t.Errorf("step 1 win = %s, want 10.70", view.WinAmount)
	}
}

func TestStepOutOfSequenceLeavesRoundUntouched(t *testing.T) {
	f := newFixture([]int{20, 21, 22}, nil)
	place(t, f, "10.00")
	ctx := context.Background()

	if _, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 0); err != nil {
		t.Fatalf("step 0 failed: %v", err)
	}

	for _, bad := range []int{0, 3, -1} {
		_, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", bad)
		var seq *SequenceError
		if !errors.As(err, &seq) {
			t.Fatalf("step %d: expected SequenceError, got %v", bad, err)
		}
		if seq.Expected != 1 {
			t.Errorf("step %d: expected field = %d, want 1", bad, seq.Expected)
		}
	}

	// Round state is intact and the correct next step still works
	view, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 1)
	if err != nil {
		t.Fatalf("step 1 failed after rejected steps: %v", err)
	}
	if view.CurrentStep != 1 {
		t.Errorf("current step = %d, want 1", view.CurrentStep)
	}
}

func TestHazardCollisionSettlesZero(t *testing.T) {
	f := newFixture([]int{1, 5, 9}, nil)
	view := place(t, f, "10.00")
	ctx := context.Background()

	if _, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 0); err != nil {
		t.Fatalf("step 0 failed: %v", err)
	}
	lost, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 1)
	if err != nil {
		t.Fatalf("collision step failed: %v", err)
	}

	if lost.Status != StatusLost {
		t.Errorf("status = %s, want LOST", lost.Status)
	}
	if lost.WinAmount != "0.00" {
		t.Errorf("win = %s, want 0.00", lost.WinAmount)
	}
	if len(lost.HazardColumns) == 0 {
		t.Error("terminal view should reveal the hazard columns")
	}

	settles := f.wallet.callsFor(models.ActionSettle)
	if len(settles) != 1 || settles[0].txn.Amount != "0.00" {
		t.Fatalf("expected one zero settle, got %+v", settles)
	}

	bet, _ := f.ledger.GetBet(ctx, view.PlatformTxID)
	if bet.Status != models.BetLost {
		t.Errorf("bet status = %s, want LOST", bet.Status)
	}

	// The session is gone: a further step has no round to act on
	_, err = f.engine.Step(ctx, "agent-a", "user-1", "crossy", 2)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError after terminal round, got %v", err)
	}

	if f.seeds.rotated != 1 {
		t.Errorf("seeds rotated %d times, want 1", f.seeds.rotated)
	}
}

func TestCashOutSettlesAccruedWin(t *testing.T) {
	f := newFixture([]int{20, 21, 22}, nil)
	view := place(t, f, "10.00")
	ctx := context.Background()

	for step := 0; step <= 2; step++ {
		if _, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", step); err != nil {
			t.Fatalf("step %d failed: %v", step, err)
		}
	}

	// EASY step 2 coefficient is 1.12
	out, err := f.engine.CashOut(ctx, "agent-a", "user-1", "crossy")
	if err != nil {
		t.Fatalf("CashOut failed: %v", err)
	}
	if out.Status != StatusCashout {
		t.Errorf("status = %s, want CASHOUT", out.Status)
	}
	if out.WinAmount != "11.20" {
		t.Errorf("win = %s, want 11.20", out.WinAmount)
	}
	if len(out.HazardColumns) == 0 {
		t.Error("cashout view should reveal the hazard columns")
	}

	settles := f.wallet.callsFor(models.ActionSettle)
	if len(settles) != 1 || settles[0].txn.Amount != "11.20" {
		t.Fatalf("expected one 11.20 settle, got %+v", settles)
	}

	bet, _ := f.ledger.GetBet(ctx, view.PlatformTxID)
	if bet.Status != models.BetWon {
		t.Errorf("bet status = %s, want WON", bet.Status)
	}
	if !bet.WinAmount.Equal(decimal.RequireFromString("11.20")) {
		t.Errorf("bet win = %s, want 11.20", bet.WinAmount)
	}
}

func TestCashOutBeforeFirstStepSettlesZero(t *testing.T) {
	f := newFixture(nil, nil)
	view := place(t, f, "10.00")
	ctx := context.Background()

	out, err := f.engine.CashOut(ctx, "agent-a", "user-1", "crossy")
	if err != nil {
		t.Fatalf("CashOut at step -1 failed: %v", err)
	}
	if out.Status != StatusCashout {
		t.Errorf("status = %s, want CASHOUT", out.Status)
	}
	if out.WinAmount != "0.00" {
		t.Errorf("win = %s, want 0.00", out.WinAmount)
	}

	settles := f.wallet.callsFor(models.ActionSettle)
	if len(settles) != 1 || settles[0].txn.Amount != "0.00" {
		t.Fatalf("expected one zero settle, got %+v", settles)
	}

	bet, _ := f.ledger.GetBet(ctx, view.PlatformTxID)
	if bet.Status != models.BetWon {
		t.Errorf("bet status = %s, want WON", bet.Status)
	}

	// The round is terminal: no session survives a zero-win exit
	_, err = f.engine.CashOut(ctx, "agent-a", "user-1", "crossy")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError after terminal round, got %v", err)
	}
	if f.seeds.rotated != 1 {
		t.Errorf("seeds rotated %d times, want 1", f.seeds.rotated)
	}
}

func TestFullCrossingWinsAutomatically(t *testing.T) {
	cfg := config.DefaultGameConfig()
	cfg.Hazard[config.DifficultyEasy] = config.HazardSettings{TotalColumns: 3, HazardCount: 1}
	cfg.Ladders[config.DifficultyEasy] = []string{"1.10", "1.25", "1.50"}

	f := newFixture(nil, cfg)
	place(t, f, "10.00")
	ctx := context.Background()

	var last *RoundView
	var err error
	for step := 0; step <= 2; step++ {
		last, err = f.engine.Step(ctx, "agent-a", "user-1", "crossy", step)
		if err != nil {
			t.Fatalf("step %d failed: %v", step, err)
		}
	}

	if last.Status != StatusWon {
		t.Errorf("status after final column = %s, want WON", last.Status)
	}
	if last.WinAmount != "15.00" {
		t.Errorf("win = %s, want 15.00", last.WinAmount)
	}
	if len(f.wallet.callsFor(models.ActionSettle)) != 1 {
		t.Error("crossing the last column should settle exactly once")
	}
}

func TestFinalColumnPaysEvenWhenInPattern(t *testing.T) {
	cfg := config.DefaultGameConfig()
	cfg.Hazard[config.DifficultyEasy] = config.HazardSettings{TotalColumns: 3, HazardCount: 1}
	cfg.Ladders[config.DifficultyEasy] = []string{"1.10", "1.25", "1.50"}

	// Patterns are drawn over every column, so the last one can land in-pattern.
	f := newFixture([]int{2}, cfg)
	view := place(t, f, "10.00")
	ctx := context.Background()

	var last *RoundView
	var err error
	for step := 0; step <= 2; step++ {
		last, err = f.engine.Step(ctx, "agent-a", "user-1", "crossy", step)
		if err != nil {
			t.Fatalf("step %d failed: %v", step, err)
		}
	}

	if last.Status != StatusWon {
		t.Errorf("status after final column = %s, want WON", last.Status)
	}
	if last.WinAmount != "15.00" {
		t.Errorf("win = %s, want 15.00", last.WinAmount)
	}

	settles := f.wallet.callsFor(models.ActionSettle)
	if len(settles) != 1 || settles[0].txn.Amount != "15.00" {
		t.Fatalf("expected one 15.00 settle, got %+v", settles)
	}
	bet, _ := f.ledger.GetBet(ctx, view.PlatformTxID)
	if bet.Status != models.BetWon {
		t.Errorf("bet status = %s, want WON", bet.Status)
	}
}

func TestTransientSettlementFailureGoesToRetry(t *testing.T) {
	f := newFixture(nil, nil)
	view := place(t, f, "10.00")
	ctx := context.Background()

	f.wallet.settleErr = &settlement.TransientError{Err: errors.New("wallet unreachable")}

	if _, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 0); err != nil {
		t.Fatalf("step 0 failed: %v", err)
	}
	out, err := f.engine.CashOut(ctx, "agent-a", "user-1", "crossy")
	if err != nil {
		t.Fatalf("CashOut should report the outcome despite settlement failure: %v", err)
	}
	if out.Status != StatusCashout {
		t.Errorf("status = %s, want CASHOUT", out.Status)
	}

	bet, _ := f.ledger.GetBet(ctx, view.PlatformTxID)
	if bet.Status != models.BetPendingSettlement {
		t.Errorf("bet status = %s, want PENDING_SETTLEMENT", bet.Status)
	}

	f.retries.mu.Lock()
	defer f.retries.mu.Unlock()
	if len(f.retries.queued) != 1 || f.retries.queued[0] != view.PlatformTxID {
		t.Fatalf("expected one queued retry for %s, got %v", view.PlatformTxID, f.retries.queued)
	}
	if f.retries.actions[0] != models.ActionSettle {
		t.Errorf("queued action = %s, want settle", f.retries.actions[0])
	}
}

func TestTransientDebitFailureQueuesReversal(t *testing.T) {
	f := newFixture(nil, nil)
	f.wallet.betErr = &settlement.TransientError{Err: errors.New("timeout")}

	_, err := f.engine.PlaceBet(context.Background(), PlaceBetRequest{
		UserID: "user-1", AgentCode: "agent-a", GameCode: "crossy",
		Difficulty: config.DifficultyEasy, Amount: "10.00",
	})
	if err == nil {
		t.Fatal("placement should fail when the debit outcome is unknown")
	}

	f.retries.mu.Lock()
	defer f.retries.mu.Unlock()
	if len(f.retries.actions) != 1 || f.retries.actions[0] != models.ActionCancelBet {
		t.Fatalf("expected one queued cancelBet reversal, got %v", f.retries.actions)
	}
}

func TestSessionReferencesTracksLiveRounds(t *testing.T) {
	f := newFixture(nil, nil)
	ctx := context.Background()
	sessions := NewSessionStore(f.cache, time.Hour)

	view := place(t, f, "10.00")
	if !sessions.SessionReferences(ctx, view.PlatformTxID) {
		t.Error("live round should be referenced")
	}

	if _, err := f.engine.Step(ctx, "agent-a", "user-1", "crossy", 0); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if _, err := f.engine.CashOut(ctx, "agent-a", "user-1", "crossy"); err != nil {
		t.Fatalf("cash out failed: %v", err)
	}
	if sessions.SessionReferences(ctx, view.PlatformTxID) {
		t.Error("settled round should no longer be referenced")
	}
}
