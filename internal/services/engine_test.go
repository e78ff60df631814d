package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupTestDB points the package-level DB handle at a fresh in-memory
// database. cache=shared keeps the database alive across pooled connections.
func setupTestDB(t *testing.T) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	database.DB = db
	require.NoError(t, database.AutoMigrate())
}

type verifyResult struct {
	grant *EntitlementGrant
	err   error
}

// fakeVerifier plays back a script of results per transaction id and counts
// every call. With no script, the default result is returned.
type fakeVerifier struct {
	mu     sync.Mutex
	byID   map[string]int
	script map[string][]verifyResult
	def    verifyResult
	delay  time.Duration
}

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{
		byID:   make(map[string]int),
		script: make(map[string][]verifyResult),
		def: verifyResult{
			grant: &EntitlementGrant{PlanID: "pro", BillingInterval: "monthly"},
		},
	}
}

func (f *fakeVerifier) Verify(ctx context.Context, rec billing.PurchaseRecord) (*EntitlementGrant, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[rec.TransactionID]++
	if s := f.script[rec.TransactionID]; len(s) > 0 {
		r := s[0]
		f.script[rec.TransactionID] = s[1:]
		return r.grant, r.err
	}
	return f.def.grant, f.def.err
}

func (f *fakeVerifier) calls(transactionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[transactionID]
}

func (f *fakeVerifier) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.byID {
		total += n
	}
	return total
}

// fakeSettler counts settlement calls and records the transaction's stored
// state at each call. failBefore makes the first n calls fail.
type fakeSettler struct {
	mu           sync.Mutex
	calls        int
	failBefore   int
	statesAtCall []string
}

func (f *fakeSettler) Settle(ctx context.Context, rec billing.PurchaseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if tx, err := database.GetTransactionByID(rec.TransactionID); err == nil {
		f.statesAtCall = append(f.statesAtCall, tx.State)
	}
	if f.calls <= f.failBefore {
		return errors.New("settlement endpoint unavailable")
	}
	return nil
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSettler) states() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.statesAtCall))
	copy(out, f.statesAtCall)
	return out
}

type fakeAlerter struct {
	mu        sync.Mutex
	abandoned []string
}

func (f *fakeAlerter) TransactionAbandoned(tx *models.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, tx.TransactionID)
}

func (f *fakeAlerter) abandonedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.abandoned))
	copy(out, f.abandoned)
	return out
}

func newTestEngine(t *testing.T, verifier Verifier, settler billing.Settler, alerter Alerter, maxAttempts int) (*Engine, *EntitlementCache) {
	t.Helper()

	cache := NewEntitlementCache()
	finalizer := &FinalizerService{settler: settler, timeout: time.Second}
	engine := NewEngine(verifier, finalizer, cache, alerter, nil, EngineConfig{
		MaxVerifyAttempts: maxAttempts,
		RetryBase:         5 * time.Millisecond,
		VerifyTimeout:     time.Second,
		MaxConcurrency:    4,
	})
	t.Cleanup(engine.Close)
	return engine, cache
}

func record(transactionID string) billing.PurchaseRecord {
	return billing.PurchaseRecord{
		TransactionID: transactionID,
		ProductID:     "pro_monthly",
		Platform:      models.PlatformIOS,
		Proof:         "receipt-" + transactionID,
		UserID:        "user-1",
		PurchaseTime:  time.Now(),
	}
}

func storedState(t *testing.T, transactionID string) string {
	t.Helper()
	tx, err := database.GetTransactionByID(transactionID)
	require.NoError(t, err)
	return tx.State
}

func TestLivePurchaseGrantsEntitlement(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	settler := &fakeSettler{}
	engine, cache := newTestEngine(t, verifier, settler, nil, 3)

	outcome, err := engine.Process(context.Background(), record("tx-001"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, outcome)

	assert.Equal(t, models.StateFinalized, storedState(t, "tx-001"))
	assert.Equal(t, 1, verifier.calls("tx-001"))
	assert.Equal(t, 1, settler.callCount())

	// Settlement must only ever see a durably verified transaction.
	for _, state := range settler.states() {
		assert.Equal(t, models.StateVerified, state)
	}

	ents := cache.CurrentEntitlements("user-1")
	require.Len(t, ents, 1)
	assert.Equal(t, "pro", ents[0].PlanID)
	assert.Equal(t, "monthly", ents[0].BillingInterval)
	assert.Equal(t, models.EntitlementActive, ents[0].Status)
	assert.Equal(t, "tx-001", ents[0].SourceTransactionID)
}

func TestReprocessingFinalizedMakesNoRemoteCalls(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	settler := &fakeSettler{}
	engine, _ := newTestEngine(t, verifier, settler, nil, 3)

	outcome, err := engine.Process(context.Background(), record("tx-002"))
	require.NoError(t, err)
	require.Equal(t, OutcomeGranted, outcome)

	outcome, err = engine.Process(context.Background(), record("tx-002"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCurrent, outcome)
	assert.Equal(t, 1, verifier.calls("tx-002"))
	assert.Equal(t, 1, settler.callCount())
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	verifier.script["tx-003"] = []verifyResult{
		{err: &VerifyError{Kind: VerifyRetryable, Reason: "authority returned status 503"}},
		{err: &VerifyError{Kind: VerifyRetryable, Reason: "authority returned status 503"}},
	}
	settler := &fakeSettler{}
	engine, cache := newTestEngine(t, verifier, settler, nil, 5)

	outcome, err := engine.Process(context.Background(), record("tx-003"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcome)

	require.Eventually(t, func() bool {
		return storedState(t, "tx-003") == models.StateFinalized
	}, 2*time.Second, 5*time.Millisecond)

	tx, err := database.GetTransactionByID("tx-003")
	require.NoError(t, err)
	assert.Equal(t, 2, tx.VerificationAttempts)
	assert.Empty(t, tx.LastError)
	assert.Equal(t, 3, verifier.calls("tx-003"))
	assert.Equal(t, 1, settler.callCount())
	assert.Len(t, cache.CurrentEntitlements("user-1"), 1)
}

func TestRejectedProofIsTerminal(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	verifier.def = verifyResult{err: &VerifyError{Kind: VerifyRejected, Reason: "refunded"}}
	settler := &fakeSettler{}
	engine, cache := newTestEngine(t, verifier, settler, nil, 3)

	outcome, err := engine.Process(context.Background(), record("tx-004"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	tx, dbErr := database.GetTransactionByID("tx-004")
	require.NoError(t, dbErr)
	assert.Equal(t, models.StateVerificationFailed, tx.State)
	assert.Contains(t, tx.LastError, "refunded")
	assert.Equal(t, 0, settler.callCount())
	assert.Empty(t, cache.CurrentEntitlements("user-1"))

	// Terminal: reprocessing does not call the authority again.
	outcome, err = engine.Process(context.Background(), record("tx-004"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, verifier.calls("tx-004"))
}

func TestAbandonedAfterMaxAttempts(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	verifier.def = verifyResult{err: &VerifyError{Kind: VerifyRetryable, Reason: "transport failure"}}
	settler := &fakeSettler{}
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, verifier, settler, alerter, 2)

	outcome, err := engine.Process(context.Background(), record("tx-005"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryScheduled, outcome)

	require.Eventually(t, func() bool {
		return storedState(t, "tx-005") == models.StateAbandoned
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, verifier.calls("tx-005"))
	assert.Equal(t, 0, settler.callCount())
	assert.Equal(t, []string{"tx-005"}, alerter.abandonedIDs())
}

func TestDuplicateDeliveriesSettleOnce(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	verifier.delay = 20 * time.Millisecond
	settler := &fakeSettler{}
	engine, _ := newTestEngine(t, verifier, settler, nil, 3)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Process(context.Background(), record("tx-006"))
		}()
	}
	wg.Wait()

	assert.Equal(t, models.StateFinalized, storedState(t, "tx-006"))
	assert.Equal(t, 1, verifier.calls("tx-006"))
	assert.Equal(t, 1, settler.callCount())
}

func TestFailedSettlementLeavesVerifiedForSweep(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	settler := &fakeSettler{failBefore: 1}
	engine, cache := newTestEngine(t, verifier, settler, nil, 3)

	outcome, err := engine.Process(context.Background(), record("tx-007"))
	require.Error(t, err)
	var fe *FinalizeError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, OutcomeFailed, outcome)

	// Stays verified, and the unsettled grant is not surfaced.
	assert.Equal(t, models.StateVerified, storedState(t, "tx-007"))
	assert.Empty(t, cache.CurrentEntitlements("user-1"))

	// Next start: the sweep retries settlement without calling the authority.
	sweep := NewSweepService(engine, nil)
	summary := sweep.Sweep(context.Background())
	assert.Equal(t, 1, summary.Finalized)
	assert.Equal(t, models.StateFinalized, storedState(t, "tx-007"))
	assert.Equal(t, 1, verifier.calls("tx-007"))
	assert.Equal(t, 2, settler.callCount())
}

func TestSweepResurrectsPendingAndVerifying(t *testing.T) {
	setupTestDB(t)

	// Rows a crashed process would leave behind: one inserted but never
	// verified, one interrupted mid-verification.
	require.NoError(t, database.DB.Create(&models.Transaction{
		TransactionID: "tx-008",
		UserID:        "user-1",
		ProductID:     "pro_monthly",
		Platform:      models.PlatformIOS,
		Proof:         "receipt-tx-008",
		State:         models.StatePending,
	}).Error)
	require.NoError(t, database.DB.Create(&models.Transaction{
		TransactionID: "tx-009",
		UserID:        "user-1",
		ProductID:     "pro_monthly",
		Platform:      models.PlatformIOS,
		Proof:         "receipt-tx-009",
		State:         models.StateVerifying,
	}).Error)

	verifier := newFakeVerifier()
	settler := &fakeSettler{}
	engine, _ := newTestEngine(t, verifier, settler, nil, 3)

	summary := NewSweepService(engine, nil).Sweep(context.Background())
	assert.Equal(t, 2, summary.Finalized)
	assert.Equal(t, models.StateFinalized, storedState(t, "tx-008"))
	assert.Equal(t, models.StateFinalized, storedState(t, "tx-009"))
	assert.Equal(t, 1, verifier.calls("tx-008"))
	assert.Equal(t, 1, verifier.calls("tx-009"))
}

func TestSweepAbandonsExhaustedPending(t *testing.T) {
	setupTestDB(t)
	require.NoError(t, database.DB.Create(&models.Transaction{
		TransactionID:        "tx-010",
		UserID:               "user-1",
		ProductID:            "pro_monthly",
		Platform:             models.PlatformIOS,
		Proof:                "receipt-tx-010",
		State:                models.StatePending,
		VerificationAttempts: 3,
	}).Error)

	verifier := newFakeVerifier()
	alerter := &fakeAlerter{}
	engine, _ := newTestEngine(t, verifier, &fakeSettler{}, alerter, 3)

	summary := NewSweepService(engine, alerter).Sweep(context.Background())
	assert.Equal(t, 1, summary.Abandoned)
	assert.Equal(t, models.StateAbandoned, storedState(t, "tx-010"))
	assert.Equal(t, 0, verifier.totalCalls())
	assert.Equal(t, []string{"tx-010"}, alerter.abandonedIDs())
}

func TestRestoreSkipsFinalizedAndVerifiesNew(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	settler := &fakeSettler{}
	engine, _ := newTestEngine(t, verifier, settler, nil, 3)

	// tx-011 was finalized by a live event before the restore.
	outcome, err := engine.Process(context.Background(), record("tx-011"))
	require.NoError(t, err)
	require.Equal(t, OutcomeGranted, outcome)

	restore := NewRestoreService(engine)
	summary, err := restore.Restore(context.Background(), []billing.PurchaseRecord{
		record("tx-011"),
		record("tx-012"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NewlyGranted)
	assert.Equal(t, 1, summary.AlreadyCurrent)
	assert.Equal(t, 0, summary.Failed)

	// Exactly one verification for the new transaction, none for the
	// already-finalized one.
	assert.Equal(t, 1, verifier.calls("tx-011"))
	assert.Equal(t, 1, verifier.calls("tx-012"))
	assert.Equal(t, 2, settler.callCount())
	assert.Equal(t, models.StateFinalized, storedState(t, "tx-012"))
}

func TestRestoreAttachesUserToNotificationPurchase(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	settler := &fakeSettler{}
	engine, cache := newTestEngine(t, verifier, settler, nil, 3)

	// A purchase first seen via a platform notification carries no user id
	// and settles under the empty-user bucket.
	rtdn := record("tx-020")
	rtdn.UserID = ""
	outcome, err := engine.Process(context.Background(), rtdn)
	require.NoError(t, err)
	require.Equal(t, OutcomeGranted, outcome)
	assert.Empty(t, cache.CurrentEntitlements("user-42"))

	// A later restore for the same transaction names the purchaser.
	owned := record("tx-020")
	owned.UserID = "user-42"
	summary, err := NewRestoreService(engine).Restore(context.Background(), []billing.PurchaseRecord{owned})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AlreadyCurrent)

	tx, err := database.GetTransactionByID("tx-020")
	require.NoError(t, err)
	assert.Equal(t, "user-42", tx.UserID)

	ent, err := database.GetEntitlementBySourceTransaction("tx-020")
	require.NoError(t, err)
	assert.Equal(t, "user-42", ent.UserID)

	ents := cache.CurrentEntitlements("user-42")
	require.Len(t, ents, 1)
	assert.Equal(t, "pro", ents[0].PlanID)
	assert.Empty(t, cache.CurrentEntitlements(""))

	// Attribution is a row update, never a re-verify or re-settle.
	assert.Equal(t, 1, verifier.calls("tx-020"))
	assert.Equal(t, 1, settler.callCount())
}

func TestAttachUserDoesNotReassignOwnedTransaction(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	engine, cache := newTestEngine(t, verifier, &fakeSettler{}, nil, 3)

	outcome, err := engine.Process(context.Background(), record("tx-021"))
	require.NoError(t, err)
	require.Equal(t, OutcomeGranted, outcome)

	other := record("tx-021")
	other.UserID = "user-99"
	outcome, err = engine.Process(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCurrent, outcome)

	tx, err := database.GetTransactionByID("tx-021")
	require.NoError(t, err)
	assert.Equal(t, "user-1", tx.UserID)
	assert.Empty(t, cache.CurrentEntitlements("user-99"))
	require.Len(t, cache.CurrentEntitlements("user-1"), 1)
}

func TestRestoreCountsTerminalFailures(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	verifier.script["tx-014"] = []verifyResult{
		{err: &VerifyError{Kind: VerifyRejected, Reason: "invalid"}},
	}
	engine, _ := newTestEngine(t, verifier, &fakeSettler{}, nil, 3)

	summary, err := NewRestoreService(engine).Restore(context.Background(), []billing.PurchaseRecord{
		record("tx-013"),
		record("tx-014"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NewlyGranted)
	assert.Equal(t, 0, summary.AlreadyCurrent)
	assert.Equal(t, 1, summary.Failed)
}

func TestSubmitDropsErrorEventWithoutTransactionID(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	engine, _ := newTestEngine(t, verifier, &fakeSettler{}, nil, 3)

	engine.Submit(billing.PurchaseEvent{
		Error: &billing.PurchaseError{Code: "user_canceled", Message: "canceled in store UI"},
	})
	engine.Close()

	var count int64
	require.NoError(t, database.DB.Model(&models.Transaction{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Zero(t, verifier.totalCalls())
}

func TestSubmitRecordsErrorOnExistingTransaction(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	engine, _ := newTestEngine(t, verifier, &fakeSettler{}, nil, 3)

	outcome, err := engine.Process(context.Background(), record("tx-015"))
	require.NoError(t, err)
	require.Equal(t, OutcomeGranted, outcome)

	engine.Submit(billing.PurchaseEvent{
		Error: &billing.PurchaseError{TransactionID: "tx-015", Code: "billing_error", Message: "card declined"},
	})
	engine.Close()

	tx, err := database.GetTransactionByID("tx-015")
	require.NoError(t, err)
	assert.Equal(t, models.StateFinalized, tx.State)
	assert.Contains(t, tx.LastError, "billing_error")
}

func TestSubmitProcessesUpdatedEventAsync(t *testing.T) {
	setupTestDB(t)
	verifier := newFakeVerifier()
	settler := &fakeSettler{}
	engine, _ := newTestEngine(t, verifier, settler, nil, 3)

	engine.Submit(billing.PurchaseEvent{
		Updated: &billing.PurchaseUpdated{Record: record("tx-016")},
	})

	require.Eventually(t, func() bool {
		tx, err := database.GetTransactionByID("tx-016")
		return err == nil && tx.State == models.StateFinalized
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, settler.callCount())
}
