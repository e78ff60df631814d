package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/config"
	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"
	"entitlement-engine/pkg/logging"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Outcome summarizes what one pass through the pipeline did for a
// transaction.
type Outcome int

const (
	// OutcomeGranted means the transaction reached finalized in this pass.
	OutcomeGranted Outcome = iota
	// OutcomeAlreadyCurrent means the transaction was already finalized and
	// no remote call was made.
	OutcomeAlreadyCurrent
	// OutcomeRetryScheduled means verification failed transiently and a
	// backoff retry was queued.
	OutcomeRetryScheduled
	// OutcomeFailed means the transaction ended in a terminal failure state
	// or settlement could not complete in this pass.
	OutcomeFailed
)

// Alerter receives operator alerts for transactions that exhausted their
// verification retries.
type Alerter interface {
	TransactionAbandoned(tx *models.Transaction)
}

// EntitlementNotifier is told when an entitlement becomes effective.
type EntitlementNotifier interface {
	EntitlementChanged(ent models.Entitlement)
}

// EngineConfig tunes the reconciliation engine.
type EngineConfig struct {
	MaxVerifyAttempts int
	RetryBase         time.Duration
	VerifyTimeout     time.Duration
	MaxConcurrency    int64
}

// EngineConfigFromApp builds the engine configuration from the loaded app
// config.
func EngineConfigFromApp() EngineConfig {
	return EngineConfig{
		MaxVerifyAttempts: config.AppConfig.MaxVerifyAttempts,
		RetryBase:         time.Duration(config.AppConfig.RetryBaseSeconds) * time.Second,
		VerifyTimeout:     time.Duration(config.AppConfig.VerifyTimeoutSeconds) * time.Second,
		MaxConcurrency:    int64(config.AppConfig.MaxConcurrency),
	}
}

// Engine is the purchase reconciliation pipeline: it receives purchase
// events, verifies them against the remote authority, records state
// transitions durably and settles verified transactions with the platform.
//
// Work is keyed by transaction id. A singleflight group guarantees that two
// deliveries of the same id never run the pipeline concurrently (duplicates
// join the in-progress call), and a weighted semaphore bounds how many
// distinct transactions perform remote work in parallel. All row mutations
// happen inside the single-flight slot, through guarded state transitions.
type Engine struct {
	verifier  Verifier
	finalizer *FinalizerService
	cache     *EntitlementCache
	alerter   Alerter
	notifier  EntitlementNotifier
	cfg       EngineConfig

	group singleflight.Group
	sem   *semaphore.Weighted

	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewEngine assembles the reconciliation engine. alerter and notifier may be
// nil.
func NewEngine(verifier Verifier, finalizer *FinalizerService, cache *EntitlementCache, alerter Alerter, notifier EntitlementNotifier, cfg EngineConfig) *Engine {
	if cfg.MaxVerifyAttempts <= 0 {
		cfg.MaxVerifyAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}

	return &Engine{
		verifier:  verifier,
		finalizer: finalizer,
		cache:     cache,
		alerter:   alerter,
		notifier:  notifier,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrency),
		quit:      make(chan struct{}),
	}
}

// Submit enqueues a purchase event without blocking the caller. Malformed
// events and purchase errors are handled at this boundary and never enter
// the pipeline.
func (e *Engine) Submit(event billing.PurchaseEvent) {
	if err := event.Validate(); err != nil {
		logging.Errorf("Dropping invalid purchase event: %v", err)
		return
	}

	if event.Error != nil {
		e.handlePurchaseError(event.Error)
		return
	}

	rec := event.Updated.Record
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Process(context.Background(), rec); err != nil {
			logging.Errorf("Processing transaction %s failed: %v", rec.TransactionID, err)
		}
	}()
}

// handlePurchaseError logs store-level purchase failures. An error without a
// transaction id signals user cancellation or a platform rejection; there is
// nothing to reconcile. With an id, the failure is recorded on the row for
// the audit trail but no state changes. The write stays outside the
// single-flight group: the group collapses concurrent callers into one shared
// result, so keying this write by transaction id would hand a racing Process
// call a nil outcome, or skip the write entirely. A single UPDATE of a column
// no transition guards on needs no slot.
func (e *Engine) handlePurchaseError(perr *billing.PurchaseError) {
	if perr.TransactionID == "" {
		logging.Infof("Purchase error without transaction id dropped: code=%s message=%s", perr.Code, perr.Message)
		return
	}

	logging.Infof("Purchase error for transaction %s: code=%s message=%s", perr.TransactionID, perr.Code, perr.Message)
	err := database.DB.Model(&models.Transaction{}).
		Where("transaction_id = ?", perr.TransactionID).
		Update("last_error", fmt.Sprintf("store error %s: %s", perr.Code, perr.Message)).Error
	if err != nil {
		logging.Errorf("Failed to record purchase error for %s: %v", perr.TransactionID, err)
	}
}

// Process runs one purchase record through the pipeline and reports what
// happened. Concurrent calls for the same transaction id share a single
// execution; calls for distinct ids run in parallel up to the concurrency
// limit. Restore and sweep enter here as well, so a live event and a
// restore-driven reconciliation of the same id cannot interleave.
func (e *Engine) Process(ctx context.Context, rec billing.PurchaseRecord) (Outcome, error) {
	if err := rec.Validate(); err != nil {
		return OutcomeFailed, err
	}

	v, err, _ := e.group.Do(rec.TransactionID, func() (interface{}, error) {
		return e.process(ctx, rec)
	})
	outcome, ok := v.(Outcome)
	if !ok {
		outcome = OutcomeFailed
	}
	return outcome, err
}

func (e *Engine) process(ctx context.Context, rec billing.PurchaseRecord) (Outcome, error) {
	// Durability before processing: the pending row must exist before any
	// remote call so a crash here is recoverable by the sweep.
	tx, err := database.UpsertPendingTransaction(&models.Transaction{
		TransactionID: rec.TransactionID,
		UserID:        rec.UserID,
		ProductID:     rec.ProductID,
		Platform:      rec.Platform,
		Proof:         rec.Proof,
		PurchaseTime:  rec.PurchaseTime,
	})
	if err != nil {
		return OutcomeFailed, err
	}

	// Purchases first seen through a platform notification carry no user id.
	// A later client event or restore for the same transaction does; adopt it
	// before the state switch so even an already-finalized row gets its
	// entitlement reattributed.
	if rec.UserID != "" && tx.UserID == "" {
		if err := e.attachUser(tx, rec.UserID); err != nil {
			logging.Errorf("Failed to attach user %s to transaction %s: %v", rec.UserID, tx.TransactionID, err)
		}
	}

	switch tx.State {
	case models.StateFinalized:
		return OutcomeAlreadyCurrent, nil
	case models.StateVerificationFailed, models.StateAbandoned:
		return OutcomeFailed, fmt.Errorf("transaction %s is terminally failed (%s): %s", tx.TransactionID, tx.State, tx.LastError)
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return OutcomeFailed, err
	}
	defer e.sem.Release(1)

	// A row stuck in verifying can only be a leftover from a crash mid-call:
	// the single-flight slot guarantees no live worker holds it. Requeue it;
	// verification is idempotent on the authority side.
	if tx.State == models.StateVerifying {
		err := database.TransitionTransaction(tx.TransactionID, models.StateVerifying, models.StatePending, nil)
		if err != nil && !errors.Is(err, database.ErrStaleState) {
			return OutcomeFailed, err
		}
		tx.State = models.StatePending
	}

	if tx.State == models.StatePending {
		outcome, err := e.verify(ctx, tx, rec)
		if err != nil || outcome != OutcomeGranted {
			return outcome, err
		}
	}

	return e.settle(ctx, tx)
}

// attachUser backfills the purchaser on a transaction and its entitlement row,
// then moves the cache entry out of the empty-user bucket. Runs inside the
// single-flight slot.
func (e *Engine) attachUser(tx *models.Transaction, userID string) error {
	attached, err := database.AttachTransactionUser(tx.TransactionID, userID)
	if err != nil || !attached {
		return err
	}
	tx.UserID = userID
	logging.Infof("Transaction %s attributed to user %s", tx.TransactionID, userID)

	if err := database.AttachEntitlementUser(tx.TransactionID, userID); err != nil {
		return err
	}

	ent, err := database.GetEntitlementBySourceTransaction(tx.TransactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	e.cache.Drop("", tx.TransactionID)
	if tx.State == models.StateFinalized {
		e.cache.Put(*ent)
	}
	return nil
}

// verify runs the verification step for a pending transaction. On success
// the entitlement row is written before the verified transition so the
// finalize path always finds it; it stays invisible until settlement.
// Returns OutcomeGranted when the transaction is now verified and may
// proceed to settlement.
func (e *Engine) verify(ctx context.Context, tx *models.Transaction, rec billing.PurchaseRecord) (Outcome, error) {
	if err := database.TransitionTransaction(tx.TransactionID, models.StatePending, models.StateVerifying, nil); err != nil {
		return OutcomeFailed, err
	}
	tx.State = models.StateVerifying

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	grant, verifyErr := e.verifier.Verify(callCtx, rec)
	cancel()

	if verifyErr == nil {
		ent := entitlementFromGrant(grant, tx)
		if err := database.UpsertEntitlement(ent); err != nil {
			// Grant could not be recorded; requeue rather than lose it.
			verifyErr = &VerifyError{Kind: VerifyRetryable, Reason: "failed to record entitlement", Err: err}
		} else {
			updates := map[string]interface{}{"last_error": ""}
			if err := database.TransitionTransaction(tx.TransactionID, models.StateVerifying, models.StateVerified, updates); err != nil {
				return OutcomeFailed, err
			}
			tx.State = models.StateVerified
			logging.Infof("Transaction %s verified: plan=%s interval=%s", tx.TransactionID, grant.PlanID, grant.BillingInterval)
			return OutcomeGranted, nil
		}
	}

	var ve *VerifyError
	if !errors.As(verifyErr, &ve) {
		ve = &VerifyError{Kind: VerifyRetryable, Reason: "unexpected verifier failure", Err: verifyErr}
	}

	switch ve.Kind {
	case VerifyRejected, VerifyMalformedProof:
		updates := map[string]interface{}{"last_error": ve.Error()}
		if err := database.TransitionTransaction(tx.TransactionID, models.StateVerifying, models.StateVerificationFailed, updates); err != nil {
			return OutcomeFailed, err
		}
		tx.State = models.StateVerificationFailed
		logging.Errorf("Transaction %s rejected by authority: %v", tx.TransactionID, ve)
		return OutcomeFailed, ve
	default:
		return e.requeue(tx, rec, ve)
	}
}

// requeue handles a transient verification failure: the transaction reverts
// to pending with the attempt counted, and either a backoff retry is
// scheduled or, once attempts are exhausted, the transaction is abandoned
// and the operator alerted.
func (e *Engine) requeue(tx *models.Transaction, rec billing.PurchaseRecord, ve *VerifyError) (Outcome, error) {
	attempts := tx.VerificationAttempts + 1
	updates := map[string]interface{}{
		"verification_attempts": attempts,
		"last_error":            ve.Error(),
	}
	if err := database.TransitionTransaction(tx.TransactionID, models.StateVerifying, models.StatePending, updates); err != nil {
		return OutcomeFailed, err
	}
	tx.State = models.StatePending
	tx.VerificationAttempts = attempts
	tx.LastError = ve.Error()

	if attempts >= e.cfg.MaxVerifyAttempts {
		if err := database.TransitionTransaction(tx.TransactionID, models.StatePending, models.StateAbandoned, nil); err != nil {
			return OutcomeFailed, err
		}
		tx.State = models.StateAbandoned
		logging.Errorf("Transaction %s abandoned after %d verification attempts: %v", tx.TransactionID, attempts, ve)
		if e.alerter != nil {
			e.alerter.TransactionAbandoned(tx)
		}
		return OutcomeFailed, ve
	}

	delay := e.cfg.RetryBase << uint(attempts-1)
	logging.Warnf("Transaction %s verification attempt %d failed, retrying in %v: %v", tx.TransactionID, attempts, delay, ve)
	e.scheduleRetry(rec, delay)
	return OutcomeRetryScheduled, nil
}

func (e *Engine) scheduleRetry(rec billing.PurchaseRecord, delay time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-e.quit:
			return
		case <-t.C:
		}
		if _, err := e.Process(context.Background(), rec); err != nil {
			logging.Errorf("Retry for transaction %s failed: %v", rec.TransactionID, err)
		}
	}()
}

// settle finalizes a verified transaction and, on success, makes its
// entitlement effective.
func (e *Engine) settle(ctx context.Context, tx *models.Transaction) (Outcome, error) {
	if err := e.finalizer.Finalize(ctx, tx); err != nil {
		// Stays verified; the sweep retries settlement on the next start.
		logging.Errorf("Settlement for transaction %s failed, leaving verified: %v", tx.TransactionID, err)
		return OutcomeFailed, err
	}

	ent, err := database.GetEntitlementBySourceTransaction(tx.TransactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logging.Errorf("Transaction %s finalized but has no entitlement row", tx.TransactionID)
			return OutcomeGranted, nil
		}
		return OutcomeGranted, err
	}

	e.cache.Put(*ent)
	if e.notifier != nil {
		e.wg.Add(1)
		go func(ent models.Entitlement) {
			defer e.wg.Done()
			e.notifier.EntitlementChanged(ent)
		}(*ent)
	}
	return OutcomeGranted, nil
}

// Close stops retry scheduling and waits for in-flight work. Verify and
// finalize calls already started run to completion: an interrupted settlement
// may have succeeded platform-side, and it is the sweep's job on next start
// to resolve that ambiguity, not shutdown's.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// entitlementFromGrant maps an authority grant onto the entitlement row for
// its source transaction.
func entitlementFromGrant(grant *EntitlementGrant, tx *models.Transaction) *models.Entitlement {
	status := models.EntitlementActive
	if grant.ExpiresAt != nil && grant.ExpiresAt.Before(time.Now()) {
		status = models.EntitlementExpired
	}
	return &models.Entitlement{
		UserID:              tx.UserID,
		PlanID:              grant.PlanID,
		BillingInterval:     grant.BillingInterval,
		ExpiresAt:           grant.ExpiresAt,
		Status:              status,
		SourceTransactionID: tx.TransactionID,
	}
}
