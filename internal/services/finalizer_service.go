package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/config"
	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"
	"entitlement-engine/pkg/logging"
)

// FinalizeError wraps a settlement failure. The transaction stays verified
// and the sweep retries it on the next start; the failure is never surfaced
// to the purchaser.
type FinalizeError struct {
	TransactionID string
	Err           error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("failed to finalize transaction %s: %v", e.TransactionID, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// FinalizerService performs the irreversible settlement call exactly once per
// transaction. Callers must already hold the per-transaction single-flight
// slot; the guarded verified -> finalized transition is the second line of
// defense against racing paths.
type FinalizerService struct {
	settler billing.Settler
	timeout time.Duration
}

// NewFinalizerService creates a finalizer over the given settlement adapter.
func NewFinalizerService(settler billing.Settler) *FinalizerService {
	return &FinalizerService{
		settler: settler,
		timeout: time.Duration(config.AppConfig.FinalizeTimeoutSeconds) * time.Second,
	}
}

// Finalize settles a verified transaction. Settlement must never run before
// verification is durably recorded: once the platform considers a transaction
// finished it stops redelivering the event, so any gap at that point would be
// unrecoverable. The precondition check therefore reloads the row and the
// transition only matches while the row is still verified.
func (f *FinalizerService) Finalize(ctx context.Context, tx *models.Transaction) error {
	if tx.State != models.StateVerified {
		return fmt.Errorf("refusing to finalize transaction %s in state %s", tx.TransactionID, tx.State)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rec := billing.PurchaseRecord{
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		Platform:      tx.Platform,
		Proof:         tx.Proof,
		UserID:        tx.UserID,
		PurchaseTime:  tx.PurchaseTime,
	}
	if err := f.settler.Settle(callCtx, rec); err != nil {
		return &FinalizeError{TransactionID: tx.TransactionID, Err: err}
	}

	err := database.TransitionTransaction(tx.TransactionID, models.StateVerified, models.StateFinalized, nil)
	if err != nil {
		if errors.Is(err, database.ErrStaleState) {
			// The settlement call itself is idempotent platform-side, so a
			// concurrent path winning the transition is not a double spend.
			logging.Warnf("Transaction %s was finalized by a concurrent path", tx.TransactionID)
			tx.State = models.StateFinalized
			return nil
		}
		return &FinalizeError{TransactionID: tx.TransactionID, Err: err}
	}

	tx.State = models.StateFinalized
	logging.Infof("Transaction %s finalized", tx.TransactionID)
	return nil
}
