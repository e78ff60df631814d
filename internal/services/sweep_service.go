package services

import (
	"context"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"
	"entitlement-engine/pkg/logging"
)

// SweepSummary reports what the startup reconciliation pass did.
type SweepSummary struct {
	Finalized int `json:"finalized"`
	Requeued  int `json:"requeued"`
	Abandoned int `json:"abandoned"`
	Failed    int `json:"failed"`
}

// SweepService closes the gaps a crash can leave behind. It runs once per
// process start, before the entitlement cache is considered trustworthy:
// verified-but-not-finalized rows get their settlement retried without any
// re-verification, and pending or verifying rows with attempts to spare are
// fed back through the pipeline.
type SweepService struct {
	engine  *Engine
	alerter Alerter
}

// NewSweepService creates the startup sweep.
func NewSweepService(engine *Engine, alerter Alerter) *SweepService {
	return &SweepService{engine: engine, alerter: alerter}
}

// Sweep walks the transaction store and reconciles every row left in a
// non-terminal state.
func (s *SweepService) Sweep(ctx context.Context) SweepSummary {
	summary := SweepSummary{}

	// Crash window A: verified but not settled. Retry settlement only; the
	// engine skips verification for rows already past it, so these produce
	// zero authority calls.
	verified, err := database.ListTransactionsByState(models.StateVerified)
	if err != nil {
		logging.Errorf("Sweep failed to list verified transactions: %v", err)
	}
	for i := range verified {
		s.reconcile(ctx, &verified[i], &summary)
	}

	// Crash window B: interrupted mid-verification. Safe to retry from
	// scratch, verification is idempotent on the authority side.
	verifying, err := database.ListTransactionsByState(models.StateVerifying)
	if err != nil {
		logging.Errorf("Sweep failed to list verifying transactions: %v", err)
	}
	for i := range verifying {
		s.reconcile(ctx, &verifying[i], &summary)
	}

	// Crash window C: inserted but never verified.
	pending, err := database.ListTransactionsByState(models.StatePending)
	if err != nil {
		logging.Errorf("Sweep failed to list pending transactions: %v", err)
	}
	for i := range pending {
		tx := &pending[i]
		if tx.VerificationAttempts >= s.engine.cfg.MaxVerifyAttempts {
			if err := database.TransitionTransaction(tx.TransactionID, models.StatePending, models.StateAbandoned, nil); err != nil {
				logging.Errorf("Sweep failed to abandon transaction %s: %v", tx.TransactionID, err)
				summary.Failed++
				continue
			}
			tx.State = models.StateAbandoned
			summary.Abandoned++
			if s.alerter != nil {
				s.alerter.TransactionAbandoned(tx)
			}
			continue
		}
		s.reconcile(ctx, tx, &summary)
	}

	logging.Infof("Reconciliation sweep complete: finalized=%d requeued=%d abandoned=%d failed=%d",
		summary.Finalized, summary.Requeued, summary.Abandoned, summary.Failed)
	return summary
}

func (s *SweepService) reconcile(ctx context.Context, tx *models.Transaction, summary *SweepSummary) {
	rec := billing.PurchaseRecord{
		TransactionID: tx.TransactionID,
		ProductID:     tx.ProductID,
		Platform:      tx.Platform,
		Proof:         tx.Proof,
		UserID:        tx.UserID,
		PurchaseTime:  tx.PurchaseTime,
	}

	outcome, err := s.engine.Process(ctx, rec)
	switch outcome {
	case OutcomeGranted, OutcomeAlreadyCurrent:
		summary.Finalized++
	case OutcomeRetryScheduled:
		summary.Requeued++
	default:
		summary.Failed++
		if err != nil {
			logging.Errorf("Sweep could not reconcile transaction %s: %v", tx.TransactionID, err)
		}
	}
}
