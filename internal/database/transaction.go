package database

import (
	"errors"
	"fmt"

	"entitlement-engine/internal/models"
)

// ErrStaleState is returned when a guarded state transition matched no row,
// meaning another path already moved the transaction past the expected state.
var ErrStaleState = errors.New("transaction state changed concurrently")

// UpsertPendingTransaction records a transaction on first sight. If a row for
// the transaction id already exists it is returned untouched; otherwise a new
// row is created in the pending state. The insert happens before any remote
// work so a crash between insert and verify leaves a row the sweep can
// resurrect.
func UpsertPendingTransaction(tx *models.Transaction) (*models.Transaction, error) {
	var out models.Transaction
	err := DB.Where(models.Transaction{TransactionID: tx.TransactionID}).
		Attrs(models.Transaction{
			UserID:       tx.UserID,
			ProductID:    tx.ProductID,
			Platform:     tx.Platform,
			Proof:        tx.Proof,
			PurchaseTime: tx.PurchaseTime,
			State:        models.StatePending,
		}).
		FirstOrCreate(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert transaction %s: %w", tx.TransactionID, err)
	}
	return &out, nil
}

// AttachTransactionUser fills in the purchaser on a row recorded without one,
// as happens for purchases first seen through a platform notification. The
// guard on the empty value means an already-attributed row is never
// reassigned. Reports whether the row was updated.
func AttachTransactionUser(transactionID, userID string) (bool, error) {
	res := DB.Model(&models.Transaction{}).
		Where("transaction_id = ? AND (user_id = ? OR user_id IS NULL)", transactionID, "").
		Update("user_id", userID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetTransactionByID fetches a transaction by its platform-assigned id.
func GetTransactionByID(transactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := DB.Where("transaction_id = ?", transactionID).First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// TransitionTransaction moves a transaction from one state to another using an
// optimistic guarded update: the UPDATE only matches while the row is still in
// the expected source state, so two racing paths cannot both pass the
// precondition. Extra column updates ride along in the same statement.
func TransitionTransaction(transactionID, from, to string, updates map[string]interface{}) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("invalid transaction state transition %s -> %s", from, to)
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["state"] = to

	res := DB.Model(&models.Transaction{}).
		Where("transaction_id = ? AND state = ?", transactionID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// ListTransactionsByState returns all transactions currently in the given
// state, oldest first. Used by the reconciliation sweep.
func ListTransactionsByState(state string) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := DB.Where("state = ?", state).Order("created_at ASC").Find(&txs).Error
	return txs, err
}
