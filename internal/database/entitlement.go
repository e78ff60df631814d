package database

import (
	"errors"

	"entitlement-engine/internal/models"

	"gorm.io/gorm"
)

// UpsertEntitlement creates or updates the entitlement derived from one
// transaction, keyed by source_transaction_id. Runs inside a database
// transaction so a live event and a restore racing on the same id cannot
// produce two rows.
func UpsertEntitlement(ent *models.Entitlement) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		var existing models.Entitlement
		err := tx.Where("source_transaction_id = ?", ent.SourceTransactionID).
			First(&existing).Error

		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return tx.Create(ent).Error
			}
			return err
		}

		existing.UserID = ent.UserID
		existing.PlanID = ent.PlanID
		existing.BillingInterval = ent.BillingInterval
		existing.ExpiresAt = ent.ExpiresAt
		existing.Status = ent.Status

		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		*ent = existing
		return nil
	})
}

// AttachEntitlementUser fills in the owner on an entitlement whose source
// transaction was recorded without one. Same empty-value guard as
// AttachTransactionUser.
func AttachEntitlementUser(sourceTransactionID, userID string) error {
	return DB.Model(&models.Entitlement{}).
		Where("source_transaction_id = ? AND (user_id = ? OR user_id IS NULL)", sourceTransactionID, "").
		Update("user_id", userID).Error
}

// GetEntitlementBySourceTransaction fetches the entitlement a transaction
// produced, if any.
func GetEntitlementBySourceTransaction(transactionID string) (*models.Entitlement, error) {
	var ent models.Entitlement
	err := DB.Where("source_transaction_id = ?", transactionID).First(&ent).Error
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// UpdateEntitlementStatus marks an entitlement expired/canceled/etc by its
// source transaction id. Entitlements are never deleted, only restatused.
func UpdateEntitlementStatus(sourceTransactionID, status string) error {
	res := DB.Model(&models.Entitlement{}).
		Where("source_transaction_id = ?", sourceTransactionID).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListEntitlementsForUser returns every entitlement recorded for a user.
func ListEntitlementsForUser(userID string) ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&ents).Error
	return ents, err
}

// ListSettledEntitlements returns entitlements whose source transaction has
// reached the finalized state. Only these feed the in-memory entitlement
// cache: a grant recorded at verify time does not surface until settlement
// completes.
func ListSettledEntitlements() ([]models.Entitlement, error) {
	var ents []models.Entitlement
	err := DB.
		Joins("JOIN transactions ON transactions.transaction_id = entitlements.source_transaction_id").
		Where("transactions.state = ?", models.StateFinalized).
		Find(&ents).Error
	return ents, err
}
