package models

import (
	"time"
)

// Platform identifiers for purchase transactions.
const (
	PlatformIOS     = "ios"
	PlatformAndroid = "android"
)

// Transaction is the durable record of one purchase attempt. Rows are keyed
// by the platform-assigned transaction id and are never deleted; they form
// the audit trail the reconciliation sweep walks after a restart.
type Transaction struct {
	BaseModel

	TransactionID string `json:"transaction_id" gorm:"not null;size:200;uniqueIndex"`
	UserID        string `json:"user_id" gorm:"size:100;index"`

	ProductID string `json:"product_id" gorm:"size:100"`
	Platform  string `json:"platform" gorm:"not null;size:20;index"` // ios or android

	// Proof is the platform purchase evidence: a receipt blob on iOS, a
	// purchase token on Android.
	Proof string `json:"proof" gorm:"type:text"`

	PurchaseTime time.Time `json:"purchase_time"`

	State                string `json:"state" gorm:"not null;size:30;index"`
	VerificationAttempts int    `json:"verification_attempts" gorm:"default:0"`
	LastError            string `json:"last_error" gorm:"type:text"`
}

// TableName implements the GORM tabler interface.
func (Transaction) TableName() string {
	return "transactions"
}
