package models

import (
	"time"
)

// Entitlement statuses.
const (
	EntitlementActive      = "active"
	EntitlementExpired     = "expired"
	EntitlementCanceled    = "canceled"
	EntitlementGracePeriod = "grace_period"
)

// Entitlement is a feature grant derived from a verified transaction. It
// back-references the transaction through SourceTransactionID but does not
// own it; an entitlement row outlives any in-memory transaction handling.
// Entitlements are never physically removed, only moved to expired/canceled.
type Entitlement struct {
	BaseModel

	UserID string `json:"user_id" gorm:"size:100;index"`

	PlanID          string `json:"plan_id" gorm:"not null;size:100"`
	BillingInterval string `json:"billing_interval" gorm:"size:20"` // monthly, yearly, or empty for perpetual

	ExpiresAt *time.Time `json:"expires_at,omitempty" gorm:"index"`

	Status string `json:"status" gorm:"not null;size:20;index"`

	SourceTransactionID string `json:"source_transaction_id" gorm:"not null;size:200;uniqueIndex"`
}

// TableName implements the GORM tabler interface.
func (Entitlement) TableName() string {
	return "entitlements"
}
