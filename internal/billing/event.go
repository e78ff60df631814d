package billing

import (
	"errors"
	"fmt"
	"time"

	"entitlement-engine/internal/models"
)

// ErrMalformedProof marks an event that cannot be processed because it lacks
// the fields needed to verify it. Such events are logged and dropped at the
// boundary rather than retried.
var ErrMalformedProof = errors.New("malformed purchase proof")

// PurchaseRecord is the normalized view of one platform purchase, shared by
// the live event path, the restore reconciler and the startup sweep.
type PurchaseRecord struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	Platform      string    `json:"platform"` // ios or android
	Proof         string    `json:"proof"`    // receipt blob (ios) or purchase token (android)
	UserID        string    `json:"user_id,omitempty"`
	PurchaseTime  time.Time `json:"purchase_time,omitempty"`
}

// Validate rejects records missing the identity or proof fields the
// verification authority requires.
func (r PurchaseRecord) Validate() error {
	if r.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction_id", ErrMalformedProof)
	}
	if r.ProductID == "" {
		return fmt.Errorf("%w: missing product_id", ErrMalformedProof)
	}
	if r.Platform != models.PlatformIOS && r.Platform != models.PlatformAndroid {
		return fmt.Errorf("%w: unknown platform %q", ErrMalformedProof, r.Platform)
	}
	if r.Proof == "" {
		return fmt.Errorf("%w: missing proof", ErrMalformedProof)
	}
	return nil
}

// PurchaseUpdated reports a new or changed purchase from the billing store.
type PurchaseUpdated struct {
	Record PurchaseRecord
}

// PurchaseError reports a store-level purchase failure. It carries no proof;
// an error without a transaction id signals user cancellation or a platform
// rejection and is dropped, not reconciled.
type PurchaseError struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// PurchaseEvent is the tagged variant delivered by the billing store.
// Exactly one of Updated or Error is set; anything else fails validation.
type PurchaseEvent struct {
	Updated *PurchaseUpdated
	Error   *PurchaseError
}

// Validate checks the variant shape. Updated events additionally validate
// their record.
func (e PurchaseEvent) Validate() error {
	switch {
	case e.Updated != nil && e.Error != nil:
		return errors.New("purchase event carries both updated and error payloads")
	case e.Updated != nil:
		return e.Updated.Record.Validate()
	case e.Error != nil:
		return nil
	default:
		return errors.New("empty purchase event")
	}
}
