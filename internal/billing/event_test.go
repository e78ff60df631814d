package billing

import (
	"testing"
	"time"

	"entitlement-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() PurchaseRecord {
	return PurchaseRecord{
		TransactionID: "tx-100",
		ProductID:     "pro_monthly",
		Platform:      models.PlatformIOS,
		Proof:         "receipt-blob",
		UserID:        "user-1",
		PurchaseTime:  time.Now(),
	}
}

func TestPurchaseRecordValidate(t *testing.T) {
	require.NoError(t, validRecord().Validate())

	rec := validRecord()
	rec.TransactionID = ""
	assert.ErrorIs(t, rec.Validate(), ErrMalformedProof)

	rec = validRecord()
	rec.ProductID = ""
	assert.ErrorIs(t, rec.Validate(), ErrMalformedProof)

	rec = validRecord()
	rec.Proof = ""
	assert.ErrorIs(t, rec.Validate(), ErrMalformedProof)

	rec = validRecord()
	rec.Platform = "windows"
	assert.ErrorIs(t, rec.Validate(), ErrMalformedProof)
}

func TestPurchaseEventValidate(t *testing.T) {
	updated := PurchaseEvent{Updated: &PurchaseUpdated{Record: validRecord()}}
	require.NoError(t, updated.Validate())

	errEvent := PurchaseEvent{Error: &PurchaseError{Code: "user_canceled", Message: "canceled in store UI"}}
	require.NoError(t, errEvent.Validate())

	empty := PurchaseEvent{}
	assert.Error(t, empty.Validate())

	both := PurchaseEvent{
		Updated: &PurchaseUpdated{Record: validRecord()},
		Error:   &PurchaseError{Code: "x"},
	}
	assert.Error(t, both.Validate())

	malformed := PurchaseEvent{Updated: &PurchaseUpdated{Record: PurchaseRecord{TransactionID: "tx-1"}}}
	assert.ErrorIs(t, malformed.Validate(), ErrMalformedProof)
}
