package api

import (
	"net/http"
	"time"

	"entitlement-engine/internal/database"
	"entitlement-engine/internal/response"

	"github.com/gin-gonic/gin"
)

// EntitlementInfo is one entitlement in API responses.
type EntitlementInfo struct {
	PlanID              string `json:"plan_id"`
	BillingInterval     string `json:"billing_interval,omitempty"`
	Status              string `json:"status"`
	ExpiresAt           string `json:"expires_at,omitempty"`
	SourceTransactionID string `json:"source_transaction_id"`
}

// GetEntitlements returns the user's currently granted entitlements from the
// process-local projection.
// GET /api/entitlements?user_id=...
func (h *Handler) GetEntitlements(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "user_id is required")
		return
	}

	ents := h.Cache.CurrentEntitlements(userID)
	out := make([]EntitlementInfo, 0, len(ents))
	for _, ent := range ents {
		info := EntitlementInfo{
			PlanID:              ent.PlanID,
			BillingInterval:     ent.BillingInterval,
			Status:              ent.Status,
			SourceTransactionID: ent.SourceTransactionID,
		}
		if ent.ExpiresAt != nil {
			info.ExpiresAt = ent.ExpiresAt.Format(time.RFC3339)
		}
		out = append(out, info)
	}

	response.SuccessJSON(c, gin.H{
		"user_id":      userID,
		"entitlements": out,
	})
}

// TransactionInfo is the audit view of one transaction. The proof is
// deliberately not exposed.
type TransactionInfo struct {
	TransactionID        string `json:"transaction_id"`
	ProductID            string `json:"product_id"`
	Platform             string `json:"platform"`
	State                string `json:"state"`
	VerificationAttempts int    `json:"verification_attempts"`
	LastError            string `json:"last_error,omitempty"`
	PurchaseTime         string `json:"purchase_time,omitempty"`
}

// GetTransaction returns the audit record for one transaction.
// GET /api/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	transactionID := c.Param("id")

	tx, err := database.GetTransactionByID(transactionID)
	if err != nil {
		response.ErrorJSON(c, http.StatusNotFound, "Transaction not found")
		return
	}

	info := TransactionInfo{
		TransactionID:        tx.TransactionID,
		ProductID:            tx.ProductID,
		Platform:             tx.Platform,
		State:                tx.State,
		VerificationAttempts: tx.VerificationAttempts,
		LastError:            tx.LastError,
	}
	if !tx.PurchaseTime.IsZero() {
		info.PurchaseTime = tx.PurchaseTime.Format(time.RFC3339)
	}

	response.SuccessJSON(c, info)
}
