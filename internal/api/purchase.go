package api

import (
	"net/http"
	"time"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/response"
	"entitlement-engine/pkg/logging"

	"github.com/gin-gonic/gin"
)

// PurchaseEventRequest is the normalized purchase event posted by the
// store-facing bridge (the client-side component that talks to StoreKit /
// Play Billing and forwards lifecycle events here).
type PurchaseEventRequest struct {
	Type          string     `json:"type" binding:"required,oneof=updated error"`
	TransactionID string     `json:"transaction_id"`
	ProductID     string     `json:"product_id"`
	Platform      string     `json:"platform"`
	Proof         string     `json:"proof"`
	UserID        string     `json:"user_id"`
	PurchaseTime  *time.Time `json:"purchase_time"`
	Code          string     `json:"code"`
	Message       string     `json:"message"`
}

// SubmitPurchaseEvent accepts one purchase lifecycle event and enqueues it.
// POST /api/purchase/events
func (h *Handler) SubmitPurchaseEvent(c *gin.Context) {
	var req PurchaseEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	var event billing.PurchaseEvent
	if req.Type == "error" {
		event.Error = &billing.PurchaseError{
			TransactionID: req.TransactionID,
			Code:          req.Code,
			Message:       req.Message,
		}
	} else {
		rec := billing.PurchaseRecord{
			TransactionID: req.TransactionID,
			ProductID:     req.ProductID,
			Platform:      req.Platform,
			Proof:         req.Proof,
			UserID:        req.UserID,
		}
		if req.PurchaseTime != nil {
			rec.PurchaseTime = *req.PurchaseTime
		}
		if err := rec.Validate(); err != nil {
			logging.Errorf("Rejected malformed purchase event: %v", err)
			response.ErrorJSON(c, http.StatusBadRequest, "Malformed purchase event: "+err.Error())
			return
		}
		event.Updated = &billing.PurchaseUpdated{Record: rec}
	}

	h.Engine.Submit(event)
	response.JSON(c, http.StatusAccepted, response.Success(gin.H{"accepted": true}))
}

// RestorePurchaseInfo is one owned purchase reported by the billing store.
type RestorePurchaseInfo struct {
	TransactionID string     `json:"transaction_id" binding:"required"`
	ProductID     string     `json:"product_id" binding:"required"`
	Proof         string     `json:"proof" binding:"required"`
	PurchaseTime  *time.Time `json:"purchase_time"`
}

// RestorePurchasesRequest carries the billing store's current owned-purchase
// enumeration, collected device-side and forwarded for reconciliation.
type RestorePurchasesRequest struct {
	UserID    string                `json:"user_id" binding:"required"`
	Platform  string                `json:"platform" binding:"required,oneof=ios android"`
	Purchases []RestorePurchaseInfo `json:"purchases"`
}

// RestorePurchases reconciles the owned purchases against the transaction
// store and reports counts.
// POST /api/purchase/restore
func (h *Handler) RestorePurchases(c *gin.Context) {
	var req RestorePurchasesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	records := make([]billing.PurchaseRecord, 0, len(req.Purchases))
	for _, p := range req.Purchases {
		rec := billing.PurchaseRecord{
			TransactionID: p.TransactionID,
			ProductID:     p.ProductID,
			Platform:      req.Platform,
			Proof:         p.Proof,
			UserID:        req.UserID,
		}
		if p.PurchaseTime != nil {
			rec.PurchaseTime = *p.PurchaseTime
		}
		records = append(records, rec)
	}

	logging.Infof("Restore requested for user %s with %d purchases", req.UserID, len(records))

	summary, err := h.Restore.Restore(c.Request.Context(), records)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Restore interrupted: "+err.Error())
		return
	}

	response.SuccessJSON(c, summary)
}
