package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/database"
	"entitlement-engine/internal/models"
	"entitlement-engine/internal/response"
	"entitlement-engine/pkg/logging"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AppStoreNotificationWrapper is the outer envelope of an App Store Server
// Notification V2: the actual notification travels as a JWS in signedPayload.
type AppStoreNotificationWrapper struct {
	SignedPayload string `json:"signedPayload"`
}

// AppStoreNotification is the decoded signedPayload content.
type AppStoreNotification struct {
	NotificationType string               `json:"notificationType"` // e.g. "SUBSCRIBED", "DID_RENEW"
	Subtype          string               `json:"subtype,omitempty"`
	NotificationUUID string               `json:"notificationUUID"`
	SignedDate       int64                `json:"signedDate"` // milliseconds since epoch
	Data             appStoreNotification `json:"data"`
}

type appStoreNotification struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"` // "Sandbox" or "Production"
	SignedTransactionInfo string `json:"signedTransactionInfo"`
}

// appStoreTransaction is the decoded signedTransactionInfo content.
type appStoreTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"` // milliseconds since epoch
	AppAccountToken       string `json:"appAccountToken"`
}

// AppStoreNotificationHandler handles App Store Server Notifications V2.
// POST /api/appstore/notifications
func (h *Handler) AppStoreNotificationHandler(c *gin.Context) {
	var wrapper AppStoreNotificationWrapper
	if err := c.ShouldBindJSON(&wrapper); err != nil || wrapper.SignedPayload == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "Missing signedPayload")
		return
	}

	var notification AppStoreNotification
	if err := decodeJWSPayload(wrapper.SignedPayload, &notification); err != nil {
		logging.Errorf("Failed to decode App Store notification: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid signedPayload")
		return
	}

	if h.Replay.IsReplay(c.Request.Context(), notification.NotificationUUID, notification.SignedDate) {
		// Acknowledge duplicates so Apple stops redelivering them.
		response.SuccessJSON(c, gin.H{"duplicate": true})
		return
	}

	var txInfo appStoreTransaction
	if err := decodeJWSPayload(notification.Data.SignedTransactionInfo, &txInfo); err != nil {
		logging.Errorf("Failed to decode App Store transaction info: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid signedTransactionInfo")
		return
	}

	logging.Infof("App Store notification %s (%s) for transaction %s",
		notification.NotificationType, notification.Subtype, txInfo.TransactionID)

	switch notification.NotificationType {
	case "SUBSCRIBED", "DID_RENEW", "OFFER_REDEEMED", "ONE_TIME_CHARGE":
		h.Engine.Submit(billing.PurchaseEvent{
			Updated: &billing.PurchaseUpdated{
				Record: billing.PurchaseRecord{
					TransactionID: txInfo.TransactionID,
					ProductID:     txInfo.ProductID,
					Platform:      models.PlatformIOS,
					Proof:         notification.Data.SignedTransactionInfo,
					UserID:        txInfo.AppAccountToken,
					PurchaseTime:  time.UnixMilli(txInfo.PurchaseDate),
				},
			},
		})
	case "EXPIRED":
		h.updateEntitlementStatus(txInfo.TransactionID, txInfo.OriginalTransactionID, models.EntitlementExpired)
	case "REFUND", "REVOKE":
		h.updateEntitlementStatus(txInfo.TransactionID, txInfo.OriginalTransactionID, models.EntitlementCanceled)
	case "DID_FAIL_TO_RENEW":
		h.updateEntitlementStatus(txInfo.TransactionID, txInfo.OriginalTransactionID, models.EntitlementGracePeriod)
	default:
		logging.Infof("Ignoring App Store notification type %s", notification.NotificationType)
	}

	response.SuccessJSON(c, gin.H{"processed": true})
}

// GooglePlayNotification is a Real-Time Developer Notification as delivered
// by Pub/Sub push: the payload is base64 JSON inside message.data.
type GooglePlayNotification struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

type googlePlayDeveloperNotification struct {
	PackageName              string `json:"packageName"`
	EventTimeMillis          string `json:"eventTimeMillis"`
	SubscriptionNotification struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// Google Play RTDN subscription notification types.
const (
	gpSubscriptionRecovered = 1
	gpSubscriptionRenewed   = 2
	gpSubscriptionCanceled  = 3
	gpSubscriptionPurchased = 4
	gpSubscriptionInGrace   = 6
	gpSubscriptionRestarted = 7
	gpSubscriptionRevoked   = 12
	gpSubscriptionExpired   = 13
)

// GooglePlayNotificationHandler handles Google Play Real-Time Developer
// Notifications.
// POST /api/googleplay/notifications
func (h *Handler) GooglePlayNotificationHandler(c *gin.Context) {
	var wrapper GooglePlayNotification
	if err := c.ShouldBindJSON(&wrapper); err != nil || wrapper.Message.Data == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "Missing message data")
		return
	}

	raw, err := base64.StdEncoding.DecodeString(wrapper.Message.Data)
	if err != nil {
		logging.Errorf("Failed to decode Google Play notification data: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid message data")
		return
	}

	var notification googlePlayDeveloperNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		logging.Errorf("Failed to parse Google Play notification: %v", err)
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid notification format")
		return
	}

	sub := notification.SubscriptionNotification
	if sub.PurchaseToken == "" || sub.SubscriptionID == "" {
		logging.Errorf("Google Play notification missing purchase_token or subscription_id")
		response.ErrorJSON(c, http.StatusBadRequest, "Missing required fields: purchase_token or subscription_id")
		return
	}

	if h.Replay.IsReplay(c.Request.Context(), wrapper.Message.MessageID, 0) {
		response.SuccessJSON(c, gin.H{"duplicate": true})
		return
	}

	logging.Infof("Google Play notification type %d for subscription %s", sub.NotificationType, sub.SubscriptionID)

	switch sub.NotificationType {
	case gpSubscriptionPurchased, gpSubscriptionRenewed, gpSubscriptionRecovered, gpSubscriptionRestarted:
		h.Engine.Submit(billing.PurchaseEvent{
			Updated: &billing.PurchaseUpdated{
				Record: billing.PurchaseRecord{
					TransactionID: sub.PurchaseToken,
					ProductID:     sub.SubscriptionID,
					Platform:      models.PlatformAndroid,
					Proof:         sub.PurchaseToken,
					PurchaseTime:  time.Now(),
				},
			},
		})
	case gpSubscriptionCanceled, gpSubscriptionRevoked:
		h.updateEntitlementStatus(sub.PurchaseToken, "", models.EntitlementCanceled)
	case gpSubscriptionExpired:
		h.updateEntitlementStatus(sub.PurchaseToken, "", models.EntitlementExpired)
	case gpSubscriptionInGrace:
		h.updateEntitlementStatus(sub.PurchaseToken, "", models.EntitlementGracePeriod)
	default:
		logging.Infof("Ignoring Google Play notification type %d", sub.NotificationType)
	}

	response.SuccessJSON(c, gin.H{"processed": true})
}

// updateEntitlementStatus restatuses the entitlement derived from a
// transaction (or its original transaction, for renewals) and refreshes the
// cache. Entitlement rows are never deleted.
func (h *Handler) updateEntitlementStatus(transactionID, originalTransactionID, status string) {
	ent, err := database.GetEntitlementBySourceTransaction(transactionID)
	if errors.Is(err, gorm.ErrRecordNotFound) && originalTransactionID != "" {
		ent, err = database.GetEntitlementBySourceTransaction(originalTransactionID)
	}
	if err != nil {
		logging.Warnf("No entitlement found for transaction %s, status update to %s skipped", transactionID, status)
		return
	}

	if err := database.UpdateEntitlementStatus(ent.SourceTransactionID, status); err != nil {
		logging.Errorf("Failed to update entitlement status for %s: %v", ent.SourceTransactionID, err)
		return
	}
	ent.Status = status
	h.Cache.Put(*ent)
	logging.Infof("Entitlement from transaction %s moved to %s", ent.SourceTransactionID, status)
}

// decodeJWSPayload extracts and unmarshals the payload segment of a JWS
// compact serialization. Signature verification against the Apple certificate
// chain happens upstream at the ingress proxy; here the segment only needs to
// be structurally valid.
func decodeJWSPayload(token string, out interface{}) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("not a JWS compact serialization (%d segments)", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("failed to decode JWS payload: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to parse JWS payload: %w", err)
	}
	return nil
}
