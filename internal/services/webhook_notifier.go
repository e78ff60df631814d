package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"entitlement-engine/internal/config"
	"entitlement-engine/internal/models"
	"entitlement-engine/pkg/logging"
)

// WebhookNotifier tells the downstream app backend when an entitlement
// becomes effective or changes status.
type WebhookNotifier struct {
	httpClient  *http.Client
	callbackURL string
	secret      string
}

// NewWebhookNotifier creates a notifier from the app config. Returns nil when
// no callback URL is configured; the engine accepts a nil notifier.
func NewWebhookNotifier() *WebhookNotifier {
	if config.AppConfig.WebhookCallbackURL == "" {
		return nil
	}
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		callbackURL: config.AppConfig.WebhookCallbackURL,
		secret:      config.AppConfig.WebhookSecret,
	}
}

// WebhookPayload is the entitlement-change event sent downstream.
type WebhookPayload struct {
	Event               string `json:"event"` // entitlement.updated
	UserID              string `json:"user_id"`
	PlanID              string `json:"plan_id"`
	BillingInterval     string `json:"billing_interval"`
	Status              string `json:"status"`
	ExpiresAt           string `json:"expires_at,omitempty"` // RFC 3339
	SourceTransactionID string `json:"source_transaction_id"`
	Timestamp           string `json:"timestamp"` // RFC 3339
}

// EntitlementChanged delivers one entitlement-change event. Callers run it
// off the hot path; delivery retries internally.
func (wn *WebhookNotifier) EntitlementChanged(ent models.Entitlement) {
	payload := WebhookPayload{
		Event:               "entitlement.updated",
		UserID:              ent.UserID,
		PlanID:              ent.PlanID,
		BillingInterval:     ent.BillingInterval,
		Status:              ent.Status,
		SourceTransactionID: ent.SourceTransactionID,
		Timestamp:           time.Now().Format(time.RFC3339),
	}
	if ent.ExpiresAt != nil {
		payload.ExpiresAt = ent.ExpiresAt.Format(time.RFC3339)
	}

	wn.sendWithRetry(payload)
}

// sendWithRetry delivers a webhook with a fixed retry ladder: 1s, 5s, 30s.
func (wn *WebhookNotifier) sendWithRetry(payload WebhookPayload) {
	retryDelays := []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}
	maxRetries := len(retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.send(payload)
		if err == nil {
			logging.Infof("Webhook delivered - transaction: %s, attempt: %d",
				payload.SourceTransactionID, attempt+1)
			return
		}

		logging.Errorf("Webhook delivery failed - transaction: %s, attempt: %d, error: %v",
			payload.SourceTransactionID, attempt+1, err)

		if attempt < maxRetries-1 {
			time.Sleep(retryDelays[attempt])
		}
	}

	logging.Errorf("Webhook delivery gave up after %d attempts - transaction: %s",
		maxRetries, payload.SourceTransactionID)
}

func (wn *WebhookNotifier) send(payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, wn.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EntitlementEngine-Webhook/1.0")

	if wn.secret != "" {
		req.Header.Set("X-Engine-Signature", wn.signature(jsonData))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (wn *WebhookNotifier) signature(payload []byte) string {
	h := hmac.New(sha256.New, []byte(wn.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
