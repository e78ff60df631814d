package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"entitlement-engine/internal/billing"
	"entitlement-engine/internal/config"
)

// VerifyErrorKind classifies verification failures.
type VerifyErrorKind int

const (
	// VerifyRetryable covers transport failures and 5xx responses; the
	// transaction goes back to pending and is retried with backoff.
	VerifyRetryable VerifyErrorKind = iota
	// VerifyRejected means the authority examined the proof and refused it.
	// Terminal for the transaction; no entitlement is granted.
	VerifyRejected
	// VerifyMalformedProof means the request could not even be built because
	// required fields were missing. Terminal, not retried.
	VerifyMalformedProof
)

// VerifyError is the typed failure returned by the verification client.
type VerifyError struct {
	Kind   VerifyErrorKind
	Reason string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("verification failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("verification failed: %s", e.Reason)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// EntitlementGrant is the authority's answer for a genuine purchase.
type EntitlementGrant struct {
	PlanID          string     `json:"plan_id"`
	BillingInterval string     `json:"billing_interval"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// Verifier confirms a transaction against the remote source of truth and maps
// it to an entitlement grant.
type Verifier interface {
	Verify(ctx context.Context, rec billing.PurchaseRecord) (*EntitlementGrant, error)
}

// VerificationClient calls the remote verification authority over HTTP. The
// authority upserts by transaction id on its side, so calling it twice for
// the same transaction is safe.
type VerificationClient struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

// NewVerificationClient creates a verification client from the app config.
func NewVerificationClient() *VerificationClient {
	return &VerificationClient{
		httpClient: &http.Client{
			Timeout: time.Duration(config.AppConfig.VerifyTimeoutSeconds) * time.Second,
		},
		url:    config.AppConfig.VerifyURL,
		apiKey: config.AppConfig.VerifyAPIKey,
	}
}

type verifyRequest struct {
	Platform      string `json:"platform"`
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Proof         string `json:"proof"`
	UserID        string `json:"user_id,omitempty"`
}

type verifyResponse struct {
	Verified        bool   `json:"verified"`
	PlanID          string `json:"plan_id"`
	BillingInterval string `json:"billing_interval"`
	ExpiresAt       string `json:"expires_at,omitempty"` // RFC 3339, absent for perpetual grants
	Reason          string `json:"reason,omitempty"`     // invalid, expired, refunded, duplicate
}

// Verify performs one remote verification call.
func (c *VerificationClient) Verify(ctx context.Context, rec billing.PurchaseRecord) (*EntitlementGrant, error) {
	if err := rec.Validate(); err != nil {
		return nil, &VerifyError{Kind: VerifyMalformedProof, Reason: "incomplete purchase record", Err: err}
	}

	body, err := json.Marshal(verifyRequest{
		Platform:      rec.Platform,
		ProductID:     rec.ProductID,
		TransactionID: rec.TransactionID,
		Proof:         rec.Proof,
		UserID:        rec.UserID,
	})
	if err != nil {
		return nil, &VerifyError{Kind: VerifyMalformedProof, Reason: "unencodable request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(body))
	if err != nil {
		return nil, &VerifyError{Kind: VerifyRetryable, Reason: "request build failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &VerifyError{Kind: VerifyRetryable, Reason: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VerifyError{Kind: VerifyRetryable, Reason: "unreadable response", Err: err}
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return nil, &VerifyError{
			Kind:   VerifyRetryable,
			Reason: fmt.Sprintf("authority returned status %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &VerifyError{
			Kind:   VerifyRejected,
			Reason: fmt.Sprintf("authority returned status %d", resp.StatusCode),
		}
	}

	var vr verifyResponse
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return nil, &VerifyError{Kind: VerifyRetryable, Reason: "unparseable response", Err: err}
	}

	if !vr.Verified {
		reason := vr.Reason
		if reason == "" {
			reason = "proof rejected"
		}
		return nil, &VerifyError{Kind: VerifyRejected, Reason: reason}
	}

	grant := &EntitlementGrant{
		PlanID:          vr.PlanID,
		BillingInterval: vr.BillingInterval,
	}
	if vr.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, vr.ExpiresAt)
		if err != nil {
			return nil, &VerifyError{Kind: VerifyRetryable, Reason: "unparseable expires_at", Err: err}
		}
		grant.ExpiresAt = &expires
	}
	return grant, nil
}
