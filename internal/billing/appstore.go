package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"entitlement-engine/pkg/logging"
)

// AppStoreSettler settles iOS purchases through the store-facing finish
// bridge: StoreKit's finish call only exists on-device, so the engine posts
// the transaction id to the bridge endpoint the app exposes for it. The
// bridge answers 409 when the transaction was already finished, which is
// success here.
type AppStoreSettler struct {
	finishURL  string
	httpClient *http.Client
}

// NewAppStoreSettler creates a finish-bridge backed settler.
func NewAppStoreSettler(finishURL string) (*AppStoreSettler, error) {
	if finishURL == "" {
		return nil, errors.New("APPSTORE_FINISH_URL is empty")
	}
	return &AppStoreSettler{
		finishURL: finishURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type finishRequest struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
}

// Settle asks the bridge to finish the transaction.
func (s *AppStoreSettler) Settle(ctx context.Context, rec PurchaseRecord) error {
	body, err := json.Marshal(finishRequest{
		TransactionID: rec.TransactionID,
		ProductID:     rec.ProductID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal finish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.finishURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create finish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call finish bridge: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		logging.Infof("Transaction %s already finished, treating as settled", rec.TransactionID)
		return nil
	default:
		return fmt.Errorf("finish bridge returned status %d for transaction %s", resp.StatusCode, rec.TransactionID)
	}
}
