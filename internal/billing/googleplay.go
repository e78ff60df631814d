package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"entitlement-engine/pkg/logging"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GooglePlayConfig holds the Play Developer API credentials.
type GooglePlayConfig struct {
	PackageName        string
	ServiceAccountJSON string
}

// GooglePlaySettler settles Android purchases by acknowledging them through
// the Play Developer API. Acknowledge is idempotent on Google's side; an
// "already acknowledged" response counts as success.
type GooglePlaySettler struct {
	cfg GooglePlayConfig
	svc *androidpublisher.Service
}

// NewGooglePlaySettler creates a Play Developer API backed settler.
func NewGooglePlaySettler(cfg GooglePlayConfig) (*GooglePlaySettler, error) {
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	if cfg.PackageName == "" {
		return nil, errors.New("GOOGLE_PLAY_PACKAGE_NAME is empty")
	}
	if strings.TrimSpace(cfg.ServiceAccountJSON) == "" {
		return nil, errors.New("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON is empty")
	}

	ctx := context.Background()
	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}

	return &GooglePlaySettler{cfg: cfg, svc: svc}, nil
}

// Settle acknowledges the subscription purchase identified by the record's
// purchase token.
func (s *GooglePlaySettler) Settle(ctx context.Context, rec PurchaseRecord) error {
	productID := strings.TrimSpace(rec.ProductID)
	token := strings.TrimSpace(rec.Proof)
	if productID == "" || token == "" {
		return errors.New("product_id and purchase_token are required")
	}

	req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
	err := s.svc.Purchases.Subscriptions.Acknowledge(s.cfg.PackageName, productID, token, req).
		Context(ctx).
		Do()
	if err != nil {
		if alreadyAcknowledged(err) {
			logging.Infof("Purchase %s already acknowledged, treating as settled", rec.TransactionID)
			return nil
		}
		return fmt.Errorf("google subscriptions.acknowledge: %w", err)
	}
	return nil
}

// alreadyAcknowledged detects the Play API responses that mean the purchase
// was settled by a previous attempt.
func alreadyAcknowledged(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusConflict {
		return true
	}
	return apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "already acknowledged")
}
