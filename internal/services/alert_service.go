package services

import (
	"context"
	"fmt"
	"time"

	"entitlement-engine/internal/config"
	"entitlement-engine/internal/models"
	"entitlement-engine/pkg/logging"

	brevo "github.com/getbrevo/brevo-go/lib"
)

// AlertService emails the operator when a transaction is abandoned. An
// abandoned transaction is the one state in the pipeline that requires human
// intervention: verification retries are exhausted and the purchase is
// neither granted nor rejected.
type AlertService struct {
	api       *brevo.APIClient
	fromEmail string
	fromName  string
	toEmail   string
}

// NewAlertService creates the Brevo-backed alerter. Returns nil when alerting
// is not configured; the engine accepts a nil alerter.
func NewAlertService() *AlertService {
	cfg := config.AppConfig
	if cfg.BrevoAPIKey == "" || cfg.AlertEmail == "" {
		logging.Warnf("Operator alerting not configured (BREVO_API_KEY / ALERT_EMAIL missing)")
		return nil
	}

	apiCfg := brevo.NewConfiguration()
	apiCfg.AddDefaultHeader("api-key", cfg.BrevoAPIKey)

	return &AlertService{
		api:       brevo.NewAPIClient(apiCfg),
		fromEmail: cfg.BrevoFromEmail,
		fromName:  cfg.BrevoFromName,
		toEmail:   cfg.AlertEmail,
	}
}

// TransactionAbandoned sends the operator alert for an abandoned transaction.
func (s *AlertService) TransactionAbandoned(tx *models.Transaction) {
	subject := fmt.Sprintf("[%s] Transaction %s abandoned", config.AppConfig.ServiceName, tx.TransactionID)
	text := fmt.Sprintf(
		"Transaction %s (product %s, platform %s) was abandoned after %d verification attempts.\n\nLast error: %s\n\nThe purchase was neither granted nor rejected and needs manual reconciliation.",
		tx.TransactionID, tx.ProductID, tx.Platform, tx.VerificationAttempts, tx.LastError,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	email := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Email: s.fromEmail,
			Name:  s.fromName,
		},
		To: []brevo.SendSmtpEmailTo{
			{Email: s.toEmail},
		},
		Subject:     subject,
		TextContent: text,
	}

	if _, _, err := s.api.TransactionalEmailsApi.SendTransacEmail(ctx, email); err != nil {
		logging.Errorf("Failed to send abandonment alert for transaction %s: %v", tx.TransactionID, err)
		return
	}
	logging.Infof("Abandonment alert sent for transaction %s", tx.TransactionID)
}
