package fulfillment

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

// SuppressionChecker reports addresses that must not receive mail.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, email string) (bool, error)
}

type EmailConfig struct {
	BaseURL string
	APIKey  string
	From    string
	AppURL  string
	Breaker BreakerSettings
}

// EmailAdapter sends letters through a transactional email API.
type EmailAdapter struct {
	cfg          EmailConfig
	suppressions SuppressionChecker
	http         *httpProvider
}

func NewEmailAdapter(cfg EmailConfig, client *http.Client, suppressions SuppressionChecker) *EmailAdapter {
	if client == nil {
		client = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &EmailAdapter{
		cfg:          cfg,
		suppressions: suppressions,
		http:         &httpProvider{client: client, breaker: newBreaker("email", cfg.Breaker)},
	}
}

func (a *EmailAdapter) Channel() models.Channel { return models.ChannelEmail }

type emailRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []emailTag        `json:"tags,omitempty"`
}

type emailTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type emailResponse struct {
	ID string `json:"id"`
}

func (a *EmailAdapter) Send(ctx context.Context, idempotencyKey string, p Payload, r Recipient) (*Result, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(r.Email))
	if err != nil {
		return nil, Permanent("invalid_email", RemediationRecipient, err)
	}
	to := strings.ToLower(addr.Address)

	if a.suppressions != nil {
		suppressed, err := a.suppressions.IsSuppressed(ctx, to)
		if err != nil {
			return nil, Retryable("suppression_check_failed", err)
		}
		if suppressed {
			return nil, Permanent("recipient_suppressed", RemediationRecipient, nil)
		}
	}

	subject := models.EmailSubject(p.Title)
	var viewURL string
	if a.cfg.AppURL != "" {
		viewURL = fmt.Sprintf("%s/letters/%s", strings.TrimRight(a.cfg.AppURL, "/"), p.LetterID)
	}
	htmlBody, textBody, err := RenderEmail(subject, p, viewURL)
	if err != nil {
		return nil, Permanent("render_failed", RemediationSupport, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	header.Set("Idempotency-Key", idempotencyKey)

	var resp emailResponse
	err = a.http.post(ctx, a.cfg.BaseURL+"/emails", header, emailRequest{
		From:    a.cfg.From,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlBody,
		Text:    textBody,
		Headers: map[string]string{"X-Delivery-ID": p.DeliveryID},
		Tags:    []emailTag{{Name: "delivery_id", Value: p.DeliveryID}},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, Retryable("malformed_response", fmt.Errorf("provider returned no message id"))
	}
	return &Result{ExternalID: resp.ID}, nil
}
