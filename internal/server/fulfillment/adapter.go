// Package fulfillment sends letters through external email and print-mail
// providers and classifies their failures.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/sony/gobreaker"
)

// Payload is the decrypted letter being delivered. It lives only for the
// duration of one attempt.
type Payload struct {
	DeliveryID   string
	LetterID     string
	Title        string
	Content      models.LetterContent
	WrittenAt    time.Time
	DeliverAt    time.Time
	PrintOptions models.PrintOptions
}

// Recipient is where the letter goes: an email address or a postal address,
// depending on the channel.
type Recipient struct {
	Email   string
	Address *models.ShippingAddress
}

type Result struct {
	ExternalID string
	Metadata   map[string]string
}

// Adapter delivers one letter on one channel. Send must be safe to repeat
// with the same idempotency key.
type Adapter interface {
	Channel() models.Channel
	Send(ctx context.Context, idempotencyKey string, p Payload, r Recipient) (*Result, error)
}

// BreakerSettings configures the per-adapter circuit breaker.
type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func newBreaker(name string, s BreakerSettings) *gobreaker.CircuitBreaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider-" + name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		// A rejected letter says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})
}

// httpProvider is the JSON-over-HTTP client shared by both adapters.
type httpProvider struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// post sends body as JSON through the breaker and decodes a 2xx response
// into out.
func (p *httpProvider) post(ctx context.Context, url string, header http.Header, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return Permanent("encode_failed", RemediationSupport, err)
	}

	_, err = p.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, Permanent("bad_request", RemediationSupport, err)
		}
		req.Header = header.Clone()
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, ClassifyHTTP(0, nil, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, ClassifyHTTP(0, nil, err)
		}
		if err := ClassifyHTTP(resp.StatusCode, respBody, nil); err != nil {
			return nil, err
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return nil, Retryable("malformed_response", err)
			}
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryable("circuit_open", fmt.Errorf("%s: %w", p.breaker.Name(), err))
	}
	return err
}

// basicAuth encodes an API key as the user part of HTTP basic credentials.
func basicAuth(apiKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(apiKey + ":"))
}
