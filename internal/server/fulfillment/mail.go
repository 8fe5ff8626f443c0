package fulfillment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
)

// MaxInlineHTML is the largest document the print provider accepts inline.
const MaxInlineHTML = 10000

type MailConfig struct {
	BaseURL string
	APIKey  string
	// Sender is the return address printed on the envelope.
	Sender  models.ShippingAddress
	Breaker BreakerSettings
}

// MailAdapter prints and posts letters through a print-mail API.
type MailAdapter struct {
	cfg   MailConfig
	store DocumentStore
	http  *httpProvider
}

// NewMailAdapter builds the adapter. Without a store documents are sent
// inline and are limited to MaxInlineHTML characters.
func NewMailAdapter(cfg MailConfig, client *http.Client, store DocumentStore) *MailAdapter {
	if client == nil {
		client = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MailAdapter{
		cfg:   cfg,
		store: store,
		http:  &httpProvider{client: client, breaker: newBreaker("mail", cfg.Breaker)},
	}
}

func (a *MailAdapter) Channel() models.Channel { return models.ChannelMail }

type mailAddress struct {
	Name    string `json:"name"`
	Line1   string `json:"address_line1"`
	Line2   string `json:"address_line2,omitempty"`
	City    string `json:"address_city"`
	State   string `json:"address_state,omitempty"`
	ZIP     string `json:"address_zip"`
	Country string `json:"address_country"`
}

func toMailAddress(a models.ShippingAddress) mailAddress {
	return mailAddress{
		Name: a.Name, Line1: a.Line1, Line2: a.Line2, City: a.City,
		State: a.State, ZIP: a.PostalCode, Country: a.Country,
	}
}

type letterRequest struct {
	Description      string            `json:"description"`
	To               mailAddress       `json:"to"`
	From             *mailAddress      `json:"from,omitempty"`
	File             string            `json:"file"`
	Color            bool              `json:"color"`
	DoubleSided      bool              `json:"double_sided"`
	AddressPlacement string            `json:"address_placement"`
	MailType         string            `json:"mail_type"`
	UseType          string            `json:"use_type"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type letterResponse struct {
	ID                   string `json:"id"`
	ExpectedDeliveryDate string `json:"expected_delivery_date"`
	Carrier              string `json:"carrier"`
}

func (a *MailAdapter) Send(ctx context.Context, idempotencyKey string, p Payload, r Recipient) (*Result, error) {
	if r.Address == nil {
		return nil, invalidAddress("no shipping address")
	}
	to, err := NormalizeAddress(*r.Address)
	if err != nil {
		return nil, err
	}

	doc, err := RenderLetter(p)
	if err != nil {
		return nil, Permanent("render_failed", RemediationSupport, err)
	}

	file := doc
	if a.store != nil {
		if file, err = a.store.Put(ctx, p.DeliveryID, []byte(doc), "text/html"); err != nil {
			return nil, Retryable("document_upload_failed", err)
		}
	} else if n := utf8.RuneCountInString(doc); n > MaxInlineHTML {
		return nil, Permanent("document_too_large", RemediationShorten,
			fmt.Errorf("inline document has %d characters, limit is %d", n, MaxInlineHTML))
	}

	req := letterRequest{
		Description:      "CapsuleKeeper: " + p.Title,
		To:               toMailAddress(to),
		File:             file,
		Color:            p.PrintOptions.Color,
		DoubleSided:      p.PrintOptions.DoubleSided,
		AddressPlacement: "top_first_page",
		MailType:         "usps_first_class",
		UseType:          "operational",
		Metadata:         map[string]string{"delivery_id": p.DeliveryID},
	}
	if a.cfg.Sender.Line1 != "" {
		from := toMailAddress(a.cfg.Sender)
		req.From = &from
	}

	header := http.Header{}
	header.Set("Authorization", "Basic "+basicAuth(a.cfg.APIKey))
	header.Set("Idempotency-Key", idempotencyKey)

	var resp letterResponse
	if err := a.http.post(ctx, a.cfg.BaseURL+"/letters", header, req, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, Retryable("malformed_response", fmt.Errorf("provider returned no letter id"))
	}

	res := &Result{ExternalID: resp.ID, Metadata: map[string]string{}}
	if resp.ExpectedDeliveryDate != "" {
		res.Metadata["expected_delivery_date"] = resp.ExpectedDeliveryDate
	}
	if resp.Carrier != "" {
		res.Metadata["carrier"] = resp.Carrier
	}
	return res, nil
}
