package webhooks

import (
	"testing"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmailEvent(t *testing.T) {
	body := []byte(`{"type":"email.bounced","created_at":"2026-05-01T09:59:00Z",
		"data":{"email_id":"em_1","to":["Me@Example.com"],"bounce":{"message":"mailbox full"}}}`)

	ev, err := ParseEmailEvent("msg_1", body, signedAt)
	require.NoError(t, err)
	assert.Equal(t, &EmailEvent{
		ID:         "msg_1",
		Type:       EmailBounced,
		ExternalID: "em_1",
		Recipient:  "Me@Example.com",
		Reason:     "mailbox full",
		OccurredAt: time.Date(2026, 5, 1, 9, 59, 0, 0, time.UTC),
	}, ev)

	_, err = ParseEmailEvent("", body, signedAt)
	assert.Error(t, err)
	_, err = ParseEmailEvent("msg_1", []byte(`{"type":"email.opened","data":{}}`), signedAt)
	assert.Error(t, err)
	_, err = ParseEmailEvent("msg_1", []byte(`not json`), signedAt)
	assert.Error(t, err)
}

func TestParseMailEvent(t *testing.T) {
	body := []byte(`{"id":"evt_1","event_type":{"id":"letter.processed_for_delivery"},
		"date_created":"2026-05-01T08:00:00Z",
		"body":{"id":"ltr_1","expected_delivery_date":"2026-05-03",
			"tracking_events":[{"location":"60601","time":"2026-05-01T07:00:00Z"},{"location":"62701","time":"2026-05-01T07:30:00Z"}]}}`)

	ev, err := ParseMailEvent(body, signedAt)
	require.NoError(t, err)
	assert.Equal(t, "out_for_delivery", ev.Status)
	assert.Equal(t, "ltr_1", ev.ExternalID)
	assert.Equal(t, "62701", ev.Location)
	assert.Equal(t, "2026-05-03", ev.ExpectedDeliveryDate)
	assert.Equal(t, time.Date(2026, 5, 1, 7, 30, 0, 0, time.UTC), ev.OccurredAt)

	ev, err = ParseMailEvent([]byte(`{"id":"evt_2","event_type":{"id":"postcard.created"},"body":{"id":"psc_1"}}`), signedAt)
	require.NoError(t, err)
	assert.Empty(t, ev.Status)
	assert.Equal(t, signedAt, ev.OccurredAt)
}

func TestParseSubscriptionEvent(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"customer.subscription.deleted","data":{"object":{
		"customer":"cus_1","status":"active","current_period_end":1780000000,
		"metadata":{"identity_id":"u1","plan_tier":"paper_pixels"}}}}`)

	ev, err := ParseSubscriptionEvent(body)
	require.NoError(t, err)
	assert.Equal(t, "deleted", ev.Type)
	assert.Equal(t, models.SubscriptionCanceled, ev.Status)
	assert.Equal(t, models.PlanPaperPixels, ev.Plan)
	assert.Equal(t, "u1", ev.IdentityID)
	assert.Equal(t, time.Unix(1780000000, 0).UTC(), ev.PeriodEnd)

	ev, err = ParseSubscriptionEvent([]byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = ParseSubscriptionEvent([]byte(`{"id":"evt_3","type":"customer.subscription.updated","data":{"object":{}}}`))
	assert.Error(t, err)
}
