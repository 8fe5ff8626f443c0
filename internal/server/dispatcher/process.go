package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/fulfillment"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/notify"
	"github.com/sethvargo/go-retry"
)

const (
	reasonDecryption  = "letter could not be decrypted"
	reasonMissing     = "letter or shipping address no longer exists"
	persistRetries    = 3
	persistRetryDelay = 50 * time.Millisecond
)

// IdempotencyKey is sent with every provider call. It is stable across a
// crash-and-release of the same attempt.
func IdempotencyKey(deliveryID string, attempt int) string {
	return fmt.Sprintf("delivery-%s-attempt-%d", deliveryID, attempt)
}

// Backoff is the delay before retry number attempt+1: BaseDelay doubled per
// attempt, capped at MaxDelay.
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxDelay {
			return d.cfg.MaxDelay
		}
	}
	if delay > d.cfg.MaxDelay {
		return d.cfg.MaxDelay
	}
	return delay
}

// job is everything one attempt needs, loaded after a successful claim.
type job struct {
	delivery *models.Delivery
	letter   *models.Letter
	address  *models.ShippingAddress
}

// Process claims one delivery and runs a single attempt. It returns the
// outcome; an error means the delivery was left for stale-claim recovery.
func (d *Dispatcher) Process(ctx context.Context, id string) (string, error) {
	repos := d.repos
	ok, err := repos.Deliveries(repos.Conn()).Claim(ctx, id, d.now())
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		d.metrics.Deliveries.WithLabelValues("", OutcomeLostRace).Inc()
		return OutcomeLostRace, nil
	}

	j, err := d.load(ctx, id)
	if errors.Is(err, common.ErrorNotFound) && j.delivery != nil {
		return d.fail(ctx, j.delivery, models.Failure{
			Kind: models.FailurePermanent, Reason: reasonMissing, Remediation: fulfillment.RemediationSupport,
		}, false)
	}
	if err != nil {
		return OutcomeError, err
	}
	dl := j.delivery
	logger := d.logger.With("delivery_id", dl.ID, "channel", string(dl.Channel), "attempt", dl.AttemptCount)

	if dl.AttemptCount == 0 {
		res := &models.Reservation{IdentityID: dl.IdentityID, Channel: dl.Channel}
		if err := d.ledger.Commit(ctx, repos.Conn(), res, dl.ID); err != nil {
			logger.Warn(ctx, "credit commit marker not written", "error", err)
		}
	}

	var content models.LetterContent
	err = d.vault.DecryptJSON(&cryptox.Sealed{
		Ciphertext: j.letter.BodyCiphertext,
		Nonce:      j.letter.BodyNonce,
		KeyVersion: j.letter.KeyVersion,
	}, &content)
	if err != nil {
		logger.Error(ctx, "letter decryption failed", "letter_id", dl.LetterID, "key_version", j.letter.KeyVersion)
		return d.fail(ctx, dl, models.Failure{
			Kind: models.FailurePermanent, Reason: reasonDecryption, Remediation: fulfillment.RemediationSupport,
		}, false)
	}

	key := IdempotencyKey(dl.ID, dl.AttemptCount)
	result, sendErr := d.send(ctx, j, content, key)
	if sendErr == nil {
		return d.succeed(ctx, dl, key, result)
	}

	reason := audit.SanitizeError(sendErr.Error())
	if fe, ok := fulfillment.AsError(sendErr); ok && fe.Permanent {
		logger.Warn(ctx, "permanent delivery failure", "reason", reason)
		return d.fail(ctx, dl, models.Failure{
			Kind: models.FailurePermanent, Reason: reason, Remediation: fe.Remediation,
		}, true)
	}

	if dl.AttemptCount+1 >= d.cfg.MaxAttempts {
		logger.Warn(ctx, "delivery retries exhausted", "reason", reason)
		return d.fail(ctx, dl, models.Failure{Kind: models.FailureExhausted, Reason: reason}, true)
	}
	return d.retry(ctx, dl, key, reason)
}

func (d *Dispatcher) load(ctx context.Context, id string) (job, error) {
	var j job
	conn := d.repos.Conn()

	dl, err := d.repos.Deliveries(conn).Get(ctx, id)
	if err != nil {
		return j, err
	}
	j.delivery = dl

	if j.letter, err = d.repos.Letters(conn).Get(ctx, dl.LetterID); err != nil {
		return j, err
	}
	if j.letter.DeletedAt != nil {
		return j, common.ErrorNotFound
	}
	if dl.Channel == models.ChannelMail {
		if dl.Mail == nil {
			return j, common.ErrorNotFound
		}
		if j.address, err = d.repos.Addresses(conn).Get(ctx, dl.Mail.ShippingAddressID); err != nil {
			return j, err
		}
	}
	return j, nil
}

func (d *Dispatcher) send(ctx context.Context, j job, content models.LetterContent, key string) (*fulfillment.Result, error) {
	dl := j.delivery
	adapter, ok := d.adapters[dl.Channel]
	if !ok {
		return nil, fulfillment.Retryable("channel_unavailable", fmt.Errorf("no adapter for %s", dl.Channel))
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, fulfillment.Retryable("rate_limit_wait", err)
	}

	payload := fulfillment.Payload{
		DeliveryID: dl.ID,
		LetterID:   dl.LetterID,
		Title:      j.letter.Title,
		Content:    content,
		WrittenAt:  j.letter.CreatedAt,
		DeliverAt:  dl.DeliverAt,
	}
	var to fulfillment.Recipient
	if dl.Email != nil {
		to.Email = dl.Email.ToEmail
	}
	if dl.Mail != nil {
		payload.PrintOptions = dl.Mail.PrintOptions
		to.Address = j.address
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Send(sendCtx, key, payload, to)
	d.metrics.SendDuration.WithLabelValues(string(dl.Channel)).Observe(time.Since(start).Seconds())
	if err == nil && (res == nil || res.ExternalID == "") {
		err = fulfillment.Retryable("malformed_response", errors.New("adapter returned no external id"))
	}
	return res, err
}

var errLostRace = errors.New("delivery changed state during attempt")

// succeed records the send. The provider call is never repeated here, so the
// write itself is retried on transient database errors.
func (d *Dispatcher) succeed(ctx context.Context, dl *models.Delivery, key string, res *fulfillment.Result) (string, error) {
	now := d.now()
	backoff := retry.WithMaxRetries(persistRetries, retry.NewExponential(persistRetryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := d.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
			repo := d.repos.Deliveries(tx)
			ok, err := repo.MarkSent(ctx, dl.ID, res.ExternalID, key, now)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
			if date := res.Metadata["expected_delivery_date"]; date != "" && dl.Channel == models.ChannelMail {
				if err := repo.SetExpectedDeliveryDate(ctx, dl.ID, date); err != nil {
					return err
				}
			}
			return d.audit.Emit(ctx, d.repos.AuditEvents(tx), dl.IdentityID, audit.DeliverySent, map[string]any{
				"delivery_id": dl.ID,
				"letter_id":   dl.LetterID,
				"channel":     string(dl.Channel),
				"external_id": res.ExternalID,
				"attempt":     dl.AttemptCount + 1,
			})
		})
		if err == nil || errors.Is(err, errLostRace) {
			return err
		}
		return retry.RetryableError(err)
	})
	if errors.Is(err, errLostRace) {
		d.logger.Warn(ctx, "delivery sent but state changed concurrently", "delivery_id", dl.ID, "external_id", res.ExternalID)
		d.metrics.Deliveries.WithLabelValues(string(dl.Channel), OutcomeLostRace).Inc()
		return OutcomeLostRace, nil
	}
	if err != nil {
		d.logger.Error(ctx, "delivery sent but not recorded", "delivery_id", dl.ID, "external_id", res.ExternalID, "error", err)
		d.metrics.Deliveries.WithLabelValues(string(dl.Channel), OutcomeError).Inc()
		return OutcomeError, err
	}

	d.metrics.Deliveries.WithLabelValues(string(dl.Channel), OutcomeSent).Inc()
	d.publish(ctx, dl, notify.DeliveryCompleted, "")
	d.logger.Info(ctx, "delivery sent", "delivery_id", dl.ID, "channel", string(dl.Channel), "external_id", res.ExternalID)
	return OutcomeSent, nil
}

func (d *Dispatcher) retry(ctx context.Context, dl *models.Delivery, key, reason string) (string, error) {
	now := d.now()
	next := now.Add(d.Backoff(dl.AttemptCount))

	ok, err := d.repos.Deliveries(d.repos.Conn()).ScheduleRetry(ctx, dl.ID, reason, key, next, now)
	if err != nil {
		return OutcomeError, err
	}
	if !ok {
		d.logger.Warn(ctx, "retry not scheduled, delivery changed state", "delivery_id", dl.ID)
		return OutcomeLostRace, nil
	}
	d.metrics.Deliveries.WithLabelValues(string(dl.Channel), OutcomeRetried).Inc()
	d.logger.Info(ctx, "delivery retry scheduled", "delivery_id", dl.ID, "next_attempt_at", next, "reason", reason)
	return OutcomeRetried, nil
}

// fail moves the delivery to failed and records it. countAttempt is false
// when no provider call was made.
func (d *Dispatcher) fail(ctx context.Context, dl *models.Delivery, f models.Failure, countAttempt bool) (string, error) {
	lost := false
	err := d.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		ok, err := d.repos.Deliveries(tx).MarkFailed(ctx, dl.ID, f, countAttempt, d.now())
		if err != nil {
			return err
		}
		if !ok {
			lost = true
			return nil
		}
		return d.audit.Emit(ctx, d.repos.AuditEvents(tx), dl.IdentityID, audit.DeliveryFailed, map[string]any{
			"delivery_id":  dl.ID,
			"letter_id":    dl.LetterID,
			"channel":      string(dl.Channel),
			"failure_kind": string(f.Kind),
			"reason":       f.Reason,
		})
	})
	if err != nil {
		return OutcomeError, err
	}
	if lost {
		d.logger.Warn(ctx, "failure not recorded, delivery changed state", "delivery_id", dl.ID)
		return OutcomeLostRace, nil
	}

	d.metrics.Deliveries.WithLabelValues(string(dl.Channel), OutcomeFailed).Inc()
	d.publish(ctx, dl, notify.DeliveryFailed, f.Reason)
	return OutcomeFailed, nil
}

func (d *Dispatcher) publish(ctx context.Context, dl *models.Delivery, eventType, reason string) {
	err := d.publisher.Publish(ctx, notify.Event{
		Type:       eventType,
		DeliveryID: dl.ID,
		LetterID:   dl.LetterID,
		IdentityID: dl.IdentityID,
		Channel:    string(dl.Channel),
		Reason:     reason,
		OccurredAt: d.now(),
	})
	if err != nil {
		d.logger.Warn(ctx, "notification not published", "delivery_id", dl.ID, "type", eventType, "error", err)
	}
}
