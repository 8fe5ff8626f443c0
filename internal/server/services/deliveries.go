package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/dbx"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
	"github.com/google/uuid"
)

// ScheduleRequest asks for one delivery of a letter on one channel.
type ScheduleRequest struct {
	LetterID          string              `json:"letter_id" validate:"required"`
	Channel           models.Channel      `json:"channel" validate:"required,oneof=email mail"`
	DeliverAt         time.Time           `json:"deliver_at" validate:"required"`
	Timezone          string              `json:"timezone" validate:"omitempty,timezone"`
	ToEmail           string              `json:"to_email,omitempty" validate:"omitempty,email"`
	ShippingAddressID string              `json:"shipping_address_id,omitempty"`
	PrintOptions      models.PrintOptions `json:"print_options"`
}

// AddressInput is a new shipping address. Normalization happens when the
// letter is mailed.
type AddressInput struct {
	Name       string `json:"name" validate:"required,max=200"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,len=2"`
}

// DeliveryView is a delivery as shown to its owner.
type DeliveryView struct {
	ID                   string                `json:"id"`
	LetterID             string                `json:"letter_id"`
	Channel              models.Channel        `json:"channel"`
	Status               models.DeliveryStatus `json:"status"`
	DeliverAt            time.Time             `json:"deliver_at"`
	Timezone             string                `json:"timezone,omitempty"`
	AttemptCount         int                   `json:"attempt_count"`
	FailureKind          models.FailureKind    `json:"failure_kind,omitempty"`
	FailureReason        string                `json:"failure_reason,omitempty"`
	Remediation          string                `json:"remediation,omitempty"`
	CanRetry             bool                  `json:"can_retry"`
	ToEmail              string                `json:"to_email,omitempty"`
	TrackingStatus       string                `json:"tracking_status,omitempty"`
	ExpectedDeliveryDate string                `json:"expected_delivery_date,omitempty"`
}

func NewDeliveryView(d *models.Delivery) *DeliveryView {
	v := &DeliveryView{
		ID:           d.ID,
		LetterID:     d.LetterID,
		Channel:      d.Channel,
		Status:       d.Status,
		DeliverAt:    d.DeliverAt,
		Timezone:     d.Timezone,
		AttemptCount: d.AttemptCount,
		CanRetry:     d.CanRetry(),
	}
	if d.Status == models.StatusFailed {
		v.FailureKind = d.FailureKind
		v.FailureReason = d.LastError
		v.Remediation = d.Remediation
	}
	if d.Email != nil {
		v.ToEmail = d.Email.ToEmail
	}
	if d.Mail != nil {
		v.TrackingStatus = d.Mail.TrackingStatus
		v.ExpectedDeliveryDate = d.Mail.ExpectedDeliveryDate
	}
	return v
}

type DeliveryService struct {
	repos  repomanager.RepositoryManager
	ledger *EntitlementLedger
	audit  *audit.Emitter
	now    timex.Clock
	logger logging.Logger
}

func NewDeliveryService(repos repomanager.RepositoryManager, ledger *EntitlementLedger, emitter *audit.Emitter,
	now timex.Clock, logger logging.Logger) *DeliveryService {
	return &DeliveryService{repos: repos, ledger: ledger, audit: emitter, now: now, logger: logger.With("module", "deliveries")}
}

func (s *DeliveryService) validateSchedule(req *ScheduleRequest, now time.Time) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if !req.DeliverAt.After(now) {
		return fmt.Errorf("%w: deliver_at must be in the future", common.ErrValidationFailed)
	}
	switch req.Channel {
	case models.ChannelEmail:
		if req.ToEmail == "" {
			return fmt.Errorf("%w: to_email is required for email deliveries", common.ErrValidationFailed)
		}
		addr, err := mail.ParseAddress(req.ToEmail)
		if err != nil {
			return fmt.Errorf("%w: to_email: %v", common.ErrValidationFailed, err)
		}
		req.ToEmail = strings.ToLower(addr.Address)
	case models.ChannelMail:
		if req.ShippingAddressID == "" {
			return fmt.Errorf("%w: shipping_address_id is required for mail deliveries", common.ErrValidationFailed)
		}
	}
	return nil
}

// Schedule reserves a credit and creates the delivery atomically, holding the
// letter row lock.
func (s *DeliveryService) Schedule(ctx context.Context, identityID string, req ScheduleRequest) (*DeliveryView, error) {
	now := s.now()
	if err := s.validateSchedule(&req, now); err != nil {
		return nil, err
	}

	deliverAt := req.DeliverAt.UTC()
	d := &models.Delivery{
		ID:            uuid.NewString(),
		LetterID:      req.LetterID,
		IdentityID:    identityID,
		Channel:       req.Channel,
		Status:        models.StatusScheduled,
		DeliverAt:     deliverAt,
		Timezone:      req.Timezone,
		NextAttemptAt: deliverAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		// Held until commit so a concurrent letter edit or delete sees this
		// delivery in its active-delivery guard.
		letter, err := s.repos.Letters(tx).GetForUpdate(ctx, req.LetterID)
		if err != nil {
			return err
		}
		if _, err := ownedLetter(letter, identityID); err != nil {
			return err
		}

		switch req.Channel {
		case models.ChannelEmail:
			d.Email = &models.EmailDelivery{ToEmail: req.ToEmail, Subject: models.EmailSubject(letter.Title)}
		case models.ChannelMail:
			addr, err := s.repos.Addresses(tx).Get(ctx, req.ShippingAddressID)
			if err != nil {
				return err
			}
			if addr.IdentityID != identityID {
				return common.ErrorNotFound
			}
			d.Mail = &models.MailDelivery{ShippingAddressID: addr.ID, PrintOptions: req.PrintOptions}
		}

		res, err := s.ledger.CheckAndReserve(ctx, tx, identityID, req.Channel)
		if err != nil {
			return err
		}
		d.CreditPeriodEnd = res.PeriodEnd
		if err := s.repos.Deliveries(tx).Create(ctx, d); err != nil {
			return err
		}
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.DeliveryScheduled, map[string]any{
			"delivery_id": d.ID,
			"letter_id":   d.LetterID,
			"channel":     string(d.Channel),
			"deliver_at":  deliverAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}
	s.ledger.Invalidate(ctx, identityID)

	s.logger.Info(ctx, "delivery scheduled", "delivery_id", d.ID, "channel", d.Channel)
	return NewDeliveryView(d), nil
}

// Cancel moves a scheduled delivery to canceled. The credit goes back only
// when no dispatch attempt ever started and its billing period is still
// current: a delivery back in scheduled after a failed attempt already
// reached the provider.
func (s *DeliveryService) Cancel(ctx context.Context, identityID, id string) error {
	err := s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := s.owned(ctx, tx, identityID, id)
		if err != nil {
			return err
		}
		c, err := s.repos.Deliveries(tx).Cancel(ctx, id, identityID, s.now())
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: delivery is %s", common.ErrInvalidTransition, d.Status)
		}
		refunded := false
		if c.Refundable {
			res := &models.Reservation{IdentityID: identityID, Channel: d.Channel, PeriodEnd: c.CreditPeriodEnd}
			if refunded, err = s.ledger.Release(ctx, tx, res); err != nil {
				return err
			}
		}
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.DeliveryCanceled,
			map[string]any{"delivery_id": id, "channel": string(d.Channel), "credit_refunded": refunded})
	})
	if err != nil {
		return err
	}
	s.ledger.Invalidate(ctx, identityID)
	return nil
}

// Reschedule moves the send time of a scheduled delivery. The new time must
// be in the future.
func (s *DeliveryService) Reschedule(ctx context.Context, identityID, id string, deliverAt time.Time, timezone string) (*DeliveryView, error) {
	now := s.now()
	if !deliverAt.After(now) {
		return nil, fmt.Errorf("%w: deliver_at must be in the future", common.ErrValidationFailed)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("%w: timezone: %v", common.ErrValidationFailed, err)
		}
	}

	var out *models.Delivery
	err := s.repos.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		d, err := s.owned(ctx, tx, identityID, id)
		if err != nil {
			return err
		}
		ok, err := s.repos.Deliveries(tx).Reschedule(ctx, id, identityID, deliverAt.UTC(), timezone, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: delivery is %s", common.ErrInvalidTransition, d.Status)
		}
		if out, err = s.repos.Deliveries(tx).Get(ctx, id); err != nil {
			return err
		}
		return s.audit.Emit(ctx, s.repos.AuditEvents(tx), identityID, audit.DeliveryRescheduled, map[string]any{
			"delivery_id": id,
			"deliver_at":  deliverAt.UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return nil, err
	}
	return NewDeliveryView(out), nil
}

func (s *DeliveryService) List(ctx context.Context, identityID string) ([]*DeliveryView, error) {
	list, err := s.repos.Deliveries(s.repos.Conn()).ListByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	views := make([]*DeliveryView, 0, len(list))
	for _, d := range list {
		views = append(views, NewDeliveryView(d))
	}
	return views, nil
}

func (s *DeliveryService) Get(ctx context.Context, identityID, id string) (*DeliveryView, error) {
	d, err := s.owned(ctx, s.repos.Conn(), identityID, id)
	if err != nil {
		return nil, err
	}
	return NewDeliveryView(d), nil
}

func (s *DeliveryService) AddShippingAddress(ctx context.Context, identityID string, in AddressInput) (*models.ShippingAddress, error) {
	if err := validateRequest(in); err != nil {
		return nil, err
	}
	a := &models.ShippingAddress{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Name:       in.Name,
		Line1:      in.Line1,
		Line2:      in.Line2,
		City:       in.City,
		State:      in.State,
		PostalCode: in.PostalCode,
		Country:    strings.ToUpper(in.Country),
		CreatedAt:  s.now(),
	}
	if err := s.repos.Addresses(s.repos.Conn()).Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *DeliveryService) owned(ctx context.Context, db dbx.DBTX, identityID, id string) (*models.Delivery, error) {
	d, err := s.repos.Deliveries(db).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IdentityID != identityID {
		return nil, common.ErrorNotFound
	}
	return d, nil
}
