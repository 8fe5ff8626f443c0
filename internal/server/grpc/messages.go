package grpc

import (
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
)

type Empty struct{}

type PingRequest struct{}

type PingResponse struct {
	Status string `json:"status"`
}

type CreateLetterRequest struct {
	Title   string               `json:"title"`
	Format  string               `json:"format,omitempty"`
	Content models.LetterContent `json:"content"`
}

type UpdateLetterRequest struct {
	ID      string               `json:"id"`
	Title   string               `json:"title"`
	Format  string               `json:"format,omitempty"`
	Content models.LetterContent `json:"content"`
}

type LetterRequest struct {
	ID string `json:"id"`
}

type SetLetterVisibilityRequest struct {
	ID     string `json:"id"`
	Public bool   `json:"public"`
}

type RevealLetterRequest struct {
	ShareToken string `json:"share_token"`
}

type LetterResponse struct {
	Letter *services.LetterView `json:"letter"`
}

type ScheduleDeliveryRequest struct {
	services.ScheduleRequest
}

type DeliveryRequest struct {
	ID string `json:"id"`
}

type RescheduleDeliveryRequest struct {
	ID        string    `json:"id"`
	DeliverAt time.Time `json:"deliver_at"`
	Timezone  string    `json:"timezone"`
}

type DeliveryResponse struct {
	Delivery *services.DeliveryView `json:"delivery"`
}

type ListDeliveriesRequest struct{}

type ListDeliveriesResponse struct {
	Deliveries []*services.DeliveryView `json:"deliveries"`
}

type AddShippingAddressRequest struct {
	services.AddressInput
}

type ShippingAddressResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type GetEntitlementsRequest struct{}

type EntitlementsResponse struct {
	Plan               models.PlanTier `json:"plan"`
	SubscriptionStatus string          `json:"subscription_status,omitempty"`
	EmailCredits       int             `json:"email_credits"`
	PhysicalCredits    int             `json:"physical_credits"`
	PhysicalMail       bool            `json:"physical_mail"`
	CreditExpiresAt    *time.Time      `json:"credit_expires_at,omitempty"`
	EmailsThisMonth    int             `json:"emails_this_month"`
	MailsThisMonth     int             `json:"mails_this_month"`
}
