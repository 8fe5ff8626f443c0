package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/auth"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ CapsuleServiceServer = (*GRPCServer)(nil)

func identity(ctx context.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFrom(ctx)
	if !ok {
		return auth.Identity{}, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	return id, nil
}

func (s *GRPCServer) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{Status: "OK"}, nil
}

func (s *GRPCServer) CreateLetter(ctx context.Context, req *CreateLetterRequest) (*LetterResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	v, err := s.letters.Create(ctx, id.ID, services.LetterInput{Title: req.Title, Content: req.Content, Format: req.Format})
	if err != nil {
		return nil, s.toStatus(ctx, "CreateLetter", err)
	}
	s.logger.Info(ctx, "letter created", "letter_id", v.ID)
	return &LetterResponse{Letter: v}, nil
}

func (s *GRPCServer) UpdateLetter(ctx context.Context, req *UpdateLetterRequest) (*LetterResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	v, err := s.letters.Update(ctx, id.ID, req.ID, services.LetterInput{Title: req.Title, Content: req.Content, Format: req.Format})
	if err != nil {
		return nil, s.toStatus(ctx, "UpdateLetter", err)
	}
	return &LetterResponse{Letter: v}, nil
}

func (s *GRPCServer) DeleteLetter(ctx context.Context, req *LetterRequest) (*Empty, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.letters.Delete(ctx, id.ID, req.ID); err != nil {
		return nil, s.toStatus(ctx, "DeleteLetter", err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) GetLetter(ctx context.Context, req *LetterRequest) (*LetterResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.letters.Get(ctx, id.ID, req.ID)
	if err != nil {
		return nil, s.toStatus(ctx, "GetLetter", err)
	}
	return &LetterResponse{Letter: v}, nil
}

func (s *GRPCServer) SetLetterVisibility(ctx context.Context, req *SetLetterVisibilityRequest) (*Empty, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.letters.SetVisibility(ctx, id.ID, req.ID, req.Public); err != nil {
		return nil, s.toStatus(ctx, "SetLetterVisibility", err)
	}
	return &Empty{}, nil
}

// RevealLetter needs no token; the share token is the capability.
func (s *GRPCServer) RevealLetter(ctx context.Context, req *RevealLetterRequest) (*LetterResponse, error) {
	v, err := s.letters.Reveal(ctx, req.ShareToken)
	if err != nil {
		return nil, s.toStatus(ctx, "RevealLetter", err)
	}
	return &LetterResponse{Letter: v}, nil
}

func (s *GRPCServer) ScheduleDelivery(ctx context.Context, req *ScheduleDeliveryRequest) (*DeliveryResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	v, err := s.deliveries.Schedule(ctx, id.ID, req.ScheduleRequest)
	if err != nil {
		return nil, s.toStatus(ctx, "ScheduleDelivery", err)
	}
	s.logger.Info(ctx, "delivery scheduled", "delivery_id", v.ID, "channel", v.Channel)
	return &DeliveryResponse{Delivery: v}, nil
}

func (s *GRPCServer) CancelDelivery(ctx context.Context, req *DeliveryRequest) (*Empty, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.deliveries.Cancel(ctx, id.ID, req.ID); err != nil {
		return nil, s.toStatus(ctx, "CancelDelivery", err)
	}
	return &Empty{}, nil
}

func (s *GRPCServer) RescheduleDelivery(ctx context.Context, req *RescheduleDeliveryRequest) (*DeliveryResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.deliveries.Reschedule(ctx, id.ID, req.ID, req.DeliverAt, req.Timezone)
	if err != nil {
		return nil, s.toStatus(ctx, "RescheduleDelivery", err)
	}
	return &DeliveryResponse{Delivery: v}, nil
}

func (s *GRPCServer) ListDeliveries(ctx context.Context, req *ListDeliveriesRequest) (*ListDeliveriesResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	list, err := s.deliveries.List(ctx, id.ID)
	if err != nil {
		return nil, s.toStatus(ctx, "ListDeliveries", err)
	}
	if list == nil {
		list = []*services.DeliveryView{}
	}
	return &ListDeliveriesResponse{Deliveries: list}, nil
}

func (s *GRPCServer) AddShippingAddress(ctx context.Context, req *AddShippingAddressRequest) (*ShippingAddressResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}
	a, err := s.deliveries.AddShippingAddress(ctx, id.ID, req.AddressInput)
	if err != nil {
		return nil, s.toStatus(ctx, "AddShippingAddress", err)
	}
	return &ShippingAddressResponse{ID: a.ID, Name: a.Name, City: a.City, PostalCode: a.PostalCode, Country: a.Country}, nil
}

// GetEntitlements creates an empty entry on first use, seeded with the plan
// asserted by the token.
func (s *GRPCServer) GetEntitlements(ctx context.Context, req *GetEntitlementsRequest) (*EntitlementsResponse, error) {
	id, err := identity(ctx)
	if err != nil {
		return nil, err
	}

	e, err := s.entitlements.Snapshot(ctx, id.ID)
	if errors.Is(err, common.ErrorNotFound) {
		if err = s.entitlements.Ensure(ctx, id.ID, id.PlanTier); err == nil {
			e, err = s.entitlements.Snapshot(ctx, id.ID)
		}
	}
	if err != nil {
		return nil, s.toStatus(ctx, "GetEntitlements", err)
	}

	return &EntitlementsResponse{
		Plan:               e.Plan,
		SubscriptionStatus: e.SubscriptionStatus,
		EmailCredits:       e.EmailCredits,
		PhysicalCredits:    e.PhysicalCredits,
		PhysicalMail:       models.AllotmentFor(e.Plan).PhysicalMail,
		CreditExpiresAt:    e.CreditExpiresAt,
		EmailsThisMonth:    e.EmailsThisMonth,
		MailsThisMonth:     e.MailsThisMonth,
	}, nil
}
