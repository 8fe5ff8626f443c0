// Package grpc exposes letters, deliveries and entitlements to clients over
// gRPC with a JSON codec.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
	"google.golang.org/grpc"
)

type LetterService interface {
	Create(ctx context.Context, identityID string, in services.LetterInput) (*services.LetterView, error)
	Update(ctx context.Context, identityID, id string, in services.LetterInput) (*services.LetterView, error)
	Delete(ctx context.Context, identityID, id string) error
	Get(ctx context.Context, identityID, id string) (*services.LetterView, error)
	SetVisibility(ctx context.Context, identityID, id string, public bool) error
	Reveal(ctx context.Context, shareToken string) (*services.LetterView, error)
}

type DeliveryService interface {
	Schedule(ctx context.Context, identityID string, req services.ScheduleRequest) (*services.DeliveryView, error)
	Cancel(ctx context.Context, identityID, id string) error
	Reschedule(ctx context.Context, identityID, id string, deliverAt time.Time, timezone string) (*services.DeliveryView, error)
	List(ctx context.Context, identityID string) ([]*services.DeliveryView, error)
	AddShippingAddress(ctx context.Context, identityID string, in services.AddressInput) (*models.ShippingAddress, error)
}

type EntitlementService interface {
	Ensure(ctx context.Context, identityID string, plan models.PlanTier) error
	Snapshot(ctx context.Context, identityID string) (*models.Entitlement, error)
}

type GRPCServer struct {
	address      string
	letters      LetterService
	deliveries   DeliveryService
	entitlements EntitlementService
	logger       logging.Logger
	jwtSecret    []byte
}

func NewGRPCServer(a string, l logging.Logger, ls LetterService, ds DeliveryService, es EntitlementService, secretKey string) *GRPCServer {
	return &GRPCServer{
		address:      a,
		logger:       l.With("module", "grpc_server"),
		letters:      ls,
		deliveries:   ds,
		entitlements: es,
		jwtSecret:    []byte(secretKey),
	}
}

// NewServer builds a grpc.Server with the service and interceptors
// registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.accessTokenInterceptor))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, s)
	return srv
}

func (s *GRPCServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis until ctx is canceled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := s.NewServer()

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())

	if err := srv.Serve(lis); err != nil {
		return err
	}
	return nil
}
