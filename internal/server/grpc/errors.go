package grpc

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps service errors onto gRPC codes. Unknown errors are logged and
// returned as an opaque Internal.
func (s *GRPCServer) toStatus(ctx context.Context, method string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, common.ErrorNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrValidationFailed):
		code = codes.InvalidArgument
	case errors.Is(err, common.ErrInsufficientCredits),
		errors.Is(err, common.ErrInvalidTransition),
		errors.Is(err, common.ErrLetterLocked):
		code = codes.FailedPrecondition
	case errors.Is(err, common.ErrPlanNotEligible):
		code = codes.PermissionDenied
	case errors.Is(err, common.ErrActiveDeliveryExists):
		code = codes.AlreadyExists
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrorUnauthorized):
		code = codes.Unauthenticated
	default:
		s.logger.Error(ctx, "request failed", "method", method, "error", err)
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
