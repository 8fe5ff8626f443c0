package grpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dmitrijs2005/capsulekeeper/internal/common"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	s := newTestServer("secret")

	tests := []struct {
		err  error
		want codes.Code
	}{
		{common.ErrorNotFound, codes.NotFound},
		{fmt.Errorf("%w: title (required)", common.ErrValidationFailed), codes.InvalidArgument},
		{common.ErrInsufficientCredits, codes.FailedPrecondition},
		{fmt.Errorf("%w: delivery is sent", common.ErrInvalidTransition), codes.FailedPrecondition},
		{common.ErrLetterLocked, codes.FailedPrecondition},
		{common.ErrPlanNotEligible, codes.PermissionDenied},
		{common.ErrActiveDeliveryExists, codes.AlreadyExists},
		{errors.New("pq: connection refused"), codes.Internal},
	}
	for _, tt := range tests {
		err := s.toStatus(context.Background(), "Test", tt.err)
		if status.Code(err) != tt.want {
			t.Errorf("%v: code = %v, want %v", tt.err, status.Code(err), tt.want)
		}
	}

	err := s.toStatus(context.Background(), "Test", errors.New("dsn=postgres://secret"))
	if status.Convert(err).Message() != "internal error" {
		t.Fatalf("internal errors must be opaque, got %q", status.Convert(err).Message())
	}
}
