// Package grpc exposes the orchestrator over gRPC.
//
// Requests are validated here, before they reach the orchestrator, and
// orchestrator errors are mapped to stable status codes so clients can
// branch on the code instead of the message.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
)

var requestValidate = newRequestValidator()

// newRequestValidator reports fields by their json names.
func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// =============================================================================
// REQUEST VALIDATION
// =============================================================================

// validateRequest checks struct tags and returns InvalidArgument naming the
// first offending field.
func validateRequest(req any) error {
	err := requestValidate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		if fe.Tag() == "required" || fe.Tag() == "min" {
			return InvalidArgument(field)
		}
		return status.Errorf(codes.InvalidArgument, "%s is invalid: %s", field, fe.Tag())
	}
	return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
}

// =============================================================================
// ERROR CODES
// =============================================================================

// InvalidArgument returns a gRPC InvalidArgument error.
// Use for malformed or missing required fields.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound returns a gRPC NotFound error.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an internal error with context.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// FailedPrecondition returns an error for operations the current state
// does not allow.
func FailedPrecondition(resource, currentState, attemptedAction string) error {
	return status.Errorf(codes.FailedPrecondition,
		"%s in state %s cannot %s", resource, currentState, attemptedAction)
}

// ResourceExhausted returns an error for quota/limit violations.
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted,
		"%s limit exceeded: %s", resourceType, limit)
}

// toStatus maps orchestrator errors to gRPC status errors.
func toStatus(operation, sessionID string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		rateErr    *kernel.RateLimitedError
		closedErr  *kernel.SessionClosedError
		persistErr *kernel.PersistenceError
	)
	switch {
	case errors.Is(err, kernel.ErrSessionNotFound):
		return NotFound("session", sessionID)
	case errors.Is(err, kernel.ErrOrchestratorClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &rateErr):
		return ResourceExhausted("inbound message", fmt.Sprintf("retry after %dms", rateErr.RetryAfter.Milliseconds()))
	case errors.As(err, &closedErr):
		return FailedPrecondition("session "+closedErr.SessionID, "closed", operation)
	case errors.As(err, &persistErr):
		return status.Errorf(codes.Unavailable, "%s failed: %v", operation, persistErr)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return Internal(operation, err)
}
