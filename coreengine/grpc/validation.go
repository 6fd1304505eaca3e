package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/typeutil"
)

// =============================================================================
// Request Decoding
// =============================================================================

// decodeRequest reads a debug request from a Struct. Missing optional
// fields keep their zero value; present fields must have the right type.
func decodeRequest(in *structpb.Struct) (runtime.Request, error) {
	if in == nil {
		return runtime.Request{}, InvalidArgument("request", "is required")
	}
	fields := in.AsMap()

	var req runtime.Request
	var err error
	if req.Code, err = stringField(fields, "code"); err != nil {
		return req, err
	}
	if req.ErrorLog, err = stringField(fields, "error_log"); err != nil {
		return req, err
	}
	if req.APIKey, err = stringField(fields, "api_key"); err != nil {
		return req, err
	}
	if req.Model, err = stringField(fields, "model"); err != nil {
		return req, err
	}
	if v, ok := fields["max_iterations"]; ok && v != nil {
		n, ok := typeutil.SafeInt(v)
		if !ok {
			return req, InvalidArgument("max_iterations", "must be an integer")
		}
		req.MaxIterations = n
	}

	if err := validateRequired(req.Code, "code"); err != nil {
		return req, err
	}
	if err := validateRequired(req.ErrorLog, "error_log"); err != nil {
		return req, err
	}
	return req, nil
}

func stringField(fields map[string]any, name string) (string, error) {
	v, ok := fields[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := typeutil.SafeString(v)
	if !ok {
		return "", InvalidArgument(name, "must be a string")
	}
	return s, nil
}

func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName, "is required")
	}
	return nil
}

// =============================================================================
// Status Codes
// =============================================================================

// InvalidArgument returns a codes.InvalidArgument status for a bad field.
func InvalidArgument(fieldName, problem string) error {
	return status.Errorf(codes.InvalidArgument, "%s %s", fieldName, problem)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// toStatus maps errors from admission and the workflow onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var rle *kernel.RateLimitError
	switch {
	case errors.As(err, &rle), errors.Is(err, kernel.ErrAtCapacity):
		return status.Error(codes.ResourceExhausted, err.Error())
	case runtime.IsInvalidRequest(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return Internal("debug", err)
	}
}
