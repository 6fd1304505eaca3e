package grpc

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
)

func TestDecodeRequest(t *testing.T) {
	req, err := decodeRequest(request(t, map[string]any{
		"code":           brokenCode,
		"error_log":      errorLog,
		"max_iterations": 4.0,
		"api_key":        "sk-test",
		"model":          "gpt-4o-mini",
		"unknown":        true,
	}))
	require.NoError(t, err)
	assert.Equal(t, runtime.Request{
		Code:          brokenCode,
		ErrorLog:      errorLog,
		MaxIterations: 4,
		APIKey:        "sk-test",
		Model:         "gpt-4o-mini",
	}, req)
}

func TestDecodeRequestOptionalFields(t *testing.T) {
	req, err := decodeRequest(request(t, map[string]any{
		"code":           brokenCode,
		"error_log":      errorLog,
		"max_iterations": nil,
	}))
	require.NoError(t, err)
	assert.Zero(t, req.MaxIterations)
	assert.Empty(t, req.Model)
}

func TestDecodeRequestNil(t *testing.T) {
	_, err := decodeRequest(nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"rate limited", &kernel.RateLimitError{Result: kernel.RateLimitResult{LimitType: "minute"}}, codes.ResourceExhausted},
		{"at capacity", kernel.ErrAtCapacity, codes.ResourceExhausted},
		{"empty input", runtime.ErrEmptyInput, codes.InvalidArgument},
		{"bad budget", fmt.Errorf("%w: got 0", envelope.ErrInvalidMaxIterations), codes.InvalidArgument},
		{"cancelled", context.Canceled, codes.Canceled},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"status passthrough", status.Error(codes.NotFound, "x"), codes.NotFound},
		{"other", fmt.Errorf("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}
