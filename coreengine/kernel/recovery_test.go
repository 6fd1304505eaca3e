package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/testutil"
)

func TestSafeExecute(t *testing.T) {
	expected := errors.New("oracle unavailable")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
		panics  bool
	}{
		{"success", func() error { return nil }, nil, false},
		{"error passthrough", func() error { return expected }, expected, false},
		{"panic", func() error { panic("nil state") }, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := testutil.NewMockLogger()
			err := SafeExecute(logger, "debug_handler", tt.fn)

			if !tt.panics {
				assert.Equal(t, tt.wantErr, err)
				assert.Empty(t, logger.GetLogs())
				return
			}

			var perr *PanicError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "debug_handler", perr.Operation)
			assert.Equal(t, "nil state", perr.Value)
			assert.NotEmpty(t, perr.Stack)
			assert.Equal(t, "panic in debug_handler: nil state", err.Error())
			assert.True(t, logger.HasLog("error", "panic_recovered"))
		})
	}
}

func TestSafeExecuteNilLogger(t *testing.T) {
	err := SafeExecute(nil, "op", func() error { panic("boom") })
	assert.Error(t, err)
}

func TestSafeExecuteWithResult(t *testing.T) {
	result, err := SafeExecuteWithResult(nil, "op", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, result)

	str, err := SafeExecuteWithResult(nil, "op", func() (string, error) {
		panic("boom")
	})
	assert.Error(t, err)
	assert.Empty(t, str)
}

func TestSafeGo(t *testing.T) {
	logger := testutil.NewMockLogger()
	got := make(chan any, 1)

	SafeGo(logger, "stream_producer", func() { panic("closed channel") }, func(r any) { got <- r })

	assert.Equal(t, "closed channel", <-got)
	assert.True(t, logger.HasLog("error", "goroutine_panic_recovered"))
}

func TestSafeGoNoPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(nil, "op", func() { close(done) }, nil)
	<-done
}
