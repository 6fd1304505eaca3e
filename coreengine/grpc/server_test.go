package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	brokenCode = "def add(a, b): return a + b"
	errorLog   = "TypeError: unsupported operand"
	fixedCode  = "def add(a, b): return int(a) + int(b)"
)

func scripted(valid bool) *testutil.ScriptedOracle {
	return testutil.NewScriptedOracle().
		Respond(oracle.AnalysisSchema.Name, testutil.AnalysisJSON("TypeError", "line 1")).
		Respond(oracle.FixSchema.Name, testutil.FixJSON(fixedCode, 0.9)).
		Respond(oracle.ReviewSchema.Name, testutil.ReviewJSON(valid, "checked"))
}

type harness struct {
	client *DebugServiceClient
	health healthpb.HealthClient
	logger *testutil.MockLogger
	server *GracefulServer
}

func startHarness(t *testing.T, debugger Debugger, admission *kernel.Admission) *harness {
	t.Helper()

	logger := testutil.NewMockLogger()
	return serveHarness(t, NewGracefulServer(NewDebugServer(debugger, admission, logger)), logger)
}

func serveHarness(t *testing.T, server *GracefulServer, logger *testutil.MockLogger) *harness {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return &harness{
		client: NewDebugServiceClient(conn),
		health: healthpb.NewHealthClient(conn),
		logger: logger,
		server: server,
	}
}

func workflowFor(t *testing.T, o *testutil.ScriptedOracle) *runtime.Workflow {
	t.Helper()
	w, err := runtime.NewWorkflow(runtime.DefaultConfig(), o.Factory(), nil, nil)
	require.NoError(t, err)
	return w
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

// decodeStruct reads a response Struct into out through its JSON form.
func decodeStruct(s *structpb.Struct, out any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func validRequest(t *testing.T, maxIterations int) *structpb.Struct {
	return request(t, map[string]any{
		"code":           brokenCode,
		"error_log":      errorLog,
		"max_iterations": maxIterations,
		"api_key":        "sk-test",
	})
}

// =============================================================================
// UNARY TESTS
// =============================================================================

func TestDebugAccepted(t *testing.T) {
	h := startHarness(t, workflowFor(t, scripted(true)), nil)

	out, err := h.client.Debug(context.Background(), validRequest(t, 3))
	require.NoError(t, err)

	var result envelope.Result
	require.NoError(t, decodeStruct(out, &result))
	assert.True(t, result.Success)
	assert.True(t, result.IsFixed)
	assert.Equal(t, fixedCode, result.FixedCode)
	assert.Equal(t, 0, result.IterationCount)
	assert.Equal(t, envelope.StatusCompleted, result.Status)
	assert.Len(t, result.IdentifiedIssues, 1)
	assert.Nil(t, result.ErrorMessage)
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, "completed", out.GetFields()["status"].GetStringValue())
}

func TestDebugRejectedIsNotAnError(t *testing.T) {
	h := startHarness(t, workflowFor(t, scripted(false)), nil)

	out, err := h.client.Debug(context.Background(), validRequest(t, 1))
	require.NoError(t, err)

	var result envelope.Result
	require.NoError(t, decodeStruct(out, &result))
	assert.True(t, result.Success)
	assert.False(t, result.IsFixed)
	assert.Equal(t, 1, result.IterationCount)
	require.NotNil(t, result.ErrorMessage)
	assert.Equal(t, "Reviewer: Max iterations reached", *result.ErrorMessage)
}

func TestDebugInvalidArgument(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   string
	}{
		{"missing code", map[string]any{"error_log": errorLog}, "code is required"},
		{"missing log", map[string]any{"code": brokenCode}, "error_log is required"},
		{"code not string", map[string]any{"code": 1.0, "error_log": errorLog}, "code must be a string"},
		{"fractional iterations", map[string]any{"code": brokenCode, "error_log": errorLog, "max_iterations": 1.5}, "max_iterations must be an integer"},
		{"iterations over limit", map[string]any{"code": brokenCode, "error_log": errorLog, "max_iterations": 11.0}, "exceeds"},
		{"negative iterations", map[string]any{"code": brokenCode, "error_log": errorLog, "max_iterations": -1.0}, "max_iterations"},
	}

	o := scripted(true)
	h := startHarness(t, workflowFor(t, o), nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client.Debug(context.Background(), request(t, tt.fields))
			require.Error(t, err)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			assert.Contains(t, status.Convert(err).Message(), tt.want)
		})
	}
	assert.Equal(t, 0, o.CallCount())
}

func TestDebugMissingCredentialIsStructuredFailure(t *testing.T) {
	factory := func(apiKey string) (oracle.Oracle, error) {
		if apiKey == "" {
			return nil, oracle.ErrMissingCredential
		}
		return scripted(true), nil
	}
	w, err := runtime.NewWorkflow(runtime.DefaultConfig(), factory, nil, nil)
	require.NoError(t, err)
	h := startHarness(t, w, nil)

	out, err := h.client.Debug(context.Background(), request(t, map[string]any{
		"code": brokenCode, "error_log": errorLog,
	}))
	require.NoError(t, err)

	var result envelope.Result
	require.NoError(t, decodeStruct(out, &result))
	assert.False(t, result.Success)
	require.NotNil(t, result.ErrorMessage)
	assert.Contains(t, *result.ErrorMessage, oracle.ErrMissingCredential.Error())
	assert.True(t, h.logger.HasLog("warn", "grpc_debug_residual_error"))
}

func TestDebugRateLimited(t *testing.T) {
	admission := kernel.NewAdmission(kernel.AdmissionConfig{
		RateLimit: kernel.RateLimitConfig{RequestsPerMinute: 1},
	}, nil)
	h := startHarness(t, workflowFor(t, scripted(true)), admission)

	_, err := h.client.Debug(context.Background(), validRequest(t, 1))
	require.NoError(t, err)

	_, err = h.client.Debug(context.Background(), validRequest(t, 1))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

type panicking struct{}

func (panicking) Run(context.Context, runtime.Request) (*envelope.DebugState, error) {
	panic("state corrupted")
}

func (panicking) RunWithStream(context.Context, runtime.Request) (<-chan runtime.Event, error) {
	panic("state corrupted")
}

func TestDebugPanicBecomesInternal(t *testing.T) {
	h := startHarness(t, panicking{}, nil)

	_, err := h.client.Debug(context.Background(), validRequest(t, 1))
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "state corrupted")
	assert.True(t, h.logger.HasLog("error", "panic_recovered"))

	stream, err := h.client.DebugStream(context.Background(), validRequest(t, 1))
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.Internal, status.Code(err))
}

// deadlineRecorder reports, per call, how far off the run deadline was.
type deadlineRecorder struct {
	mu        sync.Mutex
	remaining []time.Duration
}

func (d *deadlineRecorder) record(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	d.remaining = append(d.remaining, remaining)
}

func (d *deadlineRecorder) Run(ctx context.Context, req runtime.Request) (*envelope.DebugState, error) {
	d.record(ctx)
	return envelope.New(req.Code, req.ErrorLog, 1)
}

func (d *deadlineRecorder) RunWithStream(ctx context.Context, req runtime.Request) (<-chan runtime.Event, error) {
	d.record(ctx)
	events := make(chan runtime.Event)
	close(events)
	return events, nil
}

func TestRunTimeoutBoundsRuns(t *testing.T) {
	debugger := &deadlineRecorder{}
	logger := testutil.NewMockLogger()
	server := NewGracefulServer(NewDebugServer(debugger, nil, logger).WithRunTimeout(time.Minute))
	h := serveHarness(t, server, logger)

	_, err := h.client.Debug(context.Background(), validRequest(t, 1))
	require.NoError(t, err)
	stream, err := h.client.DebugStream(context.Background(), validRequest(t, 1))
	require.NoError(t, err)
	_, err = stream.Recv()
	require.ErrorIs(t, err, io.EOF)

	debugger.mu.Lock()
	defer debugger.mu.Unlock()
	require.Len(t, debugger.remaining, 2)
	for _, remaining := range debugger.remaining {
		assert.Greater(t, remaining, 50*time.Second)
		assert.LessOrEqual(t, remaining, time.Minute)
	}
}

func TestNoRunTimeoutLeavesCallDeadline(t *testing.T) {
	debugger := &deadlineRecorder{}
	h := startHarness(t, debugger, nil)

	_, err := h.client.Debug(context.Background(), validRequest(t, 1))
	require.NoError(t, err)

	debugger.mu.Lock()
	defer debugger.mu.Unlock()
	assert.Equal(t, []time.Duration{-1}, debugger.remaining)
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestDebugStream(t *testing.T) {
	h := startHarness(t, workflowFor(t, scripted(false)), nil)

	stream, err := h.client.DebugStream(context.Background(), validRequest(t, 2))
	require.NoError(t, err)

	var events []runtime.Event
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		var ev runtime.Event
		require.NoError(t, decodeStruct(msg, &ev))
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, runtime.EventResult, last.Kind)
	require.NotNil(t, last.Result)
	assert.Equal(t, 2, last.Result.IterationCount)

	var steps []string
	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, runtime.EventTrace, ev.Kind)
		steps = append(steps, ev.Step)
	}
	assert.Equal(t, last.Result.ReasoningSteps, steps)
}

func TestDebugStreamInvalidArgument(t *testing.T) {
	h := startHarness(t, workflowFor(t, scripted(true)), nil)

	stream, err := h.client.DebugStream(context.Background(), request(t, map[string]any{"code": brokenCode}))
	require.NoError(t, err)

	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// =============================================================================
// HEALTH AND LIFECYCLE TESTS
// =============================================================================

func TestHealthService(t *testing.T) {
	h := startHarness(t, workflowFor(t, scripted(true)), nil)

	for _, service := range []string{"", ServiceName} {
		resp, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}
}

func TestGracefulStopIsIdempotent(t *testing.T) {
	server := NewGracefulServer(NewDebugServer(workflowFor(t, scripted(true)), nil, nil))

	server.GracefulStop()
	server.GracefulStop()
	server.ShutdownWithTimeout(time.Second)
}
