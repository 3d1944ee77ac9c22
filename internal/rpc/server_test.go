package rpc

import (
	"context"
	"net"
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
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/correction"
	"github.com/CVMHW/roger/internal/lexicon"
	"github.com/CVMHW/roger/internal/pipeline"
)

func noSleep(context.Context, time.Duration) error { return nil }

func startServer(t *testing.T) (*grpc.ClientConn, *conversation.Manager) {
	t.Helper()
	p, err := pipeline.Build(lexicon.MustDefault(), pipeline.DefaultConfig(), nil,
		[]correction.Option{correction.WithSleeper(noSleep)})
	require.NoError(t, err)
	mgr := conversation.NewManager(conversation.Options{}, nil)
	srv := NewServer(pipeline.NewOrchestrator(p, nil), mgr, nil)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, mgr
}

func call(t *testing.T, conn *grpc.ClientConn, req map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	require.NoError(t, err)
	out := &structpb.Struct{}
	err = conn.Invoke(context.Background(), ProcessTurnMethod, in, out)
	return out, err
}

func TestProcessTurn(t *testing.T) {
	conn, mgr := startServer(t)

	out, err := call(t, conn, map[string]any{
		"user_id":    "u1",
		"session_id": "s1",
		"candidate":  "That sounds tough. What's been going on?",
		"user_input": "I want to kill myself",
	})
	require.NoError(t, err)
	fields := out.GetFields()
	assert.Equal(t, "s1", fields["session_id"].GetStringValue())
	assert.Equal(t, float64(1), fields["turn"].GetNumberValue())
	assert.True(t, lexicon.MustDefault().HasCrisisResource(fields["text"].GetStringValue()))

	sess := mgr.Get("u1", "s1")
	require.NotNil(t, sess)
	assert.Len(t, sess.History(), 2)
}

func TestProcessTurnAssignsSessionID(t *testing.T) {
	conn, _ := startServer(t)

	out, err := call(t, conn, map[string]any{
		"user_id":    "u1",
		"candidate":  "Thanks for letting me know.",
		"user_input": "Hi there",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, out.GetFields()["session_id"].GetStringValue())
}

func TestProcessTurnValidation(t *testing.T) {
	conn, _ := startServer(t)

	_, err := call(t, conn, map[string]any{"candidate": "x", "user_input": "y"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = call(t, conn, map[string]any{"user_id": "u", "candidate": "x"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealthServing(t *testing.T) {
	conn, _ := startServer(t)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
