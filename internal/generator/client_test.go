package generator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/CVMHW/roger/internal/domain"
)

type generateFunc func(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func generatorDesc() grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Generate",
			Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(generateFunc)(ctx, in)
			},
		}},
	}
}

func startGenerator(t *testing.T, fn generateFunc) (*Client, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	desc := generatorDesc()
	srv.RegisterService(&desc, fn)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultConfig("passthrough:///bufnet")
	cfg.ConnectTimeout = 2 * time.Second
	c, err := New(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, hs
}

func TestGenerate(t *testing.T) {
	var got *structpb.Struct
	c, _ := startGenerator(t, func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		got = in
		return structpb.NewStruct(map[string]any{"text": "That sounds hard. What happened?"})
	})

	text, err := c.Generate(context.Background(), Request{
		SessionID: "s1",
		UserID:    "u1",
		UserInput: "Rough day.",
		Stage:     domain.StageInitial,
		History:   []domain.Utterance{{Role: domain.RoleUser, Text: "Hi", Seq: 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, "That sounds hard. What happened?", text)

	require.NotNil(t, got)
	fields := got.GetFields()
	assert.Equal(t, "Rough day.", fields["user_input"].GetStringValue())
	assert.Equal(t, "initial", fields["stage"].GetStringValue())
	history := fields["history"].GetListValue().GetValues()
	require.Len(t, history, 1)
	assert.Equal(t, "Hi", history[0].GetStructValue().GetFields()["text"].GetStringValue())
}

func TestGenerateErrors(t *testing.T) {
	c, _ := startGenerator(t, func(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
		switch in.GetFields()["user_input"].GetStringValue() {
		case "fail":
			return structpb.NewStruct(map[string]any{"error": "model overloaded"})
		default:
			return structpb.NewStruct(map[string]any{"text": ""})
		}
	})

	_, err := c.Generate(context.Background(), Request{UserInput: "fail"})
	assert.ErrorIs(t, err, ErrGenerate)

	_, err = c.Generate(context.Background(), Request{UserInput: "empty"})
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestHealth(t *testing.T) {
	c, hs := startGenerator(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return &structpb.Struct{}, nil
	})

	require.NoError(t, c.Health(context.Background()))

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	assert.ErrorIs(t, c.Health(context.Background()), ErrNotServing)
}
