// Package rpc exposes turn processing over gRPC.
//
// Messages are google.protobuf.Struct values so clients need no generated
// stubs. Request fields: session_id, user_id, candidate, user_input.
// Response fields: session_id, text, stage, turn.
package rpc

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/CVMHW/roger/internal/conversation"
	"github.com/CVMHW/roger/internal/pipeline"
)

// Service and method names of the turn API.
const (
	ServiceName       = "roger.turn.v1.TurnService"
	ProcessTurnMethod = "/" + ServiceName + "/ProcessTurn"
)

// Sessions resolves the session a turn belongs to.
type Sessions interface {
	GetOrCreate(userID, sessionID string) (*conversation.Session, bool)
}

// Turner runs one turn for a session.
type Turner interface {
	Turn(ctx context.Context, sess *conversation.Session, candidate, userInput string) pipeline.Result
}

var (
	_ Sessions = (*conversation.Manager)(nil)
	_ Turner   = (*pipeline.Orchestrator)(nil)
)

// TurnServer is the server API of roger.turn.v1.TurnService.
type TurnServer interface {
	ProcessTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var turnServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TurnServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "ProcessTurn",
		Handler:    processTurnHandler,
	}},
	Metadata: "roger/turn/v1/turn.proto",
}

func processTurnHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TurnServer).ProcessTurn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProcessTurnMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TurnServer).ProcessTurn(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements TurnServer.
type Server struct {
	turns    Turner
	sessions Sessions
	health   *health.Server
	logger   *slog.Logger
}

var _ TurnServer = (*Server)(nil)

// NewServer creates a turn server.
func NewServer(turns Turner, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		turns:    turns,
		sessions: sessions,
		health:   health.NewServer(),
		logger:   logger,
	}
}

// Register adds the turn service and the standard health service to s and
// marks the turn service as serving.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&turnServiceDesc, s)
	healthpb.RegisterHealthServer(gs, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Shutdown marks every service as not serving.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// ProcessTurn runs one turn.
func (s *Server) ProcessTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	userID := strings.TrimSpace(fields["user_id"].GetStringValue())
	sessionID := strings.TrimSpace(fields["session_id"].GetStringValue())
	candidate := fields["candidate"].GetStringValue()
	userInput := fields["user_input"].GetStringValue()

	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	if strings.TrimSpace(userInput) == "" {
		return nil, status.Error(codes.InvalidArgument, "user_input is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, _ := s.sessions.GetOrCreate(userID, sessionID)
	res := s.turns.Turn(ctx, sess, candidate, userInput)

	s.logger.Info("gRPC turn processed",
		"user_id", userID,
		"session_id", sessionID,
		"turn", res.Turn,
		"final_action", res.Diagnostics.FinalAction,
	)

	out, err := structpb.NewStruct(map[string]any{
		"session_id": sessionID,
		"text":       res.Text,
		"stage":      string(res.Stage),
		"turn":       res.Turn,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
