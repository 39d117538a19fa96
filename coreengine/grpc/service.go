package grpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

// TurnServiceName is the fully-qualified gRPC service name.
const TurnServiceName = "leadflow.v1.TurnService"

// Method names of TurnService.
const (
	MethodHandleTurn    = "HandleTurn"
	MethodImportHistory = "ImportHistory"
	MethodEndSession    = "EndSession"
	MethodGetSession    = "GetSession"
)

// =============================================================================
// Requests
// =============================================================================

// HandleTurnRequest submits one customer message.
type HandleTurnRequest struct {
	SessionID  string `json:"session_id" validate:"required"`
	Text       string `json:"text" validate:"required"`
	Provenance string `json:"provenance,omitempty" validate:"omitempty,oneof=live imported"`
}

// ImportHistoryRequest seeds a session with earlier-channel messages.
type ImportHistoryRequest struct {
	SessionID string   `json:"session_id" validate:"required"`
	Messages  []string `json:"messages" validate:"min=1"`
}

// SessionRequest names a session.
type SessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// =============================================================================
// Service
// =============================================================================

// Orchestrator is the part of the kernel the service needs.
type Orchestrator interface {
	HandleTurn(ctx context.Context, sessionID, text string, provenance ledger.Provenance) (*kernel.Outcome, error)
	ImportHistory(ctx context.Context, sessionID string, texts []string) (int, error)
	EndSession(ctx context.Context, sessionID string) error
	Snapshot(sessionID string) (*kernel.Snapshot, error)
}

// TurnServiceServer is the server API for TurnService. Messages travel as
// google.protobuf.Struct.
type TurnServiceServer interface {
	HandleTurn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ImportHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EndSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// TurnServer implements TurnServiceServer on an Orchestrator.
type TurnServer struct {
	orch   Orchestrator
	logger logging.Logger
}

// NewTurnServer creates a TurnServer.
func NewTurnServer(orch Orchestrator, logger logging.Logger) *TurnServer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &TurnServer{orch: orch, logger: logger.Bind("component", "turn_service")}
}

// HandleTurn runs one customer message and returns its outcome.
func (s *TurnServer) HandleTurn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req HandleTurnRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}

	out, err := s.orch.HandleTurn(ctx, req.SessionID, req.Text, ledger.Provenance(req.Provenance))
	if err != nil {
		return nil, toStatus("handle turn", req.SessionID, err)
	}
	return encodeResponse(out)
}

// ImportHistory imports messages in order and reports how many were taken.
func (s *TurnServer) ImportHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ImportHistoryRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}

	n, err := s.orch.ImportHistory(ctx, req.SessionID, req.Messages)
	if err != nil {
		return nil, toStatus("import history", req.SessionID, err)
	}
	s.logger.Info("history_imported", "session_id", req.SessionID, "count", n)
	return encodeResponse(map[string]any{"session_id": req.SessionID, "imported": n})
}

// EndSession flushes and removes a session.
func (s *TurnServer) EndSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SessionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}

	if err := s.orch.EndSession(ctx, req.SessionID); err != nil {
		return nil, toStatus("end session", req.SessionID, err)
	}
	return encodeResponse(map[string]any{"session_id": req.SessionID, "ended": true})
}

// GetSession returns a read-only snapshot of a session.
func (s *TurnServer) GetSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SessionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}

	snap, err := s.orch.Snapshot(req.SessionID)
	if err != nil {
		return nil, toStatus("get session", req.SessionID, err)
	}
	return encodeResponse(snap)
}

var _ TurnServiceServer = (*TurnServer)(nil)

// =============================================================================
// Codec
// =============================================================================

func decodeRequest(in *structpb.Struct, dst any) error {
	if in == nil {
		return InvalidArgument("request")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return Internal("decode request", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return validateRequest(dst)
}

// encodeResponse converts any JSON-encodable value to a Struct.
func encodeResponse(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Internal("encode response", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, Internal("encode response", err)
	}
	return out, nil
}

// =============================================================================
// Service Descriptor
// =============================================================================

// TurnServiceDesc is the grpc.ServiceDesc for TurnService.
var TurnServiceDesc = grpc.ServiceDesc{
	ServiceName: TurnServiceName,
	HandlerType: (*TurnServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodHandleTurn, Handler: unaryHandler(MethodHandleTurn, TurnServiceServer.HandleTurn)},
		{MethodName: MethodImportHistory, Handler: unaryHandler(MethodImportHistory, TurnServiceServer.ImportHistory)},
		{MethodName: MethodEndSession, Handler: unaryHandler(MethodEndSession, TurnServiceServer.EndSession)},
		{MethodName: MethodGetSession, Handler: unaryHandler(MethodGetSession, TurnServiceServer.GetSession)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "leadflow/v1/turn.proto",
}

// RegisterTurnServiceServer registers srv on s.
func RegisterTurnServiceServer(s grpc.ServiceRegistrar, srv TurnServiceServer) {
	s.RegisterService(&TurnServiceDesc, srv)
}

type unaryCall func(TurnServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + TurnServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(TurnServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		})
	}
}

// =============================================================================
// Client
// =============================================================================

// TurnClient calls TurnService.
type TurnClient struct {
	cc grpc.ClientConnInterface
}

// NewTurnClient creates a TurnClient on cc.
func NewTurnClient(cc grpc.ClientConnInterface) *TurnClient {
	return &TurnClient{cc: cc}
}

// HandleTurn submits text on sessionID.
func (c *TurnClient) HandleTurn(ctx context.Context, req HandleTurnRequest, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, MethodHandleTurn, req, opts...)
}

// ImportHistory seeds sessionID with messages.
func (c *TurnClient) ImportHistory(ctx context.Context, req ImportHistoryRequest, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, MethodImportHistory, req, opts...)
}

// EndSession ends sessionID.
func (c *TurnClient) EndSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, MethodEndSession, SessionRequest{SessionID: sessionID}, opts...)
}

// GetSession returns the snapshot of sessionID.
func (c *TurnClient) GetSession(ctx context.Context, sessionID string, opts ...grpc.CallOption) (map[string]any, error) {
	return c.invoke(ctx, MethodGetSession, SessionRequest{SessionID: sessionID}, opts...)
}

func (c *TurnClient) invoke(ctx context.Context, method string, req any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := encodeResponse(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+TurnServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
