package grpc

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/kernel"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/observability"
)

// sessionIDOf reads session_id from a TurnService payload, if any.
func sessionIDOf(req any) string {
	st, ok := req.(*structpb.Struct)
	if !ok {
		return ""
	}
	return st.GetFields()["session_id"].GetStringValue()
}

// =============================================================================
// LOGGING
// =============================================================================

// LoggingInterceptor logs each call with its method and session.
// Client errors log at warn, everything else at error.
func LoggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		log := logger.Bind("method", info.FullMethod)
		if id := sessionIDOf(req); id != "" {
			log = log.Bind("session_id", id)
		}
		log.Debug("grpc_request_started")

		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start).Milliseconds()

		if err == nil {
			log.Debug("grpc_request_completed", "duration_ms", elapsed)
			return resp, nil
		}

		code := status.Code(err)
		emit := log.Error
		if isClientError(code) {
			emit = log.Warn
		}
		emit("grpc_request_failed",
			"duration_ms", elapsed,
			"code", code.String(),
			"error", err.Error(),
		)
		return resp, err
	}
}

func isClientError(code codes.Code) bool {
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition,
		codes.ResourceExhausted, codes.Canceled, codes.AlreadyExists:
		return true
	}
	return false
}

// =============================================================================
// METRICS
// =============================================================================

// MetricsInterceptor records request counts and latency per method and code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryHandler turns a recovered panic value into the error sent to the client.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns Internal with the panic value.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor converts handler panics into errors through onPanic.
func RecoveryInterceptor(logger logging.Logger, onPanic RecoveryHandler) grpc.UnaryServerInterceptor {
	if onPanic == nil {
		onPanic = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := kernel.SafeExecuteWithResult(logger.Bind("method", info.FullMethod), "grpc_call", func() (any, error) {
			return handler(ctx, req)
		})
		var panicErr *kernel.PanicError
		if errors.As(err, &panicErr) {
			return nil, onPanic(panicErr.Value)
		}
		return resp, err
	}
}

// =============================================================================
// CHAINING
// =============================================================================

// ChainUnaryInterceptors composes interceptors; the first one is outermost.
func ChainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		return chainFrom(interceptors, info, handler)(ctx, req)
	}
}

func chainFrom(interceptors []grpc.UnaryServerInterceptor, info *grpc.UnaryServerInfo, final grpc.UnaryHandler) grpc.UnaryHandler {
	if len(interceptors) == 0 {
		return final
	}
	next := chainFrom(interceptors[1:], info, final)
	return func(ctx context.Context, req any) (any, error) {
		return interceptors[0](ctx, req, info, next)
	}
}

// =============================================================================
// OPTIONS
// =============================================================================

// ServerOptions returns the TurnService server options: otelgrpc stats plus
// recovery, metrics and logging interceptors, outermost first.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(ChainUnaryInterceptors(
			RecoveryInterceptor(logger, nil),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
		)),
	}
}

// ClientOptions returns dial options with otelgrpc client stats.
func ClientOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}
