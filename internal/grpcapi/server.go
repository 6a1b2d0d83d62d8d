package grpcapi

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"investcalc.org/internal/auth"
	"investcalc.org/internal/obs"
)

// ServiceName is the name reported by the health service.
const ServiceName = "investcalc.api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Policy maps full method names to the roles allowed to call them. An empty
// role list admits any authenticated caller; a method missing from the
// policy is denied.
type Policy map[string][]string

// DefaultPolicy lets any authenticated principal query health.
func DefaultPolicy() Policy {
	return Policy{
		healthpb.Health_Check_FullMethodName: nil,
		healthpb.Health_Watch_FullMethodName: nil,
	}
}

// Server is the gRPC transport. Every call passes through the access guard.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	ready  readinessChecker
}

func New(authSvc *auth.Service, ready readinessChecker, policy Policy, opts ...grpc.ServerOption) *Server {
	guard := &guard{auth: authSvc, policy: policy}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(logUnary, guard.unary),
		grpc.ChainStreamInterceptor(guard.stream),
	)
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		ready:  ready,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// GRPC exposes the underlying server for registering more services.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

func (s *Server) Serve(lis net.Listener) error { return s.grpc.Serve(lis) }

// GracefulStop marks the service as not serving and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// RefreshHealth publishes the current readiness to the health service.
func (s *Server) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if s.ready != nil {
		if err := s.ready.Check(ctx); err != nil {
			obs.Ctx(ctx).Warn().Err(err).Msg("grpc readiness check failed")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchHealth refreshes health every interval until ctx is done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	s.RefreshHealth(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshHealth(ctx)
		}
	}
}

type guard struct {
	auth   *auth.Service
	policy Policy
}

func (g *guard) authorize(ctx context.Context, method string) (context.Context, error) {
	roles, ok := g.policy[method]
	if !ok {
		return ctx, status.Error(codes.PermissionDenied, "method not permitted")
	}
	token, err := bearerFromMetadata(ctx)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, err.Error())
	}
	ctx, _, err = g.auth.Authorize(ctx, token, roles...)
	obs.RecordAuth("grpc_authorize", outcome(err))
	if err != nil {
		return ctx, toStatus(err)
	}
	return ctx, nil
}

func (g *guard) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := g.authorize(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (g *guard) stream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := g.authorize(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context { return s.ctx }

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Ctx(ctx).Info().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("grpc_complete")
	return resp, err
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", errors.New("missing bearer token")
	}
	scheme, token, _ := strings.Cut(strings.TrimSpace(values[0]), " ")
	if !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("invalid authorization scheme")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, auth.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, strings.TrimPrefix(err.Error(), "auth: "))
	default:
		return status.Error(codes.Internal, "authorization failed")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrForbidden):
		return "forbidden"
	case errors.Is(err, auth.ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}
