package interceptors

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"credential-core/internal/authn"
)

// AuthUnary returns a unary server interceptor that validates the Bearer (access) token from gRPC
// metadata and puts the resulting authn.AuthContext in the handler's context. Completed calls are
// audited with their status code.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. the gRPC health check).
func AuthUnary(a *authn.Authenticator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		meta := requestMeta(ctx, info.FullMethod)
		token, _ := authn.ParseBearer(firstMD(ctx, "authorization"))
		ac, err := a.Authenticate(ctx, token, meta)
		if err != nil {
			return nil, ToStatus(err)
		}
		ctx = authn.WithAuth(ctx, ac)
		resp, err := handler(ctx, req)
		a.Authenticated(ctx, ac, info.FullMethod, status.Code(err).String(), meta)
		return resp, err
	}
}

// RateLimitUnary returns a unary server interceptor that gates every RPC per (client IP, method).
// Denials carry a RetryInfo detail and a retry-after header.
func RateLimitUnary(a *authn.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if _, err := a.CheckRateLimit(ctx, ClientIP(ctx), info.FullMethod, requestMeta(ctx, info.FullMethod)); err != nil {
			var rl *authn.RateLimitError
			if errors.As(err, &rl) {
				_ = grpc.SetHeader(ctx, metadata.Pairs("retry-after", strconv.Itoa(rl.RetryAfterSeconds())))
			}
			return nil, ToStatus(err)
		}
		return handler(ctx, req)
	}
}

// ToStatus maps the authn error taxonomy to gRPC status codes. Messages are generic.
func ToStatus(err error) error {
	var rl *authn.RateLimitError
	if errors.As(err, &rl) {
		st := status.New(codes.ResourceExhausted, authn.Message(err))
		if withInfo, derr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(rl.RetryAfter)}); derr == nil {
			st = withInfo
		}
		return st.Err()
	}
	switch authn.Status(err) {
	case 401:
		return status.Error(codes.Unauthenticated, authn.Message(err))
	case 403:
		return status.Error(codes.PermissionDenied, authn.Message(err))
	default:
		return status.Error(codes.Internal, authn.Message(err))
	}
}
