package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"credential-core/internal/authn"
	"credential-core/internal/server/clientip"
)

// ClientIPUnary resolves the client address once per RPC and stores it for ClientIP. The
// x-forwarded-for and x-real-ip metadata are only read when the peer is one of res's trusted proxies.
func ClientIPUnary(res *clientip.Resolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ip := res.Resolve(peerAddr(ctx), firstMD(ctx, "x-forwarded-for"), firstMD(ctx, "x-real-ip"))
		return handler(clientip.WithIP(ctx, ip), req)
	}
}

// ClientIP returns the address resolved by ClientIPUnary, or the peer host when it did not run.
func ClientIP(ctx context.Context) string {
	if ip, ok := clientip.FromContext(ctx); ok {
		return ip
	}
	var none *clientip.Resolver
	return none.Resolve(peerAddr(ctx), "", "")
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return ""
}

func firstMD(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func requestMeta(ctx context.Context, fullMethod string) authn.RequestMeta {
	return authn.RequestMeta{
		IP:        ClientIP(ctx),
		UserAgent: firstMD(ctx, "user-agent"),
		Method:    "grpc",
		Path:      fullMethod,
	}
}
