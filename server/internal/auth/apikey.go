package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Checker compares a presented API key with the configured one.
type Checker struct {
	mode   string
	header string
	key    string
}

// NewChecker returns a Checker for the given mode, header name and expected
// key. header is matched case-insensitively.
func NewChecker(mode, header, key string) *Checker {
	return &Checker{mode: mode, header: strings.ToLower(header), key: key}
}

// Enabled reports whether keys are checked at all.
func (c *Checker) Enabled() bool {
	return c.mode == "apikey" && c.key != ""
}

func (c *Checker) valid(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(c.key)) == 1
}

// Require wraps next so that requests without the right key get 401.
func (c *Checker) Require(next http.Handler) http.Handler {
	if !c.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.valid(r.Header.Get(c.header)) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Checker) check(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(c.header)
	if len(vals) == 0 || !c.valid(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// UnaryInterceptor returns a gRPC UnaryServerInterceptor that rejects calls
// without the right key in the incoming metadata with codes.Unauthenticated.
func (c *Checker) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if c.Enabled() {
			if err := c.check(ctx); err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor is the streaming counterpart of UnaryInterceptor; it
// guards Health/Watch.
func (c *Checker) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if c.Enabled() {
			if err := c.check(ss.Context()); err != nil {
				return err
			}
		}
		return handler(srv, ss)
	}
}
