package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// passHandler is a grpc.UnaryHandler that returns ("ok", nil).
func passHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "ok", nil
}

func callWithKey(t *testing.T, c *Checker, header, key string) (interface{}, error) {
	t.Helper()
	ctx := context.Background()
	if key != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(header, key))
	}
	return c.UnaryInterceptor()(ctx, nil, &grpc.UnaryServerInfo{}, passHandler)
}

func TestUnary_ModeNone_PassesThrough(t *testing.T) {
	c := NewChecker("none", "x-api-key", "secret")
	res, err := c.UnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, passHandler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Errorf("result: got %v, want ok", res)
	}
}

func TestUnary_EmptyKey_PassesThrough(t *testing.T) {
	c := NewChecker("apikey", "x-api-key", "")
	if c.Enabled() {
		t.Error("Enabled: got true with no key configured")
	}
	if _, err := callWithKey(t, c, "x-api-key", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnary_CorrectKey_Passes(t *testing.T) {
	c := NewChecker("apikey", "x-api-key", "supersecret")
	res, err := callWithKey(t, c, "x-api-key", "supersecret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != "ok" {
		t.Errorf("result: got %v, want ok", res)
	}
}

func TestUnary_WrongKey_Unauthenticated(t *testing.T) {
	c := NewChecker("apikey", "x-api-key", "supersecret")
	_, err := callWithKey(t, c, "x-api-key", "wrong")
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("code: got %v, want Unauthenticated", code)
	}
}

func TestUnary_NoMetadata_Unauthenticated(t *testing.T) {
	c := NewChecker("apikey", "x-api-key", "supersecret")
	_, err := c.UnaryInterceptor()(context.Background(), nil, &grpc.UnaryServerInfo{}, passHandler)
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("code: got %v, want Unauthenticated", code)
	}
}

func TestUnary_CustomHeaderIsCaseInsensitive(t *testing.T) {
	c := NewChecker("apikey", "X-PM-Token", "mytoken")
	if _, err := callWithKey(t, c, "x-pm-token", "mytoken"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s fakeStream) Context() context.Context { return s.ctx }

func TestStream_WrongKey_Unauthenticated(t *testing.T) {
	c := NewChecker("apikey", "x-api-key", "supersecret")
	called := false
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		called = true
		return nil
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "nope"))
	err := c.StreamInterceptor()(nil, fakeStream{ctx: ctx}, &grpc.StreamServerInfo{}, handler)
	if code := status.Code(err); code != codes.Unauthenticated {
		t.Errorf("code: got %v, want Unauthenticated", code)
	}
	if called {
		t.Error("handler called despite wrong key")
	}
}

// --- HTTP ---

func TestRequire(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := NewChecker("apikey", "X-API-Key", "k1").Require(ok)

	cases := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "k2", http.StatusUnauthorized},
		{"correct", "k1", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/persist", nil)
			if tc.key != "" {
				req.Header.Set("x-api-key", tc.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status: got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequire_Disabled(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	rec := httptest.NewRecorder()
	NewChecker("none", "", "").Require(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
}
