package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/dispatch-tracking/internal/authz"
)

func TestJWTResolverRoundTrip(t *testing.T) {
	r := NewJWTResolver("s3cret")
	want := authz.Actor{SubjectID: "u1", Role: authz.RoleDriver, DriverID: "d1", VendorID: "v1", Active: true}
	tok, err := r.Sign(want, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := r.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestJWTResolverRejects(t *testing.T) {
	r := NewJWTResolver("s3cret")
	expired, _ := r.Sign(authz.Actor{SubjectID: "u1", Role: authz.RoleAdmin, Active: true},
		jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))})
	foreign, _ := NewJWTResolver("other").Sign(authz.Actor{SubjectID: "u1", Active: true}, jwt.RegisteredClaims{})
	noSub, _ := r.Sign(authz.Actor{Role: authz.RoleAdmin, Active: true}, jwt.RegisteredClaims{})

	for name, tok := range map[string]string{"empty": "", "garbage": "abc.def", "expired": expired, "wrong key": foreign, "no subject": noSub} {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Resolve(context.Background(), tok); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestInactiveClaimPropagates(t *testing.T) {
	r := NewJWTResolver("s3cret")
	tok, _ := r.Sign(authz.Actor{SubjectID: "u1", Role: authz.RoleVendor, VendorID: "v1", Active: false}, jwt.RegisteredClaims{})
	a, err := r.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Active {
		t.Fatal("inactive actor resolved as active")
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws/driver?token=q", nil)
	if got := TokenFromRequest(req); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	req.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(req); got != "h" {
		t.Fatalf("header token = %q", got)
	}
	req.Header.Set("Authorization", "Basic x")
	if got := TokenFromRequest(req); got != "" {
		t.Fatalf("non-bearer header yielded %q", got)
	}
}
