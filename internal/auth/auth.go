package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/example/dispatch-tracking/internal/authz"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns a bearer credential into an actor. Issuing credentials is
// somebody else's job.
type Resolver interface {
	Resolve(ctx context.Context, token string) (authz.Actor, error)
}

// Claims is the JWT payload we accept.
type Claims struct {
	Role     string `json:"role"`
	DriverID string `json:"driver_id,omitempty"`
	VendorID string `json:"vendor_id,omitempty"`
	Active   *bool  `json:"active,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens signed with a shared secret.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(_ context.Context, token string) (authz.Actor, error) {
	if token == "" {
		return authz.Actor{}, ErrUnauthenticated
	}
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return authz.Actor{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if c.Subject == "" {
		return authz.Actor{}, fmt.Errorf("%w: missing subject", ErrUnauthenticated)
	}
	active := true
	if c.Active != nil {
		active = *c.Active
	}
	return authz.Actor{
		SubjectID: c.Subject,
		Role:      authz.Role(c.Role),
		DriverID:  c.DriverID,
		VendorID:  c.VendorID,
		Active:    active,
	}, nil
}

// Sign issues a token for actor. Used by tests and local tooling.
func (r *JWTResolver) Sign(actor authz.Actor, claims jwt.RegisteredClaims) (string, error) {
	active := actor.Active
	claims.Subject = actor.SubjectID
	c := Claims{Role: string(actor.Role), DriverID: actor.DriverID, VendorID: actor.VendorID, Active: &active, RegisteredClaims: claims}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(r.secret)
}

// StaticResolver maps fixed tokens to actors.
type StaticResolver map[string]authz.Actor

func (s StaticResolver) Resolve(_ context.Context, token string) (authz.Actor, error) {
	a, ok := s[token]
	if !ok {
		return authz.Actor{}, ErrUnauthenticated
	}
	return a, nil
}

// TokenFromRequest reads the bearer token from the Authorization header, falling
// back to the token query parameter browsers use for websockets.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithActor(ctx context.Context, a authz.Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

func ActorFrom(ctx context.Context) (authz.Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(authz.Actor)
	return a, ok
}
