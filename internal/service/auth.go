package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/querygate/internal/config"
	"github.com/Strob0t/querygate/internal/domain/authz"
)

// KeySource resolves the RSA key a token was signed with.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// tokenClaims covers the claim shapes issued by Keycloak-style providers:
// roles may be top-level or nested under realm_access.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	Name              string   `json:"name"`
	Roles             []string `json:"roles"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
	Department string `json:"department"`
}

// AuthResolver verifies bearer tokens and builds the per-request authz.Context.
type AuthResolver struct {
	method   string
	secret   []byte
	keys     KeySource
	issuer   string
	audience string
	now      func() time.Time // for testing
}

// NewAuthResolver builds a resolver from config. keys is required for rs256.
func NewAuthResolver(cfg *config.Auth, keys KeySource) (*AuthResolver, error) {
	r := &AuthResolver{issuer: cfg.Issuer, audience: cfg.Audience, now: time.Now}
	switch strings.ToLower(cfg.Mode) {
	case "hs256":
		r.method = jwt.SigningMethodHS256.Alg()
		r.secret = []byte(cfg.Secret)
	case "rs256":
		if keys == nil {
			return nil, errors.New("rs256 requires a key source")
		}
		r.method = jwt.SigningMethodRS256.Alg()
		r.keys = keys
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	return r, nil
}

// Resolve verifies rawToken and returns the caller's context. If required is
// non-empty the caller must hold at least one of those roles.
func (r *AuthResolver) Resolve(ctx context.Context, rawToken string, required ...string) (authz.Context, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return authz.Context{}, authz.Unauthorized("missing bearer token")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{r.method}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.now),
		jwt.WithLeeway(5 * time.Second),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}
	if r.audience != "" {
		opts = append(opts, jwt.WithAudience(r.audience))
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims, r.keyFunc(ctx), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return authz.Context{}, authz.Unauthorized("token expired")
		}
		return authz.Context{}, authz.Unauthorized("invalid token: " + err.Error())
	}
	if claims.Subject == "" {
		return authz.Context{}, authz.Unauthorized("missing sub claim")
	}

	roles := slices.Concat(claims.Roles, claims.RealmAccess.Roles)
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Name
	}
	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.UTC()
	}
	ac := authz.NewContext(claims.Subject, username, roles, claims.Department, expiry)

	if len(required) > 0 {
		if len(ac.Roles()) == 0 {
			return authz.Context{}, authz.Forbidden("no roles assigned")
		}
		if !ac.HasAnyRole(required...) {
			return authz.Context{}, authz.Forbidden("requires one of: " + strings.Join(required, ", "))
		}
	}
	return ac, nil
}

func (r *AuthResolver) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return r.secret, nil
		case *jwt.SigningMethodRSA:
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid header")
			}
			return r.keys.Key(ctx, kid)
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
