// Package auth turns bearer tokens into board identities.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"salesops/api/internal/rbac"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// clockSkew is tolerated on exp/nbf/iat checks.
const clockSkew = time.Minute

// Identity is the authenticated caller.
type Identity struct {
	ActorID string
	Name    string
	Role    rbac.Role
}

type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens signed with a shared HS256 secret or with
// RS256 keys published through JWKS.
type Verifier struct {
	secret   []byte
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	parser   *jwt.Parser
	now      func() time.Time
}

func NewHMACVerifier(secret []byte, audience, issuer string) *Verifier {
	return &Verifier{
		secret:   secret,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
		now:      time.Now,
	}
}

func NewJWKSVerifier(jwks *keyfunc.JWKS, audience, issuer string) *Verifier {
	return &Verifier{
		jwks:     jwks,
		audience: audience,
		issuer:   issuer,
		parser:   jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation()),
		now:      time.Now,
	}
}

// VerifyHeader reads an "Authorization: Bearer <token>" header value.
func (v *Verifier) VerifyHeader(header string) (Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Identity{}, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return Identity{}, ErrInvalidToken
	}
	return v.Verify(strings.TrimSpace(token))
}

func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.key)
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	now := v.now()
	if claims.ExpiresAt == nil || !claims.VerifyExpiresAt(now.Add(-clockSkew), true) {
		return Identity{}, ErrExpiredToken
	}
	if !claims.VerifyNotBefore(now.Add(clockSkew), false) {
		return Identity{}, fmt.Errorf("%w: not valid yet", ErrInvalidToken)
	}
	if !claims.VerifyIssuedAt(now.Add(clockSkew), false) {
		return Identity{}, fmt.Errorf("%w: used before issued", ErrInvalidToken)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Identity{}, fmt.Errorf("%w: audience", ErrInvalidToken)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("%w: issuer", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}

	role := rbac.Normalize(claims.Role)
	if role == "" {
		role = rbac.RoleVisitante
	}
	return Identity{ActorID: claims.Subject, Name: claims.Name, Role: role}, nil
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	if v.jwks != nil {
		return v.jwks.Keyfunc(t)
	}
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("invalid signing method")
	}
	if len(v.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	return v.secret, nil
}

// IssueHMAC signs an HS256 token. Used by local tooling and tests; production
// tokens come from the identity provider.
func IssueHMAC(secret []byte, actorID string, role rbac.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
