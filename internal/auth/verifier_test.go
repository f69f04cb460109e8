package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"salesops/api/internal/rbac"
)

func signHMAC(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func validClaims(sub, role string) Claims {
	now := time.Now()
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestIssueAndVerifyHMAC(t *testing.T) {
	token, err := IssueHMAC([]byte("secret"), "broker-1", rbac.RoleCorretor, time.Hour)
	if err != nil {
		t.Fatalf("IssueHMAC() error = %v", err)
	}
	identity, err := NewHMACVerifier([]byte("secret"), "", "").VerifyHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("VerifyHeader() error = %v", err)
	}
	if identity.ActorID != "broker-1" || identity.Role != rbac.RoleCorretor {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestVerifyRejects(t *testing.T) {
	expired := validClaims("u1", "gerente")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noSub := validClaims("", "gerente")
	wrongAud := validClaims("u1", "gerente")
	wrongAud.Audience = jwt.ClaimStrings{"other"}

	cases := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"missing header", "", ErrMissingToken},
		{"wrong scheme", "Basic abc", ErrInvalidToken},
		{"garbage", "Bearer not.a.token", ErrInvalidToken},
		{"wrong secret", "Bearer " + signHMAC(t, "other", validClaims("u1", "gerente")), ErrInvalidToken},
		{"expired", "Bearer " + signHMAC(t, "secret", expired), ErrExpiredToken},
		{"missing sub", "Bearer " + signHMAC(t, "secret", noSub), ErrInvalidToken},
		{"wrong audience", "Bearer " + signHMAC(t, "secret", wrongAud), ErrInvalidToken},
	}
	verifier := NewHMACVerifier([]byte("secret"), "salesops", "")
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := verifier.VerifyHeader(tc.header)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestVerifyDefaultsMissingRoleToVisitor(t *testing.T) {
	token := signHMAC(t, "secret", validClaims("u1", ""))
	identity, err := NewHMACVerifier([]byte("secret"), "", "").Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.Role != rbac.RoleVisitante {
		t.Fatalf("expected visitante, got %q", identity.Role)
	}
}

func TestVerifyJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	n := base64.RawURLEncoding.EncodeToString(key.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","kid":"k1","alg":"RS256","use":"sig","n":%q,"e":%q}]}`, n, e)
	}))
	defer srv.Close()

	jwks, err := keyfunc.Get(srv.URL, keyfunc.Options{})
	if err != nil {
		t.Fatalf("keyfunc.Get: %v", err)
	}
	defer jwks.EndBackground()

	claims := validClaims("director-1", "diretor")
	claims.Issuer = "https://idp.example"
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	verifier := NewJWKSVerifier(jwks, "", "https://idp.example")
	identity, err := verifier.Verify(signed)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.Role != rbac.RoleDiretor {
		t.Fatalf("unexpected identity %+v", identity)
	}

	// HS256 tokens are refused in JWKS mode.
	if _, err := verifier.Verify(signHMAC(t, "secret", validClaims("u1", "diretor"))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
