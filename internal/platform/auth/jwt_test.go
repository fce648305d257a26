package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndParsePrincipal(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)
	verifier := NewJWTVerifier("test-secret")

	signed, expiresAt, err := signer.Sign(Principal{AdminID: "adm-1", Rank: "master", SessionToken: "sess-1"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("token already expired: %v", expiresAt)
	}

	p, err := verifier.ParsePrincipal(signed)
	if err != nil {
		t.Fatalf("parse principal: %v", err)
	}
	if p.AdminID != "adm-1" || p.Rank != "master" || p.SessionToken != "sess-1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
}

func TestParsePrincipalRejectsMissingSessionClaim(t *testing.T) {
	claims := jwt.MapClaims{
		"sub":  "adm-1",
		"rank": "master",
		"exp":  time.Now().Add(time.Hour).Unix(),
		"iat":  time.Now().Add(-time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := NewJWTVerifier("test-secret").ParsePrincipal(signed); err == nil {
		t.Fatal("expected error for token without sid claim")
	}
}

func TestParsePrincipalRejectsWrongSecret(t *testing.T) {
	signer := NewTokenSigner("secret-a", time.Hour)
	signed, _, err := signer.Sign(Principal{AdminID: "adm-1", Rank: "owner", SessionToken: "sess-1"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTVerifier("secret-b").ParsePrincipal(signed); err == nil {
		t.Fatal("expected error for wrong signing secret")
	}
}

func TestHTTPJWTMiddlewareWithSkips(t *testing.T) {
	signer := NewTokenSigner("test-secret", time.Hour)
	verifier := NewJWTVerifier("test-secret")
	signed, _, err := signer.Sign(Principal{AdminID: "adm-9", Rank: "reseller", SessionToken: "sess-9"}, time.Now().UTC())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var seen Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := HTTPJWTMiddlewareWithSkips(verifier, next, []string{"/healthz"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("skip path blocked: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/credits/transfer", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token allowed: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/credits/transfer", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token rejected: %d", rec.Code)
	}
	if seen.AdminID != "adm-9" || seen.SessionToken != "sess-9" {
		t.Fatalf("unexpected principal in context: %+v", seen)
	}
}
