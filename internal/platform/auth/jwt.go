package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated admin bound to a request. SessionToken
// is the opaque single-session token carried in the sid claim; handlers
// still validate it against the session store before privileged work, so
// a token overwritten by a newer login is rejected even while the JWT
// itself is unexpired.
type Principal struct {
	AdminID      string
	Rank         string
	SessionToken string
}

type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

func (s *TokenSigner) Sign(p Principal, now time.Time) (string, time.Time, error) {
	if p.AdminID == "" || p.SessionToken == "" {
		return "", time.Time{}, errors.New("principal is incomplete")
	}
	expiresAt := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub":  p.AdminID,
		"rank": p.Rank,
		"sid":  p.SessionToken,
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) ParsePrincipal(tokenString string) (Principal, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second))
	if err != nil || !tok.Valid {
		return Principal{}, errors.New("invalid token")
	}

	sub, _ := claims["sub"].(string)
	rank, _ := claims["rank"].(string)
	sid, _ := claims["sid"].(string)
	if sub == "" || sid == "" {
		return Principal{}, errors.New("missing principal claims")
	}
	return Principal{AdminID: sub, Rank: rank, SessionToken: sid}, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(principalContextKey).(Principal)
	return v, ok
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tok := strings.TrimPrefix(h, "Bearer ")
		p, err := verifier.ParsePrincipal(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
