package admin

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
)

// DefaultTokenTTL is the lifetime of tokens minted by IssueToken.
const DefaultTokenTTL = 24 * time.Hour

// Authenticator checks HS256 bearer tokens on admin requests.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns an authenticator for secret. With an empty
// secret every request is let through.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		scheme, tokenString, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="service-proxy"`)
			writeError(w, http.StatusUnauthorized, "", "missing bearer token")
			return
		}

		claims, err := a.Parse(strings.TrimSpace(tokenString))
		if err != nil {
			logger.Warn("Rejected admin request from %s: %v", r.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="service-proxy", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "", "invalid token")
			return
		}
		logger.Debug("Admin request authorized for subject %q", claims.Subject)
		next.ServeHTTP(w, r)
	})
}

// Parse validates tokenString and returns its claims.
func (a *Authenticator) Parse(tokenString string) (*jwt.RegisteredClaims, error) {
	if !a.Enabled() {
		return nil, errors.New("authentication is not configured")
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

// IssueToken mints an HS256 token for subject that expires after ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "service-proxy",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
