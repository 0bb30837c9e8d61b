package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/text/unicode/norm"
)

// AuthConfig configures HMAC bearer-token validation.
type AuthConfig struct {
	Enabled       bool
	HMACSecret    string
	Issuer        string
	Audience      string
	AdminSubjects []string
	ClockSkew     time.Duration
}

type contextKey string

const contextKeySubject contextKey = "crucible.subject"

// Authenticator validates bearer tokens and stores the token subject, the
// account the request acts for, in the request context.
type Authenticator struct {
	cfg    AuthConfig
	logger *slog.Logger
	secret []byte
	admins map[string]struct{}
}

// NewAuthenticator builds an authenticator from cfg.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	admins := make(map[string]struct{}, len(cfg.AdminSubjects))
	for _, subject := range cfg.AdminSubjects {
		if normalized := NormalizeAccount(subject); normalized != "" {
			admins[normalized] = struct{}{}
		}
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		admins: admins,
	}
}

// Enabled reports whether tokens are enforced.
func (a *Authenticator) Enabled() bool { return a != nil && a.cfg.Enabled }

// Middleware rejects requests without a valid token when auth is enabled.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		subject, err := a.parseToken(tokenString)
		if err != nil {
			a.logger.Warn("token validation failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		a.logger.Debug("caller authenticated", "token_subject", subject, "path", r.URL.Path)
		ctx := context.WithValue(r.Context(), contextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin only admits subjects listed in AdminSubjects. With auth
// disabled every request is admitted.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		subject, ok := Subject(r.Context())
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, ok := a.admins[subject]; !ok {
			http.Error(w, "admin subject required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Subject returns the authenticated account, if any.
func Subject(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(contextKeySubject).(string)
	return subject, ok && subject != ""
}

// WithSubject attaches an authenticated account to ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, contextKeySubject, NormalizeAccount(subject))
}

// NormalizeAccount folds an account identifier to NFKC so visually identical
// identifiers address the same ledger account.
func NormalizeAccount(account string) string {
	return norm.NFKC.String(strings.TrimSpace(account))
}

func (a *Authenticator) parseToken(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("auth secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject := NormalizeAccount(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject required")
	}
	return subject, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
