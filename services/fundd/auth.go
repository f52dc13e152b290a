package fundd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig describes admin authentication options.
type AuthConfig struct {
	BearerToken string
	AllowMTLS   bool
	JWT         JWTConfig
	Logger      *slog.Logger
}

type contextKey string

// ContextKeyOperator carries the authenticated operator identity.
const ContextKeyOperator contextKey = "fundd.operator"

// Authenticator validates incoming admin requests.
type Authenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
	jwt         JWTConfig
	jwtSecret   []byte
	logger      *slog.Logger
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	allowBearer := token != ""
	allowMTLS := cfg.AllowMTLS
	auth := &Authenticator{
		bearerToken: token,
		allowBearer: allowBearer,
		allowMTLS:   allowMTLS,
		jwt:         cfg.JWT,
		logger:      cfg.Logger,
	}
	if cfg.JWT.Enabled {
		secret := strings.TrimSpace(cfg.JWT.Secret)
		if secret == "" {
			return nil, fmt.Errorf("jwt enabled without a secret")
		}
		auth.jwtSecret = []byte(secret)
		if auth.jwt.ClockSkew.Duration <= 0 {
			auth.jwt.ClockSkew.Duration = 2 * time.Minute
		}
	}
	if !allowBearer && !allowMTLS && len(auth.jwtSecret) == 0 {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	if auth.logger == nil {
		auth.logger = slog.Default()
	}
	return auth, nil
}

// Middleware enforces authentication for admin handlers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if operator, ok := a.authenticate(r); ok {
			ctx := context.WithValue(r.Context(), ContextKeyOperator, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

// OperatorFromContext returns the identity recorded by Middleware.
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(ContextKeyOperator).(string)
	return operator
}

func (a *Authenticator) authenticate(r *http.Request) (string, bool) {
	if a == nil || r == nil {
		return "", false
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token != "" {
		if a.allowBearer && token == a.bearerToken {
			return "bearer", true
		}
		if len(a.jwtSecret) > 0 {
			subject, err := a.parseJWT(token)
			if err == nil {
				return subject, true
			}
			a.logger.Warn("admin token rejected", slog.Any("error", err))
		}
	}
	if a.allowMTLS {
		if subject, ok := authenticateByMTLS(r); ok {
			return subject, true
		}
	}
	return "", false
}

func (a *Authenticator) parseJWT(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.jwt.ClockSkew.Duration),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(a.jwt.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(a.jwt.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token invalid")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject required")
	}
	return subject, nil
}

func authenticateByMTLS(r *http.Request) (string, bool) {
	state := r.TLS
	if state == nil {
		return "", false
	}
	if len(state.VerifiedChains) > 0 && len(state.VerifiedChains[0]) > 0 {
		return state.VerifiedChains[0][0].Subject.CommonName, true
	}
	if len(state.PeerCertificates) > 0 && state.HandshakeComplete {
		return state.PeerCertificates[0].Subject.CommonName, true
	}
	return "", false
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
