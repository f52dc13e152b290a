package fundd

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func echoOperator() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(OperatorFromContext(r.Context())))
	})
}

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthenticatorRequiresMechanism(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{})
	require.Error(t, err)
	_, err = NewAuthenticator(AuthConfig{JWT: JWTConfig{Enabled: true}})
	require.Error(t, err)
}

func TestAuthenticatorBearer(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{BearerToken: "s3cret"})
	require.NoError(t, err)
	handler := auth.Middleware(echoOperator())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "bearer s3cret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "bearer", rec.Body.String())
}

func TestAuthenticatorJWT(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{JWT: JWTConfig{
		Enabled:  true,
		Secret:   "hmac-secret",
		Issuer:   "fund-ops",
		Audience: "fundd",
	}})
	require.NoError(t, err)
	handler := auth.Middleware(echoOperator())
	now := time.Now()

	valid := signToken(t, "hmac-secret", jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "fund-ops",
		Audience:  jwt.ClaimStrings{"fundd"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	cases := map[string]struct {
		token string
		code  int
	}{
		"valid": {valid, http.StatusOK},
		"wrong secret": {signToken(t, "other", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "fund-ops", Audience: jwt.ClaimStrings{"fundd"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}), http.StatusUnauthorized},
		"expired": {signToken(t, "hmac-secret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "fund-ops", Audience: jwt.ClaimStrings{"fundd"},
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		}), http.StatusUnauthorized},
		"no expiry": {signToken(t, "hmac-secret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "fund-ops", Audience: jwt.ClaimStrings{"fundd"},
		}), http.StatusUnauthorized},
		"wrong audience": {signToken(t, "hmac-secret", jwt.RegisteredClaims{
			Subject: "alice", Issuer: "fund-ops", Audience: jwt.ClaimStrings{"treasury"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}), http.StatusUnauthorized},
		"no subject": {signToken(t, "hmac-secret", jwt.RegisteredClaims{
			Issuer: "fund-ops", Audience: jwt.ClaimStrings{"fundd"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}), http.StatusUnauthorized},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("Authorization", "Bearer "+tc.token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.code, rec.Code)
			if tc.code == http.StatusOK {
				require.Equal(t, "alice", rec.Body.String())
			}
		})
	}
}

func TestAuthenticatorMTLS(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{AllowMTLS: true})
	require.NoError(t, err)
	handler := auth.Middleware(echoOperator())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "ops-laptop"}}
	req.TLS = &tls.ConnectionState{
		HandshakeComplete: true,
		VerifiedChains:    [][]*x509.Certificate{{cert}},
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ops-laptop", rec.Body.String())
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(RateConfig{RequestsPerMinute: 60, Burst: 2})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	require.Equal(t, http.StatusNoContent, call("10.0.0.1:1001"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1002"))
	require.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"), "limits are per client")

	now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, call("10.0.0.1:1003"))
}
