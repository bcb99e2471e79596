package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"e2ee-relay/internal/service"
)

func setupHandshakeRouter(jwtSvc *service.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", HandshakeAuthMiddleware(zap.NewNop(), jwtSvc, nil), func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			c.Status(http.StatusUnauthorized)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": identity.UserID})
	})
	return r
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body.Error
}

func TestHandshakeAuthMiddleware_AllowsBearerHeader(t *testing.T) {
	jwtSvc := service.NewJWTService("secret", "")
	token, err := jwtSvc.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	setupHandshakeRouter(jwtSvc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandshakeAuthMiddleware_AllowsQueryToken(t *testing.T) {
	jwtSvc := service.NewJWTService("secret", "")
	token, _ := jwtSvc.Issue("alice", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	setupHandshakeRouter(jwtSvc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandshakeAuthMiddleware_RejectsMissingToken(t *testing.T) {
	jwtSvc := service.NewJWTService("secret", "")

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	setupHandshakeRouter(jwtSvc).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if reason := decodeErrorBody(t, rec); reason != "authentication error: token not provided" {
		t.Fatalf("unexpected reason %q", reason)
	}
}

func TestHandshakeAuthMiddleware_RejectsInvalidAndExpired(t *testing.T) {
	jwtSvc := service.NewJWTService("secret", "")
	other := service.NewJWTService("other-secret", "")
	forged, _ := other.Issue("alice", time.Hour)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user": map[string]any{"id": "alice"},
		"exp":  time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		reason string
	}{
		{"forged", forged, "authentication error: invalid token"},
		{"garbage", "abc", "authentication error: invalid token"},
		{"expired", expired, "authentication error: token expired"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Header.Set("Authorization", "bearer "+tc.token)
			rec := httptest.NewRecorder()
			setupHandshakeRouter(jwtSvc).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if reason := decodeErrorBody(t, rec); reason != tc.reason {
				t.Fatalf("unexpected reason %q", reason)
			}
		})
	}
}

func TestHandshakeAuthMiddleware_NotConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=x", nil)
	rec := httptest.NewRecorder()
	setupHandshakeRouter(nil).ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

type denyAllLimiter struct{ keys []string }

func (l *denyAllLimiter) Allow(_ context.Context, key string) bool {
	l.keys = append(l.keys, key)
	return false
}

func TestHandshakeAuthMiddleware_Throttled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtSvc := service.NewJWTService("secret", "")
	token, _ := jwtSvc.Issue("alice", time.Hour)
	limiter := &denyAllLimiter{}

	r := gin.New()
	r.GET("/ws", HandshakeAuthMiddleware(zap.NewNop(), jwtSvc, limiter), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "10.1.2.3" {
		t.Fatalf("expected limiter keyed by client ip, got %v", limiter.keys)
	}
}
