package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/service"
)

const authIdentityKey = "auth_identity"

// HandshakeAuthMiddleware valida la credencial antes del upgrade. Un rechazo es un 401,
// nunca un evento de aplicación. limiter puede ser nil.
func HandshakeAuthMiddleware(logger *zap.Logger, jwtSvc *service.JWTService, limiter service.HandshakeLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSvc == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwt not configured"})
			return
		}
		if limiter != nil && !limiter.Allow(c.Request.Context(), c.ClientIP()) {
			metrics.AuthRejected("throttled")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}

		identity, err := jwtSvc.Authenticate(credentialFromRequest(c.Request))
		if err != nil {
			reason := "authentication error: invalid token"
			var authErr *service.AuthError
			if errors.As(err, &authErr) {
				reason = authErr.Reason
			}
			metrics.AuthRejected(rejectionLabel(err))
			logger.Info("websocket handshake rejected",
				zap.String("reason", reason),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
			return
		}

		c.Set(authIdentityKey, identity)
		c.Next()
	}
}

// GetIdentity obtiene la identidad verificada desde el contexto.
func GetIdentity(c *gin.Context) (domain.Identity, bool) {
	val, ok := c.Get(authIdentityKey)
	if !ok {
		return domain.Identity{}, false
	}
	identity, ok := val.(domain.Identity)
	return identity, ok
}

// credentialFromRequest acepta Authorization: Bearer o ?token=, porque el websocket del navegador no manda headers.
func credentialFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, service.ErrCredentialMissing):
		return "missing"
	case errors.Is(err, service.ErrCredentialExpired):
		return "expired"
	default:
		return "invalid"
	}
}
