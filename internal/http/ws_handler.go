package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/service"
)

const maxDecodeErrorsPerConn = 5

// WSOptions limita lo que una conexión puede hacer.
type WSOptions struct {
	AllowedOrigins []string
	EventRate      float64
	EventBurst     int
	MaxFrameBytes  int
}

// WSHandler atiende /ws: una goroutine por conexión procesa sus eventos en orden.
type WSHandler struct {
	logger   *zap.Logger
	hub      *Hub
	presence *service.PresenceService
	keys     *service.KeyService
	relay    *service.RelayService
	opts     WSOptions
	origins  map[string]struct{}
}

func NewWSHandler(
	logger *zap.Logger,
	hub *Hub,
	presence *service.PresenceService,
	keys *service.KeyService,
	relay *service.RelayService,
	opts WSOptions,
) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			origins[origin] = struct{}{}
		}
	}
	return &WSHandler{
		logger:   logger,
		hub:      hub,
		presence: presence,
		keys:     keys,
		relay:    relay,
		opts:     opts,
		origins:  origins,
	}
}

// Connect hace el upgrade de una conexión ya autenticada por HandshakeAuthMiddleware.
func (h *WSHandler) Connect(c *gin.Context) {
	identity, ok := GetIdentity(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication error: token not provided"})
		return
	}
	server := websocket.Server{
		Handshake: h.checkOrigin,
		Handler: func(conn *websocket.Conn) {
			h.serveConn(conn, identity)
		},
	}
	server.ServeHTTP(c.Writer, c.Request)
}

func (h *WSHandler) checkOrigin(config *websocket.Config, req *http.Request) error {
	raw := strings.TrimSpace(req.Header.Get("Origin"))
	if len(h.origins) == 0 {
		if raw == "" {
			return nil
		}
		origin, err := websocket.Origin(config, req)
		if err != nil {
			return err
		}
		config.Origin = origin
		return nil
	}
	if _, ok := h.origins[strings.TrimRight(raw, "/")]; !ok {
		h.logger.Info("websocket origin rejected", zap.String("origin", raw))
		return fmt.Errorf("origin %q not allowed", raw)
	}
	origin, err := websocket.Origin(config, req)
	if err != nil {
		return err
	}
	config.Origin = origin
	return nil
}

func (h *WSHandler) serveConn(conn *websocket.Conn, identity domain.Identity) {
	if h.opts.MaxFrameBytes > 0 {
		conn.MaxPayloadBytes = h.opts.MaxFrameBytes
	}
	session := domain.Session{
		ConnID:      uuid.NewString(),
		UserID:      identity.UserID,
		ConnectedAt: time.Now().UTC(),
	}
	logger := h.logger.With(zap.String("user_id", session.UserID), zap.String("conn_id", session.ConnID))

	ctx, cancel := context.WithCancel(conn.Request().Context())
	h.hub.register(session.ConnID, session.UserID, newWSPeer(conn))
	metrics.ConnectionOpened()
	defer func() {
		cancel()
		h.hub.unregister(session.ConnID)
		metrics.ConnectionClosed()
		if err := h.presence.Disconnect(context.WithoutCancel(ctx), session); err != nil {
			logger.Error("disconnect cleanup failed", zap.Error(err))
		}
		_ = conn.Close()
	}()

	if err := h.presence.Connect(ctx, session); err != nil {
		logger.Error("connect bookkeeping failed", zap.Error(err))
		return
	}
	if _, err := h.relay.DeliverPending(ctx, session); err != nil {
		logger.Warn("pending delivery skipped", zap.Error(err))
	}

	var limiter *rate.Limiter
	if h.opts.EventRate > 0 && h.opts.EventBurst > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.EventRate), h.opts.EventBurst)
	}

	decodeErrors := 0
	for {
		var frame domain.Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if !isDecodeError(err) {
				if !errors.Is(err, io.EOF) {
					logger.Debug("websocket read ended", zap.Error(err))
				}
				return
			}
			decodeErrors++
			logger.Warn("invalid frame", zap.Int("consecutive", decodeErrors), zap.Error(err))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if limiter != nil && !limiter.Allow() {
			metrics.EventThrottled()
			logger.Warn("event rate exceeded, dropping", zap.String("event", frame.Event))
			continue
		}

		h.dispatch(ctx, logger, session, frame)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &typeErr) ||
		errors.Is(err, websocket.ErrFrameTooLarge)
}

func (h *WSHandler) dispatch(ctx context.Context, logger *zap.Logger, session domain.Session, frame domain.Frame) {
	switch frame.Event {
	case domain.EventPublishKey:
		metrics.InboundEvent(frame.Event)
		var req domain.PublishKeyRequest
		if !decodeData(logger, frame, &req) {
			return
		}
		if err := h.keys.Publish(ctx, session, req.PublicKey); err != nil {
			logger.Warn("publish key failed", zap.Error(err))
		}

	case domain.EventGetPublicKeys:
		metrics.InboundEvent(frame.Event)
		var req domain.PublicKeysRequest
		if !decodeData(logger, frame, &req) {
			return
		}
		found, err := h.keys.Lookup(ctx, req.UserIDs)
		if err != nil {
			logger.Error("public key lookup failed", zap.Error(err))
			return
		}
		h.reply(logger, session, domain.EventPublicKeysList, found)

	case domain.EventGetOnlineUsers:
		metrics.InboundEvent(frame.Event)
		users, err := h.presence.OnlineUsers(ctx, session)
		if err != nil {
			logger.Error("online users lookup failed", zap.Error(err))
			return
		}
		h.reply(logger, session, domain.EventOnlineUsersList, users)

	case domain.EventPrivateMessage:
		metrics.InboundEvent(frame.Event)
		var req domain.PrivateMessageRequest
		if !decodeData(logger, frame, &req) {
			return
		}
		if err := h.relay.Send(ctx, session, req); err != nil {
			logger.Error("relay failed", zap.Error(err))
		}

	default:
		metrics.InboundEvent("unknown")
		logger.Debug("unknown event ignored", zap.String("event", frame.Event))
	}
}

func (h *WSHandler) reply(logger *zap.Logger, session domain.Session, event string, payload any) {
	if err := h.hub.Emit(session.ConnID, event, payload); err != nil {
		logger.Debug("reply failed", zap.String("event", event), zap.Error(err))
	}
}

func decodeData(logger *zap.Logger, frame domain.Frame, dst any) bool {
	if len(frame.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		logger.Warn("invalid event payload", zap.String("event", frame.Event), zap.Error(err))
		return false
	}
	return true
}
