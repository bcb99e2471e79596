package service

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/metrics"
)

var ErrPresenceServiceNotConfigured = errors.New("presence service not configured")

// PresenceService registra conexiones en el directorio y avisa a los demás usuarios.
type PresenceService struct {
	logger   *zap.Logger
	presence PresenceDirectory
	keys     KeyDirectory
	emitter  Emitter
}

func NewPresenceService(logger *zap.Logger, presence PresenceDirectory, keys KeyDirectory, emitter Emitter) *PresenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceService{
		logger:   logger,
		presence: presence,
		keys:     keys,
		emitter:  emitter,
	}
}

// Connect publica la presencia de la sesión y emite user_connected al resto.
// Si el directorio falla la sesión sigue viva pero no se anuncia.
func (s *PresenceService) Connect(ctx context.Context, session domain.Session) error {
	if s == nil || s.presence == nil || s.emitter == nil {
		return ErrPresenceServiceNotConfigured
	}
	if err := s.presence.Set(ctx, session.UserID, session.ConnID); err != nil {
		// Sin registro nadie puede escribirle; anunciarlo solo confundiría a los demás.
		metrics.StoreError("presence_set")
		s.logger.Error("presence set failed, connection not announced",
			zap.String("user_id", session.UserID),
			zap.String("conn_id", session.ConnID),
			zap.Error(err),
		)
		return nil
	}

	event := domain.UserConnected{UserID: session.UserID}
	if s.keys != nil {
		known, err := s.keys.Get(ctx, []string{session.UserID})
		if err != nil {
			metrics.StoreError("keys_get")
			s.logger.Warn("public key lookup failed", zap.String("user_id", session.UserID), zap.Error(err))
		} else {
			event.PublicKey = known[session.UserID]
		}
	}
	s.emitter.Broadcast(session.UserID, domain.EventUserConnected, event)
	s.logger.Info("user connected", zap.String("user_id", session.UserID), zap.String("conn_id", session.ConnID))
	return nil
}

// Disconnect borra presencia y clave si esta conexión seguía siendo la vigente.
// Si otra conexión del mismo usuario la reemplazó, no se avisa nada.
func (s *PresenceService) Disconnect(ctx context.Context, session domain.Session) error {
	if s == nil || s.presence == nil || s.emitter == nil {
		return ErrPresenceServiceNotConfigured
	}
	removed, err := s.presence.Delete(ctx, session.UserID, session.ConnID)
	if err != nil {
		metrics.StoreError("presence_delete")
		s.logger.Error("presence delete failed",
			zap.String("user_id", session.UserID),
			zap.String("conn_id", session.ConnID),
			zap.Error(err),
		)
		return nil
	}
	if !removed {
		s.logger.Info("superseded connection closed",
			zap.String("user_id", session.UserID),
			zap.String("conn_id", session.ConnID),
		)
		return nil
	}

	if s.keys != nil {
		if err := s.keys.Delete(ctx, session.UserID); err != nil {
			metrics.StoreError("keys_delete")
			s.logger.Warn("public key delete failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	s.emitter.Broadcast(session.UserID, domain.EventUserDisconnected, domain.UserDisconnected{UserID: session.UserID})
	s.logger.Info("user disconnected", zap.String("user_id", session.UserID), zap.String("conn_id", session.ConnID))
	return nil
}

// OnlineUsers lista los usuarios presentes excluyendo al que pregunta.
func (s *PresenceService) OnlineUsers(ctx context.Context, session domain.Session) ([]string, error) {
	if s == nil || s.presence == nil {
		return nil, ErrPresenceServiceNotConfigured
	}
	users, err := s.presence.List(ctx)
	if err != nil {
		metrics.StoreError("presence_list")
		return nil, err
	}
	out := make([]string, 0, len(users))
	for _, userID := range users {
		if userID != session.UserID {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}
