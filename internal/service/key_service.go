package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/metrics"
)

var (
	ErrKeyServiceNotConfigured = errors.New("key service not configured")
	ErrKeyInvalidInput         = errors.New("public key invalid input")
)

const maxKeyLookupIDs = 500

// KeyService publica y consulta claves públicas para el arranque del cifrado extremo a extremo.
type KeyService struct {
	logger  *zap.Logger
	keys    KeyDirectory
	emitter Emitter
}

func NewKeyService(logger *zap.Logger, keys KeyDirectory, emitter Emitter) *KeyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyService{
		logger:  logger,
		keys:    keys,
		emitter: emitter,
	}
}

// Publish guarda la clave y la anuncia al resto con user_connected para que calienten su cache.
func (s *KeyService) Publish(ctx context.Context, session domain.Session, publicKey string) error {
	if s == nil || s.keys == nil || s.emitter == nil {
		return ErrKeyServiceNotConfigured
	}
	if strings.TrimSpace(publicKey) == "" {
		return ErrKeyInvalidInput
	}
	if err := s.keys.Set(ctx, session.UserID, publicKey); err != nil {
		metrics.StoreError("keys_set")
		return err
	}
	s.emitter.Broadcast(session.UserID, domain.EventUserConnected, domain.UserConnected{
		UserID:    session.UserID,
		PublicKey: publicKey,
	})
	s.logger.Debug("public key published", zap.String("user_id", session.UserID))
	return nil
}

// Lookup devuelve las claves conocidas; los usuarios sin clave no aparecen.
func (s *KeyService) Lookup(ctx context.Context, userIDs []string) (map[string]string, error) {
	if s == nil || s.keys == nil {
		return nil, ErrKeyServiceNotConfigured
	}
	ids := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > maxKeyLookupIDs {
		s.logger.Warn("public key lookup truncated", zap.Int("requested", len(ids)))
		ids = ids[:maxKeyLookupIDs]
	}
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	found, err := s.keys.Get(ctx, ids)
	if err != nil {
		metrics.StoreError("keys_get")
		return nil, err
	}
	return found, nil
}
