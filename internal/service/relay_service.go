package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/metrics"
	"e2ee-relay/internal/repository"
)

// DeliveryPolicy decide qué pasa con un mensaje cuyo destinatario no está conectado.
type DeliveryPolicy int

const (
	// RelayOnly entrega solo online-a-online; si el destinatario no está, se descarta.
	RelayOnly DeliveryPolicy = iota
	// PersistAndRelay encola el envelope y lo entrega en la próxima conexión del destinatario.
	PersistAndRelay
)

func (p DeliveryPolicy) String() string {
	switch p {
	case RelayOnly:
		return "relay_only"
	case PersistAndRelay:
		return "persist_and_relay"
	default:
		return fmt.Sprintf("DeliveryPolicy(%d)", int(p))
	}
}

// ParseDeliveryPolicy traduce el valor de configuración.
func ParseDeliveryPolicy(raw string) (DeliveryPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "relay_only":
		return RelayOnly, nil
	case "persist_and_relay":
		return PersistAndRelay, nil
	default:
		return RelayOnly, fmt.Errorf("unknown delivery policy %q", raw)
	}
}

var ErrRelayServiceNotConfigured = errors.New("relay service not configured")

// RelayService reenvía contenido cifrado sin leerlo.
type RelayService struct {
	logger   *zap.Logger
	presence PresenceDirectory
	emitter  Emitter
	policy   DeliveryPolicy
	pending  repository.PendingMessageRepository
	now      func() time.Time
}

func NewRelayService(logger *zap.Logger, presence PresenceDirectory, emitter Emitter, policy DeliveryPolicy, pending repository.PendingMessageRepository) *RelayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == PersistAndRelay && pending == nil {
		pending = repository.NewMemoryPendingMessageRepository()
	}
	return &RelayService{
		logger:   logger,
		presence: presence,
		emitter:  emitter,
		policy:   policy,
		pending:  pending,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *RelayService) Policy() DeliveryPolicy {
	if s == nil {
		return RelayOnly
	}
	return s.policy
}

// Send entrega el mensaje al destinatario y hace eco al remitente.
// Nunca informa al remitente cuando el mensaje se descarta.
func (s *RelayService) Send(ctx context.Context, sender domain.Session, req domain.PrivateMessageRequest) error {
	if s == nil || s.presence == nil || s.emitter == nil {
		return ErrRelayServiceNotConfigured
	}
	recipientID := strings.TrimSpace(req.RecipientID)
	if recipientID == "" {
		metrics.MessageDropped("invalid")
		s.logger.Debug("message without recipient dropped", zap.String("sender", sender.UserID))
		return nil
	}

	env := domain.MessageEnvelope{
		Sender:           sender.UserID,
		Recipient:        recipientID,
		Content:          req.Content,
		Timestamp:        s.now(),
		CorrelationToken: req.CorrelationToken,
	}

	connID, ok, err := s.presence.Get(ctx, recipientID)
	if err != nil {
		metrics.StoreError("presence_get")
		s.logger.Error("recipient lookup failed", zap.String("recipient", recipientID), zap.Error(err))
		ok = false
	}
	if ok {
		err := s.emitter.Emit(connID, domain.EventNewMessage, env)
		if err == nil {
			s.echo(sender, env)
			metrics.MessageRelayed()
			return nil
		}
		if !errors.Is(err, ErrConnectionNotFound) {
			s.logger.Warn("deliver to recipient failed", zap.String("recipient", recipientID), zap.Error(err))
		}
	}

	return s.handleAbsent(ctx, sender, env)
}

func (s *RelayService) handleAbsent(ctx context.Context, sender domain.Session, env domain.MessageEnvelope) error {
	if s.policy != PersistAndRelay {
		metrics.MessageDropped("offline")
		s.logger.Debug("recipient offline, message dropped",
			zap.String("sender", env.Sender),
			zap.String("recipient", env.Recipient),
		)
		return nil
	}
	msg := domain.PendingMessage{ID: uuid.NewString(), Envelope: env}
	if err := s.pending.Enqueue(ctx, msg); err != nil {
		metrics.StoreError("pending_enqueue")
		metrics.MessageDropped("store_unavailable")
		s.logger.Error("enqueue pending message failed", zap.String("recipient", env.Recipient), zap.Error(err))
		return nil
	}
	metrics.MessageQueued()
	s.echo(sender, env)
	return nil
}

func (s *RelayService) echo(sender domain.Session, env domain.MessageEnvelope) {
	if err := s.emitter.Emit(sender.ConnID, domain.EventNewMessage, env); err != nil {
		s.logger.Debug("sender echo failed", zap.String("sender", sender.UserID), zap.Error(err))
	}
}

// DeliverPending vacía la cola del usuario recién conectado. Sin efecto bajo RelayOnly.
func (s *RelayService) DeliverPending(ctx context.Context, session domain.Session) (int, error) {
	if s == nil || s.emitter == nil {
		return 0, ErrRelayServiceNotConfigured
	}
	if s.policy != PersistAndRelay || s.pending == nil {
		return 0, nil
	}
	queued, err := s.pending.TakeForRecipient(ctx, session.UserID)
	if err != nil {
		metrics.StoreError("pending_take")
		s.logger.Error("take pending messages failed", zap.String("user_id", session.UserID), zap.Error(err))
		return 0, nil
	}
	delivered := 0
	for _, msg := range queued {
		if err := s.emitter.Emit(session.ConnID, domain.EventNewMessage, msg.Envelope); err != nil {
			metrics.MessageDropped("redelivery_failed")
			s.logger.Warn("pending delivery failed",
				zap.String("user_id", session.UserID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		s.logger.Info("pending messages delivered", zap.String("user_id", session.UserID), zap.Int("count", delivered))
	}
	return delivered, nil
}
