package domain

import (
	"encoding/json"
	"time"
)

// MessageEnvelope es el valor que se entrega en new_message. Content es opaco:
// se reenvía tal cual llega, nunca se decodifica.
type MessageEnvelope struct {
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient,omitempty"`
	Content          json.RawMessage `json:"content"`
	Timestamp        time.Time       `json:"timestamp"`
	CorrelationToken string          `json:"correlationToken,omitempty"`
}

type PrivateMessageRequest struct {
	RecipientID      string          `json:"recipientId"`
	Content          json.RawMessage `json:"content"`
	CorrelationToken string          `json:"correlationToken"`
}

// PendingMessage es un envelope encolado bajo la politica PersistAndRelay.
type PendingMessage struct {
	ID       string
	Envelope MessageEnvelope
}
