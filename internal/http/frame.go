package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"e2ee-relay/internal/domain"
)

var errInvalidContent = errors.New("message content is not valid json")

// envelopeHead es MessageEnvelope sin content; content se pega después tal cual llegó.
type envelopeHead struct {
	Sender           string    `json:"sender"`
	Recipient        string    `json:"recipient,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	CorrelationToken string    `json:"correlationToken,omitempty"`
}

// encodeFrame arma {"event":...,"data":...}. encoding/json compacta y escapa los
// json.RawMessage, así que el contenido cifrado nunca pasa por Marshal.
func encodeFrame(event string, payload any) ([]byte, error) {
	name, err := encodeJSON(event)
	if err != nil {
		return nil, err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	buf := make([]byte, 0, len(name)+len(data)+20)
	buf = append(buf, `{"event":`...)
	buf = append(buf, name...)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')
	return buf, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case domain.MessageEnvelope:
		return encodeEnvelope(p)
	case *domain.MessageEnvelope:
		if p == nil {
			return []byte("null"), nil
		}
		return encodeEnvelope(*p)
	default:
		return encodeJSON(payload)
	}
}

func encodeEnvelope(env domain.MessageEnvelope) ([]byte, error) {
	content := []byte(env.Content)
	if len(bytes.TrimSpace(content)) == 0 {
		content = []byte("null")
	} else if !json.Valid(content) {
		return nil, errInvalidContent
	}

	head, err := encodeJSON(envelopeHead{
		Sender:           env.Sender,
		Recipient:        env.Recipient,
		Timestamp:        env.Timestamp,
		CorrelationToken: env.CorrelationToken,
	})
	if err != nil {
		return nil, err
	}

	// head termina en '}' y siempre trae sender, así que la coma es válida.
	buf := make([]byte, 0, len(head)+len(content)+12)
	buf = append(buf, head[:len(head)-1]...)
	buf = append(buf, `,"content":`...)
	buf = append(buf, content...)
	buf = append(buf, '}')
	return buf, nil
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
