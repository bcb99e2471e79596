package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"e2ee-relay/internal/domain"
)

// PendingMessageRepository encola envelopes para destinatarios desconectados.
// TakeForRecipient los entrega una sola vez, en orden de creación.
type PendingMessageRepository interface {
	Enqueue(ctx context.Context, msg domain.PendingMessage) error
	TakeForRecipient(ctx context.Context, recipientID string) ([]domain.PendingMessage, error)
}

type PgPendingMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgPendingMessageRepository(pool *pgxpool.Pool) *PgPendingMessageRepository {
	return &PgPendingMessageRepository{pool: pool}
}

func (r *PgPendingMessageRepository) Enqueue(ctx context.Context, msg domain.PendingMessage) error {
	const query = `
		INSERT INTO pending_messages (id, sender_id, recipient_id, content, correlation_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	env := msg.Envelope
	content := []byte(env.Content)
	if len(content) == 0 {
		content = []byte("null")
	}
	_, err := r.pool.Exec(ctx, query,
		msg.ID,
		env.Sender,
		env.Recipient,
		content,
		env.CorrelationToken,
		env.Timestamp,
	)
	return err
}

func (r *PgPendingMessageRepository) TakeForRecipient(ctx context.Context, recipientID string) ([]domain.PendingMessage, error) {
	const query = `
		WITH taken AS (
			DELETE FROM pending_messages
			WHERE recipient_id = $1
			RETURNING id, sender_id, recipient_id, content, correlation_token, created_at
		)
		SELECT id, sender_id, recipient_id, content, correlation_token, created_at
		FROM taken
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingMessage
	for rows.Next() {
		var msg domain.PendingMessage
		var content []byte
		err = rows.Scan(
			&msg.ID,
			&msg.Envelope.Sender,
			&msg.Envelope.Recipient,
			&content,
			&msg.Envelope.CorrelationToken,
			&msg.Envelope.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		msg.Envelope.Content = content
		msg.Envelope.Timestamp = msg.Envelope.Timestamp.UTC()
		out = append(out, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

type memoryPendingMessageRepository struct {
	mu    sync.Mutex
	queue map[string][]domain.PendingMessage
}

// NewMemoryPendingMessageRepository es la cola local al proceso, usada sin DATABASE_URL.
func NewMemoryPendingMessageRepository() PendingMessageRepository {
	return &memoryPendingMessageRepository{
		queue: make(map[string][]domain.PendingMessage),
	}
}

func (r *memoryPendingMessageRepository) Enqueue(_ context.Context, msg domain.PendingMessage) error {
	recipient := strings.TrimSpace(msg.Envelope.Recipient)
	if recipient == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue[recipient] = append(r.queue[recipient], msg)
	return nil
}

func (r *memoryPendingMessageRepository) TakeForRecipient(_ context.Context, recipientID string) ([]domain.PendingMessage, error) {
	r.mu.Lock()
	taken := r.queue[recipientID]
	delete(r.queue, recipientID)
	r.mu.Unlock()

	sort.SliceStable(taken, func(i, j int) bool {
		return taken[i].Envelope.Timestamp.Before(taken[j].Envelope.Timestamp)
	})
	return taken, nil
}
