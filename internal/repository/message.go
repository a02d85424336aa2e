package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *model.StoredMessage) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	atts, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("msgRepo.Create marshal attachments: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender, text, is_chunked, message_group_id, chunk_index, attachments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, string(m.Sender), m.Text, m.IsChunked, m.GroupID, m.ChunkIndex, atts, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.StoredMessage, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.StoredMessage{}
	var sender string
	var atts []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, conversation_id, sender, text, is_chunked, message_group_id, chunk_index, attachments, created_at
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &sender, &m.Text, &m.IsChunked, &m.GroupID, &m.ChunkIndex, &atts, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	m.Sender = model.Sender(sender)
	if len(atts) > 0 {
		if err := json.Unmarshal(atts, &m.Attachments); err != nil {
			return nil, fmt.Errorf("msgRepo.GetByID attachments: %w", err)
		}
	}
	return m, nil
}

// GetConversationMessages возвращает всю историю разговора в хронологическом порядке.
func (r *MessageRepository) GetConversationMessages(ctx context.Context, conversationID string) ([]model.StoredMessage, error) {
	defer logger.DeferLogDuration("msg.GetConversationMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, conversation_id, sender, text, is_chunked, message_group_id, chunk_index, attachments, created_at
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, chunk_index ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages query: %w", err)
	}
	defer rows.Close()

	var messages []model.StoredMessage
	for rows.Next() {
		var m model.StoredMessage
		var sender string
		var atts []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Text, &m.IsChunked, &m.GroupID, &m.ChunkIndex, &atts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.GetConversationMessages scan: %w", err)
		}
		m.Sender = model.Sender(sender)
		if len(atts) > 0 {
			if err := json.Unmarshal(atts, &m.Attachments); err != nil {
				return nil, fmt.Errorf("msgRepo.GetConversationMessages attachments: %w", err)
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetConversationMessages rows: %w", err)
	}
	return messages, nil
}
