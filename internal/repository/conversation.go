package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
)

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetOrCreate возвращает разговор пользователя, создавая его при первом подключении.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, userID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetOrCreate", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE user_id = $1`, userID,
	).Scan(&c.ID, &c.UserID, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("convRepo.GetOrCreate select: %w", err)
	}

	c = &model.Conversation{ID: uuid.New().String(), UserID: userID, CreatedAt: time.Now().UTC()}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		c.ID, c.UserID, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetOrCreate insert: %w", err)
	}
	// Параллельное подключение могло выиграть гонку — перечитываем.
	err = r.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE user_id = $1`, userID,
	).Scan(&c.ID, &c.UserID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetOrCreate reread: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, created_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.UserID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}
