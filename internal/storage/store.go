package storage

import "context"

// TokenStore — хранилище auth-токенов для проверки Bearer при рукопожатии.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type TokenStore interface {
	SetToken(ctx context.Context, token, userID string) error
	GetToken(ctx context.Context, token string) (userID string, err error)
	DeleteToken(ctx context.Context, token string) error
	CheckSendRateLimit(ctx context.Context, userID string) (allowed bool, err error)
	Close() error
}
