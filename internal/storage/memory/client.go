package memory

import (
	"context"
	"sync"
	"time"
)

const (
	tokenTTL            = 30 * 24 * time.Hour
	sendRateLimitWindow = 60 * time.Second
	sendRateLimitMax    = 30
)

type item struct {
	val string
	exp time.Time
}

// Client — in-memory замена Redis для -dev. Принимает дополнительный
// статический токен, чтобы клиент подключался без регистрации.
type Client struct {
	mu       sync.RWMutex
	tokens   map[string]item
	limit    map[string][]time.Time
	devToken string
}

func New(devToken string) *Client {
	return &Client{
		tokens:   make(map[string]item),
		limit:    make(map[string][]time.Time),
		devToken: devToken,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetToken(ctx context.Context, token, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = item{val: userID, exp: time.Now().Add(tokenTTL)}
	return nil
}

func (c *Client) GetToken(ctx context.Context, token string) (string, error) {
	if c.devToken != "" && token == c.devToken {
		return "dev-user", nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.tokens[token]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) DeleteToken(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
	return nil
}

func (c *Client) CheckSendRateLimit(ctx context.Context, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cut := now.Add(-sendRateLimitWindow)
	var kept []time.Time
	for _, t := range c.limit[userID] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= sendRateLimitMax {
		c.limit[userID] = kept
		return false, nil
	}
	kept = append(kept, now)
	c.limit[userID] = kept
	return true, nil
}
