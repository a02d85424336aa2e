package server

import (
	"context"
	"sort"
	"sync"

	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/repository"
)

// Store is the persistence surface the hub needs: one conversation per user,
// append-only message log.
type Store interface {
	Conversation(ctx context.Context, userID string) (*model.Conversation, error)
	SaveMessage(ctx context.Context, m *model.StoredMessage) error
	History(ctx context.Context, conversationID string) ([]model.StoredMessage, error)
}

// PGStore backs the hub with Postgres repositories.
type PGStore struct {
	convs *repository.ConversationRepository
	msgs  *repository.MessageRepository
}

func NewPGStore(convs *repository.ConversationRepository, msgs *repository.MessageRepository) *PGStore {
	return &PGStore{convs: convs, msgs: msgs}
}

func (s *PGStore) Conversation(ctx context.Context, userID string) (*model.Conversation, error) {
	return s.convs.GetOrCreate(ctx, userID)
}

func (s *PGStore) SaveMessage(ctx context.Context, m *model.StoredMessage) error {
	return s.msgs.Create(ctx, m)
}

func (s *PGStore) History(ctx context.Context, conversationID string) ([]model.StoredMessage, error) {
	return s.msgs.GetConversationMessages(ctx, conversationID)
}

// MemStore keeps everything in maps. Used when the hub runs without a
// database (tests, throwaway dev runs).
type MemStore struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
	msgs  map[string][]model.StoredMessage
}

func NewMemStore() *MemStore {
	return &MemStore{
		convs: make(map[string]*model.Conversation),
		msgs:  make(map[string][]model.StoredMessage),
	}
}

func (s *MemStore) Conversation(ctx context.Context, userID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[userID]; ok {
		return c, nil
	}
	c := &model.Conversation{ID: "conv-" + userID, UserID: userID}
	s.convs[userID] = c
	return c, nil
}

func (s *MemStore) SaveMessage(ctx context.Context, m *model.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], *m)
	return nil
}

func (s *MemStore) History(ctx context.Context, conversationID string) ([]model.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.msgs[conversationID]
	out := make([]model.StoredMessage, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}
