// Package server is the development backend: it speaks the same WebSocket
// protocol as the production chat service but answers with canned Keji
// replies, so the client can be exercised end to end without the real brain.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/storage"
	"github.com/kejichat/internal/ws"
)

const (
	// streamThreshold: replies longer than this are streamed as chunks.
	streamThreshold = 160
	chunkLen        = 120
	chunkDelay      = 60 * time.Millisecond
)

type Hub struct {
	store     Store
	tokens    storage.TokenStore
	uploadDir string

	mu      sync.Mutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
}

func NewHub(store Store, tokens storage.TokenStore, uploadDir string) *Hub {
	return &Hub{
		store:      store,
		tokens:     tokens,
		uploadDir:  uploadDir,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

func (h *Hub) Register(c *Client)   { h.register <- c }
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

// Run owns the client registry until ctx is cancelled, then closes every
// connection and waits for its pumps.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			logger.Infof("client connected user=%s (%d online)", c.userID, n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			c.Close()
			logger.Infof("client disconnected user=%s (%d online)", c.userID, n)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
		c.Wait()
	}
}

// HandleMessage dispatches one inbound event. Runs on the client's readPump
// goroutine; replies go through the client's send buffer.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg ws.Incoming) {
	if err := h.ensureConversation(ctx, c); err != nil {
		logger.Errorf("conversation user=%s: %v", c.userID, err)
		c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "could not load your conversation"})
		return
	}

	switch msg.Type {
	case ws.EventSendMessage:
		var p ws.SendMessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "malformed send_message", Details: err.Error()})
			return
		}
		h.handleSendMessage(ctx, c, p)
	case ws.EventAcceptRecommendation:
		var p ws.AcceptRecommendationPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "malformed accept_recommendation", Details: err.Error()})
			return
		}
		h.handleAccept(ctx, c, p)
	case ws.EventRequestHistory:
		h.handleHistory(ctx, c)
	default:
		logger.Debugf("unknown event %q from user=%s", msg.Type, c.userID)
	}
}

func (h *Hub) ensureConversation(ctx context.Context, c *Client) error {
	if c.conversationID != "" {
		return nil
	}
	conv, err := h.store.Conversation(ctx, c.userID)
	if err != nil {
		return err
	}
	c.conversationID = conv.ID
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, p ws.SendMessagePayload) {
	allowed, err := h.tokens.CheckSendRateLimit(ctx, c.userID)
	if err != nil {
		logger.Errorf("rate limit check user=%s: %v", c.userID, err)
	} else if !allowed {
		c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "You're sending too fast. Take a breath!"})
		return
	}

	uploaded, uploadErrors, saved := h.storeUploads(p.Attachments)
	now := time.Now().UTC()
	stored := &model.StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: c.conversationID,
		Sender:         model.SenderUser,
		Text:           p.Text,
		Attachments:    saved,
		CreatedAt:      now,
	}
	if err := h.store.SaveMessage(ctx, stored); err != nil {
		logger.Errorf("save message user=%s: %v", c.userID, err)
		c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "could not save your message", Details: err.Error()})
		return
	}

	c.sendEvent(ws.EventMessageSaved, ws.MessageSavedPayload{
		MessageID:       stored.ID,
		ClientMessageID: p.ClientMessageID,
	})
	c.sendEvent(ws.EventReceiveMessage, ws.ReceiveMessagePayload{
		MessageID:       stored.ID,
		ClientMessageID: p.ClientMessageID,
		IsAck:           true,
		UploadedFiles:   uploaded,
		UploadErrors:    uploadErrors,
		Timestamp:       now,
	})

	rep := classify(p.Text, c.replyCount)
	c.replyCount++
	h.respond(ctx, c, rep)
}

// respond persists and emits the canned reply, streaming long texts in chunks.
func (h *Hub) respond(ctx context.Context, c *Client, rep reply) {
	now := time.Now().UTC()
	if rep.kind == replyRecommendation {
		stored := &model.StoredMessage{
			ID:             uuid.New().String(),
			ConversationID: c.conversationID,
			Sender:         model.SenderAssistant,
			Text:           rep.title + ": " + rep.content,
			CreatedAt:      now,
		}
		if err := h.store.SaveMessage(ctx, stored); err != nil {
			logger.Errorf("save recommendation user=%s: %v", c.userID, err)
		}
		c.sendEvent(ws.EventReceiveRecommendation, ws.RecommendationPayload{
			Type:    "recommendation",
			Title:   rep.title,
			Content: rep.content,
			Health:  rep.health,
		})
		return
	}

	if len(rep.text) <= streamThreshold {
		stored := &model.StoredMessage{
			ID:             uuid.New().String(),
			ConversationID: c.conversationID,
			Sender:         model.SenderAssistant,
			Text:           rep.text,
			CreatedAt:      now,
		}
		if err := h.store.SaveMessage(ctx, stored); err != nil {
			logger.Errorf("save reply user=%s: %v", c.userID, err)
		}
		c.sendEvent(ws.EventReceiveMessage, ws.ReceiveMessagePayload{
			Content:   rep.text,
			MessageID: stored.ID,
			Timestamp: now,
		})
		return
	}

	chunks := chunkText(rep.text, chunkLen)
	groupID := uuid.New().String()
	for i, text := range chunks {
		ts := time.Now().UTC()
		stored := &model.StoredMessage{
			ID:             uuid.New().String(),
			ConversationID: c.conversationID,
			Sender:         model.SenderAssistant,
			Text:           text,
			IsChunked:      true,
			GroupID:        groupID,
			ChunkIndex:     i,
			CreatedAt:      ts,
		}
		if err := h.store.SaveMessage(ctx, stored); err != nil {
			logger.Errorf("save chunk user=%s: %v", c.userID, err)
		}
		c.sendEvent(ws.EventReceiveChunk, ws.ChunkPayload{
			Chunk:          text,
			ChunkIndex:     i,
			TotalChunks:    len(chunks),
			IsFinal:        i == len(chunks)-1,
			MessageGroupID: groupID,
			MessageID:      stored.ID,
			Timestamp:      ts,
		})
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(chunkDelay):
			}
		}
	}
}

func (h *Hub) handleAccept(ctx context.Context, c *Client, p ws.AcceptRecommendationPayload) {
	now := time.Now().UTC()
	if p.AcceptanceText != "" {
		user := &model.StoredMessage{
			ID:             uuid.New().String(),
			ConversationID: c.conversationID,
			Sender:         model.SenderUser,
			Text:           p.AcceptanceText,
			CreatedAt:      now,
		}
		if err := h.store.SaveMessage(ctx, user); err != nil {
			logger.Errorf("save acceptance user=%s: %v", c.userID, err)
		}
	}
	stored := &model.StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: c.conversationID,
		Sender:         model.SenderAssistant,
		Text:           p.Title + ": " + p.Content,
		CreatedAt:      now,
	}
	if err := h.store.SaveMessage(ctx, stored); err != nil {
		logger.Errorf("save accepted recommendation user=%s: %v", c.userID, err)
		c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "could not save the recommendation"})
		return
	}
	c.sendEvent(ws.EventRecommendationSaved, ws.RecommendationSavedPayload{
		Status:    "saved",
		MessageID: stored.ID,
		Timestamp: now,
	})
}

func (h *Hub) handleHistory(ctx context.Context, c *Client) {
	rows, err := h.store.History(ctx, c.conversationID)
	if err != nil {
		logger.Errorf("history user=%s: %v", c.userID, err)
		c.sendEvent(ws.EventError, ws.ErrorPayload{Message: "could not load history"})
		return
	}
	out := make([]ws.HistoryMessage, 0, len(rows))
	for _, m := range rows {
		sender := "user"
		if m.Sender == model.SenderAssistant {
			sender = "bot"
		}
		hm := ws.HistoryMessage{
			Text:           m.Text,
			Sender:         sender,
			Timestamp:      m.CreatedAt,
			MessageID:      m.ID,
			IsChunked:      m.IsChunked,
			MessageGroupID: m.GroupID,
			ChunkIndex:     m.ChunkIndex,
		}
		for _, a := range m.Attachments {
			hm.Attachments = append(hm.Attachments, ws.HistoryAttachment{
				Name: a.Name, Type: a.Type, Size: a.Size, URL: a.URL,
			})
		}
		out = append(out, hm)
	}
	c.sendEvent(ws.EventChatHistory, ws.HistoryPayload{Messages: out})
}

// storeUploads decodes base64 attachments onto disk and reports per-file
// success (public URL) or failure (file name), matching the mixed-outcome
// upload contract.
func (h *Hub) storeUploads(files []ws.FilePayload) (uploaded []ws.UploadedFile, uploadErrors []string, saved []model.Attachment) {
	for _, f := range files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			logger.Errorf("decode upload %s: %v", f.Name, err)
			uploadErrors = append(uploadErrors, f.Name)
			continue
		}
		name := uuid.New().String() + filepath.Ext(f.Name)
		dst := filepath.Join(h.uploadDir, name)
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			logger.Errorf("write upload %s: %v", f.Name, err)
			uploadErrors = append(uploadErrors, f.Name)
			continue
		}
		url := fmt.Sprintf("/uploads/%s", name)
		uploaded = append(uploaded, ws.UploadedFile{Name: f.Name, URL: url})
		saved = append(saved, model.Attachment{
			ID:     name,
			Name:   f.Name,
			Type:   f.Type,
			Size:   int64(len(data)),
			URL:    url,
			Status: model.AttachmentUploaded,
		})
	}
	return uploaded, uploadErrors, saved
}
