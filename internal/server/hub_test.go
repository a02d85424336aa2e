package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/storage/memory"
	"github.com/kejichat/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *Client) {
	t.Helper()
	hub := NewHub(NewMemStore(), memory.New("dev-token"), t.TempDir())
	// The pumps are not started: events are read straight off the send buffer.
	c := NewClient(hub, nil, "u1")
	return hub, c
}

func nextEvent(t *testing.T, c *Client) ws.Outgoing {
	t.Helper()
	select {
	case out := <-c.send:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no event queued")
		return ws.Outgoing{}
	}
}

func incoming(t *testing.T, tp ws.EventType, payload any) ws.Incoming {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return ws.Incoming{Type: tp, Payload: raw}
}

func TestSendMessagePersistsAcksAndReplies(t *testing.T) {
	hub, c := newTestHub(t)
	ctx := context.Background()

	hub.HandleMessage(ctx, c, incoming(t, ws.EventSendMessage, ws.SendMessagePayload{
		Text:            "hello keji",
		ClientMessageID: "client-1",
	}))

	saved := nextEvent(t, c)
	require.Equal(t, ws.EventMessageSaved, saved.Type)
	sp := saved.Payload.(ws.MessageSavedPayload)
	assert.Equal(t, "client-1", sp.ClientMessageID)
	assert.NotEmpty(t, sp.MessageID)

	ack := nextEvent(t, c)
	require.Equal(t, ws.EventReceiveMessage, ack.Type)
	ap := ack.Payload.(ws.ReceiveMessagePayload)
	assert.True(t, ap.IsAck)
	assert.Equal(t, "client-1", ap.ClientMessageID)
	assert.Equal(t, sp.MessageID, ap.MessageID)

	reply := nextEvent(t, c)
	require.Equal(t, ws.EventReceiveMessage, reply.Type)
	rp := reply.Payload.(ws.ReceiveMessagePayload)
	assert.False(t, rp.IsAck)
	assert.NotEmpty(t, rp.Content)

	// Both sides of the exchange are durably recorded.
	rows, err := hub.store.History(ctx, c.conversationID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.SenderUser, rows[0].Sender)
	assert.Equal(t, model.SenderAssistant, rows[1].Sender)
}

func TestBudgetMessageYieldsRecommendation(t *testing.T) {
	hub, c := newTestHub(t)

	hub.HandleMessage(context.Background(), c, incoming(t, ws.EventSendMessage, ws.SendMessagePayload{
		Text:            "I have 800 naira",
		ClientMessageID: "client-1",
	}))

	nextEvent(t, c) // message_saved
	nextEvent(t, c) // ack
	rec := nextEvent(t, c)
	require.Equal(t, ws.EventReceiveRecommendation, rec.Type)
	p := rec.Payload.(ws.RecommendationPayload)
	assert.Equal(t, "recommendation", p.Type)
	assert.Equal(t, "Beans and Plantain", p.Title)
	assert.NotEmpty(t, p.Health)
}

func TestLongReplyIsStreamedInChunks(t *testing.T) {
	hub, c := newTestHub(t)

	hub.HandleMessage(context.Background(), c, incoming(t, ws.EventSendMessage, ws.SendMessagePayload{
		Text:            "give me some food tips",
		ClientMessageID: "client-1",
	}))

	nextEvent(t, c) // message_saved
	nextEvent(t, c) // ack

	var chunks []ws.ChunkPayload
	for {
		out := nextEvent(t, c)
		require.Equal(t, ws.EventReceiveChunk, out.Type)
		p := out.Payload.(ws.ChunkPayload)
		chunks = append(chunks, p)
		if p.IsFinal {
			break
		}
	}

	require.Greater(t, len(chunks), 1)
	group := chunks[0].MessageGroupID
	require.NotEmpty(t, group)
	for i, p := range chunks {
		assert.Equal(t, i, p.ChunkIndex)
		assert.Equal(t, group, p.MessageGroupID)
		assert.Equal(t, len(chunks), p.TotalChunks)
	}

	// History replays the stream shape.
	rows, err := hub.store.History(context.Background(), c.conversationID)
	require.NoError(t, err)
	var chunked int
	for _, r := range rows {
		if r.IsChunked {
			chunked++
			assert.Equal(t, group, r.GroupID)
		}
	}
	assert.Equal(t, len(chunks), chunked)
}

func TestAcceptRecommendationSavesAndConfirms(t *testing.T) {
	hub, c := newTestHub(t)

	hub.HandleMessage(context.Background(), c, incoming(t, ws.EventAcceptRecommendation, ws.AcceptRecommendationPayload{
		Title:          "Moi Moi",
		Content:        "Steamed and cheap.",
		AcceptanceText: "Sounds good!",
	}))

	out := nextEvent(t, c)
	require.Equal(t, ws.EventRecommendationSaved, out.Type)
	p := out.Payload.(ws.RecommendationSavedPayload)
	assert.Equal(t, "saved", p.Status)
	assert.NotEmpty(t, p.MessageID)

	rows, err := hub.store.History(context.Background(), c.conversationID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Sounds good!", rows[0].Text)
	assert.Equal(t, "Moi Moi: Steamed and cheap.", rows[1].Text)
}

func TestRequestHistoryMapsSenders(t *testing.T) {
	hub, c := newTestHub(t)
	ctx := context.Background()

	hub.HandleMessage(ctx, c, incoming(t, ws.EventSendMessage, ws.SendMessagePayload{
		Text: "hello", ClientMessageID: "client-1",
	}))
	for i := 0; i < 3; i++ {
		nextEvent(t, c)
	}

	hub.HandleMessage(ctx, c, incoming(t, ws.EventRequestHistory, struct{}{}))
	out := nextEvent(t, c)
	require.Equal(t, ws.EventChatHistory, out.Type)
	p := out.Payload.(ws.HistoryPayload)
	require.Len(t, p.Messages, 2)
	assert.Equal(t, "user", p.Messages[0].Sender)
	assert.Equal(t, "bot", p.Messages[1].Sender)
}

func TestUploadsStoredAndReported(t *testing.T) {
	hub, c := newTestHub(t)

	hub.HandleMessage(context.Background(), c, incoming(t, ws.EventSendMessage, ws.SendMessagePayload{
		Text:            "look at this",
		ClientMessageID: "client-1",
		Attachments: []ws.FilePayload{
			{Name: "pic.jpg", Type: "image/jpeg", Size: 3, Data: base64.StdEncoding.EncodeToString([]byte("abc"))},
			{Name: "broken.jpg", Type: "image/jpeg", Size: 3, Data: "!!!not-base64!!!"},
		},
	}))

	nextEvent(t, c) // message_saved
	ack := nextEvent(t, c)
	require.Equal(t, ws.EventReceiveMessage, ack.Type)
	p := ack.Payload.(ws.ReceiveMessagePayload)
	require.True(t, p.IsAck)
	require.Len(t, p.UploadedFiles, 1)
	assert.Equal(t, "pic.jpg", p.UploadedFiles[0].Name)
	assert.Contains(t, p.UploadedFiles[0].URL, "/uploads/")
	assert.Equal(t, []string{"broken.jpg"}, p.UploadErrors)
}

func TestMalformedPayloadYieldsError(t *testing.T) {
	hub, c := newTestHub(t)

	hub.HandleMessage(context.Background(), c, ws.Incoming{
		Type:    ws.EventSendMessage,
		Payload: json.RawMessage(`{"text": 42}`),
	})

	out := nextEvent(t, c)
	assert.Equal(t, ws.EventError, out.Type)
}
