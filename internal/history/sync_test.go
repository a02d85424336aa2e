package history

import (
	"testing"
	"time"

	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 14, 12, 0, sec, 0, time.UTC)
}

func TestFromWireOrderAndSenders(t *testing.T) {
	rows := []ws.HistoryMessage{
		{Text: "reply", Sender: "bot", Timestamp: ts(2), MessageID: "m2"},
		{Text: "hello", Sender: "user", Timestamp: ts(1), MessageID: "m1"},
	}

	msgs := FromWire(rows)

	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, model.SenderUser, msgs[0].Sender)
	assert.Equal(t, "reply", msgs[1].Text)
	assert.Equal(t, model.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, "m2", msgs[1].ServerID)
}

func TestFromWireChunkedGroupKeepsIndexOrder(t *testing.T) {
	rows := []ws.HistoryMessage{
		{Text: "b", Sender: "bot", Timestamp: ts(3), MessageID: "c1", IsChunked: true, MessageGroupID: "g", ChunkIndex: 1},
		{Text: "a", Sender: "bot", Timestamp: ts(3), MessageID: "c0", IsChunked: true, MessageGroupID: "g", ChunkIndex: 0},
		{Text: "hi", Sender: "user", Timestamp: ts(1), MessageID: "m1"},
	}

	msgs := FromWire(rows)

	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, "a", msgs[1].Text)
	assert.Equal(t, "b", msgs[2].Text)
	assert.Equal(t, "g", msgs[1].GroupID)
	assert.Equal(t, 1, msgs[2].ChunkIndex)
}

func TestFromWireAttachmentStatusFollowsURL(t *testing.T) {
	rows := []ws.HistoryMessage{
		{Text: "with file", Sender: "user", Timestamp: ts(1), MessageID: "m1", Attachments: []ws.HistoryAttachment{
			{Name: "pic.jpg", URL: "/uploads/x.jpg"},
			{Name: "doc.pdf"},
		}},
	}

	msgs := FromWire(rows)

	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Attachments, 2)
	assert.Equal(t, model.AttachmentUploaded, msgs[0].Attachments[0].Status)
	assert.Equal(t, model.AttachmentPending, msgs[0].Attachments[1].Status)
}

func TestReconcileAdoptsPendingByContent(t *testing.T) {
	pending := &model.Message{
		ID:        "local-1",
		ClientID:  "local-1",
		Text:      "  what can I eat?  ",
		Sender:    model.SenderUser,
		Timestamp: ts(5),
	}
	server := FromWire([]ws.HistoryMessage{
		{Text: "what can I eat?", Sender: "user", Timestamp: ts(5), MessageID: "srv-1"},
	})

	out := Reconcile(nil, server, pending)

	assert.Nil(t, out.Pending, "adopted, tracker cleared")
	require.Len(t, out.Log, 1)
	assert.Equal(t, "srv-1", out.Log[0].ServerID)
	assert.Equal(t, "local-1", out.Log[0].ClientID)
}

func TestReconcileKeepsUnmatchedPendingVisible(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1",
		Text: "not saved yet", Sender: model.SenderUser, Timestamp: ts(9),
	}
	server := FromWire([]ws.HistoryMessage{
		{Text: "other", Sender: "user", Timestamp: ts(1), MessageID: "srv-1"},
	})

	out := Reconcile(nil, server, pending)

	require.NotNil(t, out.Pending)
	require.Len(t, out.Log, 2)
	assert.Equal(t, "not saved yet", out.Log[1].Text, "optimistic message stays at the end")
}

func TestReconcileIsIdempotent(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1",
		Text: "hello", Sender: model.SenderUser, Timestamp: ts(4),
	}
	server := FromWire([]ws.HistoryMessage{
		{Text: "hello", Sender: "user", Timestamp: ts(4), MessageID: "srv-1"},
		{Text: "hi there!", Sender: "bot", Timestamp: ts(5), MessageID: "srv-2"},
	})

	first := Reconcile(nil, server, pending)
	require.Nil(t, first.Pending)

	// Same snapshot again, with the previous result as the existing log.
	second := Reconcile(first.Log, server, first.Pending)

	assert.Equal(t, first.Log, second.Log)
	assert.Nil(t, second.Pending)
}

func TestReconcileAckResolvedPendingMatchesByServerID(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1", ServerID: "srv-9",
		Text: "acked", Sender: model.SenderUser, Timestamp: ts(4),
	}

	// Snapshot has not caught up yet: stays pending.
	out := Reconcile(nil, nil, pending)
	require.NotNil(t, out.Pending)
	require.Len(t, out.Log, 1)

	// Snapshot now contains the row: matched by id, not by content.
	server := FromWire([]ws.HistoryMessage{
		{Text: "different text server-side", Sender: "user", Timestamp: ts(4), MessageID: "srv-9"},
	})
	out = Reconcile(out.Log, server, pending)
	assert.Nil(t, out.Pending)
	require.Len(t, out.Log, 1)
	assert.Equal(t, "local-1", out.Log[0].ClientID)
}

func TestReconcileNeverRegressesUploadedStatus(t *testing.T) {
	existing := []model.Message{{
		ID: "m1", ServerID: "srv-1", Sender: model.SenderUser, Text: "file msg", Timestamp: ts(1),
		Attachments: []model.Attachment{{
			ID: "a1", Name: "pic.jpg", URL: "/uploads/pic.jpg", Status: model.AttachmentUploaded,
		}},
	}}
	// Server snapshot is stale and still shows the attachment pending.
	server := FromWire([]ws.HistoryMessage{
		{Text: "file msg", Sender: "user", Timestamp: ts(1), MessageID: "srv-1", Attachments: []ws.HistoryAttachment{
			{Name: "pic.jpg"},
		}},
	})

	out := Reconcile(existing, server, nil)

	require.Len(t, out.Log, 1)
	require.Len(t, out.Log[0].Attachments, 1)
	assert.Equal(t, model.AttachmentUploaded, out.Log[0].Attachments[0].Status)
	assert.Equal(t, "/uploads/pic.jpg", out.Log[0].Attachments[0].URL)
}

func TestReconcileReportsSupersededPreviews(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1", Sender: model.SenderUser,
		Text: "with file", Timestamp: ts(2),
		Attachments: []model.Attachment{{
			ID: "a1", Name: "pic.jpg", PreviewURL: "/tmp/cache/a1.jpg", Status: model.AttachmentPending,
		}},
	}
	server := FromWire([]ws.HistoryMessage{
		{Text: "with file", Sender: "user", Timestamp: ts(2), MessageID: "srv-1", Attachments: []ws.HistoryAttachment{
			{Name: "pic.jpg", URL: "/uploads/pic.jpg"},
		}},
	})

	out := Reconcile(nil, server, pending)

	assert.Nil(t, out.Pending)
	require.Len(t, out.Superseded, 1)
	assert.Equal(t, "a1", out.Superseded[0].ID)
	assert.Equal(t, model.AttachmentUploaded, out.Log[0].Attachments[0].Status)
}

func TestMatchPendingAttachmentOnlyMessage(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1", Sender: model.SenderUser, Timestamp: ts(2),
		Attachments: []model.Attachment{
			{ID: "a1", Name: "b.jpg", Status: model.AttachmentPending},
			{ID: "a2", Name: "a.jpg", Status: model.AttachmentPending},
		},
	}
	server := FromWire([]ws.HistoryMessage{
		{Sender: "user", Timestamp: ts(2), MessageID: "srv-1", Attachments: []ws.HistoryAttachment{
			{Name: "a.jpg"}, {Name: "b.jpg"},
		}},
	})

	out := Reconcile(nil, server, pending)

	assert.Nil(t, out.Pending, "attachment name set matches regardless of order")
	assert.Equal(t, "local-1", out.Log[0].ClientID)
}

func TestMatchPendingSkipsChunkedAndAssistantRows(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1", Sender: model.SenderUser,
		Text: "echo", Timestamp: ts(3),
	}
	server := FromWire([]ws.HistoryMessage{
		{Text: "echo", Sender: "bot", Timestamp: ts(1), MessageID: "bot-1"},
		{Text: "echo", Sender: "bot", Timestamp: ts(2), MessageID: "c0", IsChunked: true, MessageGroupID: "g", ChunkIndex: 0},
	})

	out := Reconcile(nil, server, pending)

	require.NotNil(t, out.Pending, "assistant and chunked rows never match a user pending")
	assert.Len(t, out.Log, 3)
}

func TestReconcilePendingPreviewSurvivesWhileServerPending(t *testing.T) {
	pending := &model.Message{
		ID: "local-1", ClientID: "local-1", Sender: model.SenderUser,
		Text: "slow upload", Timestamp: ts(2),
		Attachments: []model.Attachment{{
			ID: "a1", Name: "pic.jpg", PreviewURL: "/tmp/cache/a1.jpg", Status: model.AttachmentPending,
		}},
	}
	server := FromWire([]ws.HistoryMessage{
		{Text: "slow upload", Sender: "user", Timestamp: ts(2), MessageID: "srv-1", Attachments: []ws.HistoryAttachment{
			{Name: "pic.jpg"},
		}},
	})

	out := Reconcile(nil, server, pending)

	assert.Nil(t, out.Pending)
	assert.Empty(t, out.Superseded)
	require.Len(t, out.Log[0].Attachments, 1)
	assert.Equal(t, "/tmp/cache/a1.jpg", out.Log[0].Attachments[0].PreviewURL,
		"local preview stays renderable until the server confirms the upload")
}
