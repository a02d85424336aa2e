// Package history merges the authoritative message log fetched on every
// connect with the locally-optimistic, not-yet-confirmed message, without
// duplication and without regressing attachment state.
package history

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/ws"
)

// Outcome of one reconciliation run.
type Outcome struct {
	// Log is the final, de-duplicated, chronologically ordered message log.
	Log []model.Message
	// Pending is the optimistic message still awaiting its authoritative
	// counterpart (kept visible at the end of Log), or nil once resolved.
	Pending *model.Message
	// Superseded lists local attachments whose preview handle is now covered
	// by a server-confirmed URL and must be released by the caller.
	Superseded []model.Attachment
}

// FromWire converts chat_history rows into model messages in chronological
// order. Chunked rows of one group are collapsed into consecutive bubbles in
// chunk_index order so a reloaded stream renders like a live one. The result
// is deterministic for a given snapshot.
func FromWire(rows []ws.HistoryMessage) []model.Message {
	msgs := make([]model.Message, 0, len(rows))
	for i, row := range rows {
		id := row.MessageID
		if id == "" {
			id = fmt.Sprintf("hist-%d", i)
		}
		m := model.Message{
			ID:        id,
			ServerID:  row.MessageID,
			Text:      row.Text,
			Sender:    senderFromWire(row.Sender),
			Timestamp: row.Timestamp,
		}
		if row.IsChunked {
			m.GroupID = row.MessageGroupID
			m.ChunkIndex = row.ChunkIndex
		}
		for _, a := range row.Attachments {
			att := model.Attachment{
				ID:     id + ":" + a.Name,
				Name:   a.Name,
				Type:   a.Type,
				Size:   a.Size,
				URL:    a.URL,
				Status: model.AttachmentPending,
			}
			if a.URL != "" {
				att.Status = model.AttachmentUploaded
			}
			m.Attachments = append(m.Attachments, att)
		}
		msgs = append(msgs, m)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.GroupID != "" && a.GroupID == b.GroupID {
			return a.ChunkIndex < b.ChunkIndex
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return msgs
}

func senderFromWire(s string) model.Sender {
	switch s {
	case "bot", "assistant":
		return model.SenderAssistant
	default:
		return model.SenderUser
	}
}

// Reconcile produces the new log from the fetched snapshot.
//
// existing is the current in-memory log: identity and attachment state already
// adopted there carries over, which makes reconciliation idempotent and keeps
// the uploaded status forward-only across refreshes. pending is the single
// tracked optimistic message, or nil.
//
// Match rule for pending: trimmed text and sorted attachment-name-set
// equality; when only one of the two is present locally, match on whichever is
// present. The most recent matching history entry wins. No match keeps the
// message appended and the tracker active - a user's message is never silently
// dropped.
func Reconcile(existing, server []model.Message, pending *model.Message) Outcome {
	out := Outcome{Log: make([]model.Message, 0, len(server)+1)}

	byServerID := make(map[string]*model.Message, len(existing))
	for i := range existing {
		if existing[i].ServerID != "" {
			byServerID[existing[i].ServerID] = &existing[i]
		}
	}

	for _, sm := range server {
		if prev, ok := byServerID[sm.ServerID]; ok && sm.ServerID != "" {
			out.Superseded = append(out.Superseded, carryOver(&sm, prev)...)
		}
		out.Log = append(out.Log, sm)
	}

	if pending == nil {
		return out
	}

	// Identity already resolved through the ack channel: never re-match, only
	// check whether the snapshot caught up.
	if pending.ServerID != "" {
		if idx := indexByServerID(out.Log, pending.ServerID); idx >= 0 {
			out.Superseded = append(out.Superseded, carryOver(&out.Log[idx], pending)...)
			return out
		}
		out.Log = append(out.Log, *pending)
		out.Pending = pending
		return out
	}

	if idx := matchPending(out.Log, pending); idx >= 0 {
		out.Log[idx].ClientID = pending.ClientID
		out.Superseded = append(out.Superseded, carryOver(&out.Log[idx], pending)...)
		return out
	}

	// Not durably recorded server-side yet: keep it visible after the
	// fetched history and keep the tracker active for the next refresh.
	out.Log = append(out.Log, *pending)
	out.Pending = pending
	return out
}

// matchPending returns the index of the most recent history entry matching the
// optimistic message, or -1.
func matchPending(log []model.Message, pending *model.Message) int {
	text := strings.TrimSpace(pending.Text)
	names := attachmentNames(pending.Attachments)
	for i := len(log) - 1; i >= 0; i-- {
		m := &log[i]
		if m.Sender != model.SenderUser || m.GroupID != "" {
			continue
		}
		if m.ClientID != "" && m.ClientID != pending.ClientID {
			continue
		}
		textOK := text == "" || strings.TrimSpace(m.Text) == text
		attOK := len(names) == 0 || equalNames(names, attachmentNames(m.Attachments))
		if text != "" && len(names) > 0 {
			if textOK && attOK {
				return i
			}
			continue
		}
		if text != "" && textOK && len(names) == 0 {
			return i
		}
		if len(names) > 0 && attOK && text == "" {
			return i
		}
	}
	return -1
}

// carryOver merges locally superior attachment state into dst: an attachment
// already uploaded locally never regresses to pending, and a still-pending
// server entry keeps the local preview handle so it stays renderable. Returns
// the local attachments whose preview is now superseded by a server URL.
func carryOver(dst, src *model.Message) []model.Attachment {
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	var superseded []model.Attachment
	for i := range dst.Attachments {
		da := &dst.Attachments[i]
		sa := attachmentByName(src.Attachments, da.Name)
		if sa == nil {
			continue
		}
		switch {
		case da.Status == model.AttachmentUploaded:
			// Server representation supersedes the local preview.
			if sa.PreviewURL != "" {
				superseded = append(superseded, *sa)
			}
		case sa.Status == model.AttachmentUploaded:
			// Never regress uploaded back to pending.
			da.Status = model.AttachmentUploaded
			da.URL = sa.URL
		default:
			// Both pending: keep the local handle renderable.
			da.ID = sa.ID
			da.PreviewURL = sa.PreviewURL
		}
	}
	return superseded
}

func indexByServerID(log []model.Message, serverID string) int {
	for i := range log {
		if log[i].ServerID == serverID {
			return i
		}
	}
	return -1
}

func attachmentByName(atts []model.Attachment, name string) *model.Attachment {
	for i := range atts {
		if atts[i].Name == name {
			return &atts[i]
		}
	}
	return nil
}

func attachmentNames(atts []model.Attachment) []string {
	if len(atts) == 0 {
		return nil
	}
	names := make([]string, len(atts))
	for i, a := range atts {
		names[i] = a.Name
	}
	sort.Strings(names)
	return names
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
