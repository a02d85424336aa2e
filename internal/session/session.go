// Package session orchestrates the chat engine: it is the only component
// allowed to mutate the message log. Socket events, user actions and timers
// are processed as discrete turns of a single goroutine, so no state mutation
// ever interleaves.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kejichat/internal/attach"
	"github.com/kejichat/internal/bus"
	"github.com/kejichat/internal/chunk"
	"github.com/kejichat/internal/history"
	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/ws"
)

const (
	updateBufSize  = 64
	commandBufSize = 32
	rotatePeriod   = 2 * time.Second
)

// thinkingPhrases rotate while awaiting the first response byte. Distinct
// from the typing indicator, which starts with the first streamed chunk.
var thinkingPhrases = []string{
	"Keji dey think...",
	"Checking the menu...",
	"Weighing your options...",
	"Almost there...",
}

const typingPhrase = "Keji is typing..."

// UpdateKind tells a renderer what changed.
type UpdateKind int

const (
	UpdateLog UpdateKind = iota
	UpdateStatus
	UpdateConnection
	UpdateNotice
)

// Update is a render notification. Notice carries the text of toast-level
// recoverable conditions (attachment truncation, encode failure).
type Update struct {
	Kind   UpdateKind
	Notice string
}

type cmdSend struct {
	text  string
	files []string
}

type cmdAccept struct{}

type cmdEncoded struct {
	clientID string
	payloads []ws.FilePayload
	err      error
}

// Session composes the engine parts and drives the chat loop.
type Session struct {
	conn *ws.Conn
	bus  *bus.Bus
	asm  *chunk.Assembler
	pipe *attach.Pipeline

	mu         sync.RWMutex
	log        []model.Message
	pending    *model.Message
	statusLine string

	thinking  bool
	typing    bool
	phraseIdx int
	lastRec   *model.Recommendation
	lastRecID string

	commands chan any
	updates  chan Update
	done     chan struct{}
	once     sync.Once
}

func New(conn *ws.Conn, b *bus.Bus, pipe *attach.Pipeline) *Session {
	return &Session{
		conn:     conn,
		bus:      b,
		asm:      chunk.New(),
		pipe:     pipe,
		commands: make(chan any, commandBufSize),
		updates:  make(chan Update, updateBufSize),
		done:     make(chan struct{}),
	}
}

// Updates notifies a renderer that the log, status line, or connection state
// changed. Entries are coalesced when the consumer falls behind; read the
// snapshots to render.
func (s *Session) Updates() <-chan Update { return s.updates }

// Messages returns a snapshot of the chat log.
func (s *Session) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Message, len(s.log))
	copy(out, s.log)
	return out
}

// StatusLine returns the current thinking/typing indicator, empty when idle.
func (s *Session) StatusLine() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLine
}

// Connection returns the live connection state for "attempt N" feedback.
func (s *Session) Connection() model.ConnectionStatus {
	return s.conn.CurrentStatus()
}

// LastRecommendation returns the most recent recommendation surface, if any.
func (s *Session) LastRecommendation() *model.Recommendation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRec
}

// Send constructs an optimistic user message and schedules the wire send.
// Attachment previews appear immediately; encoding happens off-loop and a
// failure rolls the optimistic message back.
func (s *Session) Send(text string, files []string) error {
	return s.enqueue(cmdSend{text: text, files: files})
}

// AcceptRecommendation confirms the last received recommendation.
func (s *Session) AcceptRecommendation() error {
	return s.enqueue(cmdAccept{})
}

func (s *Session) enqueue(cmd any) error {
	select {
	case <-s.done:
		return ws.ErrClosed
	case s.commands <- cmd:
		return nil
	}
}

// Run processes events until ctx is cancelled. Teardown unsubscribes every
// bus handler, stops the rotation timer and releases all outstanding preview
// handles; nothing fires afterwards.
func (s *Session) Run(ctx context.Context) {
	s.subscribe()
	ticker := time.NewTicker(rotatePeriod)
	defer func() {
		ticker.Stop()
		s.bus.Reset()
		s.teardown()
		s.once.Do(func() { close(s.done) })
		close(s.updates)
	}()

	events := s.conn.Events()
	statuses := s.conn.Status()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-events:
			if !ok {
				// Terminal disconnect: the log stays readable, but no more
				// events will arrive.
				events = nil
				continue
			}
			s.bus.Dispatch(in.Type, in.Payload)
		case st := <-statuses:
			s.onConnectionChange(st)
		case cmd := <-s.commands:
			s.onCommand(ctx, cmd)
		case <-ticker.C:
			s.rotateStatus()
		}
	}
}

// subscribe wires the protocol handlers. Dispatch happens on the session
// goroutine, so handlers mutate state directly.
func (s *Session) subscribe() {
	decode := func(name ws.EventType, v any, raw json.RawMessage) bool {
		if err := json.Unmarshal(raw, v); err != nil {
			logger.Errorf("session: decode %s: %v", name, err)
			return false
		}
		return true
	}
	s.bus.Subscribe(ws.EventReceiveMessage, func(raw json.RawMessage) {
		var p ws.ReceiveMessagePayload
		if decode(ws.EventReceiveMessage, &p, raw) {
			s.onReceiveMessage(p)
		}
	})
	s.bus.Subscribe(ws.EventReceiveChunk, func(raw json.RawMessage) {
		var p ws.ChunkPayload
		if decode(ws.EventReceiveChunk, &p, raw) {
			s.onChunk(p)
		}
	})
	s.bus.Subscribe(ws.EventReceiveRecommendation, func(raw json.RawMessage) {
		var p ws.RecommendationPayload
		if decode(ws.EventReceiveRecommendation, &p, raw) {
			s.onRecommendation(model.Recommendation{Title: p.Title, Content: p.Content, Health: p.Health})
		}
	})
	s.bus.Subscribe(ws.EventChatHistory, func(raw json.RawMessage) {
		var p ws.HistoryPayload
		if decode(ws.EventChatHistory, &p, raw) {
			s.onHistory(p)
		}
	})
	s.bus.Subscribe(ws.EventMessageSaved, func(raw json.RawMessage) {
		var p ws.MessageSavedPayload
		if decode(ws.EventMessageSaved, &p, raw) {
			s.resolveIdentity(p.ClientMessageID, p.MessageID, nil, nil)
		}
	})
	s.bus.Subscribe(ws.EventRecommendationSaved, func(raw json.RawMessage) {
		var p ws.RecommendationSavedPayload
		if decode(ws.EventRecommendationSaved, &p, raw) {
			s.onRecommendationSaved(p)
		}
	})
	s.bus.Subscribe(ws.EventError, func(raw json.RawMessage) {
		var p ws.ErrorPayload
		if decode(ws.EventError, &p, raw) {
			s.onProtocolError(p)
		}
	})
}

func (s *Session) onCommand(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case cmdSend:
		s.handleSend(ctx, c)
	case cmdEncoded:
		s.handleEncoded(c)
	case cmdAccept:
		s.handleAccept()
	}
}

func (s *Session) handleSend(ctx context.Context, c cmdSend) {
	atts, truncated, err := s.pipe.Preview(c.files)
	if err != nil {
		s.notify(Update{Kind: UpdateNotice, Notice: "attachment failed: " + err.Error()})
		return
	}
	if truncated > 0 {
		s.notify(Update{Kind: UpdateNotice, Notice: "attachment limit reached, extra files skipped"})
	}

	clientID := uuid.New().String()
	msg := model.Message{
		ID:          clientID,
		ClientID:    clientID,
		Text:        c.text,
		Sender:      model.SenderUser,
		Timestamp:   time.Now().UTC(),
		Attachments: atts,
	}

	s.mu.Lock()
	s.log = append(s.log, msg)
	s.pending = &msg
	s.mu.Unlock()
	s.setThinking(true)
	s.notify(Update{Kind: UpdateLog})

	if len(atts) == 0 {
		s.emitSend(clientID, c.text, nil)
		return
	}
	// The only suspension point besides the handshake: file-to-payload
	// conversion runs off-loop, and its result comes back as a command.
	go func() {
		payloads, err := s.pipe.Encode(ctx, atts)
		select {
		case s.commands <- cmdEncoded{clientID: clientID, payloads: payloads, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Session) handleEncoded(c cmdEncoded) {
	if c.err != nil {
		logger.Errorf("session: encode attachments: %v", c.err)
		s.rollback(c.clientID)
		s.notify(Update{Kind: UpdateNotice, Notice: "could not attach files, message not sent"})
		return
	}
	s.mu.RLock()
	var text string
	for i := range s.log {
		if s.log[i].ClientID == c.clientID {
			text = s.log[i].Text
			break
		}
	}
	s.mu.RUnlock()
	s.emitSend(c.clientID, text, c.payloads)
}

func (s *Session) emitSend(clientID, text string, payloads []ws.FilePayload) {
	err := s.conn.Send(ws.Outgoing{
		Type: ws.EventSendMessage,
		Payload: ws.SendMessagePayload{
			Text:            text,
			Attachments:     payloads,
			ClientMessageID: clientID,
		},
	})
	if err != nil {
		logger.Errorf("session: send: %v", err)
		s.rollback(clientID)
		s.notify(Update{Kind: UpdateNotice, Notice: "connection closed, message not sent"})
	}
}

// rollback removes an optimistic message after a send failure and releases
// its preview handles.
func (s *Session) rollback(clientID string) {
	s.mu.Lock()
	for i := range s.log {
		if s.log[i].ClientID == clientID {
			s.pipe.ReleaseAll(s.log[i].Attachments)
			s.log = append(s.log[:i], s.log[i+1:]...)
			break
		}
	}
	if s.pending != nil && s.pending.ClientID == clientID {
		s.pending = nil
	}
	s.mu.Unlock()
	s.setThinking(false)
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) handleAccept() {
	s.mu.RLock()
	rec := s.lastRec
	s.mu.RUnlock()
	if rec == nil {
		s.notify(Update{Kind: UpdateNotice, Notice: "no recommendation to accept"})
		return
	}
	err := s.conn.Send(ws.Outgoing{
		Type: ws.EventAcceptRecommendation,
		Payload: ws.AcceptRecommendationPayload{
			Title:          rec.Title,
			Content:        rec.Content,
			AcceptanceText: "Sounds good, I'll take it!",
		},
	})
	if err != nil {
		s.notify(Update{Kind: UpdateNotice, Notice: "connection closed, try again"})
		return
	}
	id := uuid.New().String()
	s.mu.Lock()
	s.log = append(s.log, model.Message{
		ID:        id,
		Text:      rec.Title + ": " + rec.Content,
		Sender:    model.SenderAssistant,
		Timestamp: time.Now().UTC(),
	})
	s.lastRecID = id
	s.lastRec = nil
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) onReceiveMessage(p ws.ReceiveMessagePayload) {
	if p.IsAck && p.ClientMessageID != "" {
		s.resolveIdentity(p.ClientMessageID, p.MessageID, p.UploadedFiles, p.UploadErrors)
		return
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.mu.Lock()
	s.log = append(s.log, model.Message{
		ID:        p.MessageID,
		ServerID:  p.MessageID,
		Text:      p.Content,
		Sender:    model.SenderAssistant,
		Timestamp: ts,
	})
	s.mu.Unlock()
	s.setThinking(false)
	s.setTyping(false)
	s.notify(Update{Kind: UpdateLog})
}

// resolveIdentity fills in the server id for an optimistic message, through
// either the ack channel or message_saved. Attachment confirmations ride
// along on acks.
func (s *Session) resolveIdentity(clientID, serverID string, uploaded []ws.UploadedFile, uploadErrors []string) {
	s.mu.Lock()
	for i := range s.log {
		if s.log[i].ClientID != clientID {
			continue
		}
		m := &s.log[i]
		m.ServerID = serverID
		for _, up := range uploaded {
			if att := findAttachment(m.Attachments, up.Name); att != nil {
				if err := s.pipe.MarkUploaded(att, up.URL); err != nil {
					logger.Errorf("session: mark uploaded %s: %v", up.Name, err)
				}
			}
		}
		for _, name := range uploadErrors {
			if att := findAttachment(m.Attachments, name); att != nil {
				if err := s.pipe.MarkError(att); err != nil {
					logger.Errorf("session: mark error %s: %v", name, err)
				}
			}
		}
		break
	}
	if s.pending != nil && s.pending.ClientID == clientID {
		s.pending.ServerID = serverID
	}
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) onChunk(p ws.ChunkPayload) {
	wasReceiving := s.asm.Receiving()
	res := s.asm.Apply(p)
	switch res.Kind {
	case chunk.KindRejected:
		return
	case chunk.KindRecommendation:
		s.onRecommendation(*res.Recommendation)
		return
	}

	if !wasReceiving {
		// First byte of the reply: thinking becomes typing.
		s.setThinking(false)
		s.setTyping(true)
	}
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.mu.Lock()
	s.log = append(s.log, model.Message{
		ID:         p.MessageID,
		ServerID:   p.MessageID,
		Text:       res.Text,
		Sender:     model.SenderAssistant,
		Timestamp:  ts,
		GroupID:    p.MessageGroupID,
		ChunkIndex: p.ChunkIndex,
	})
	s.mu.Unlock()
	if res.Done {
		s.setTyping(false)
	}
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) onRecommendation(rec model.Recommendation) {
	id := uuid.New().String()
	s.mu.Lock()
	s.log = append(s.log, model.Message{
		ID:             id,
		Sender:         model.SenderAssistant,
		Timestamp:      time.Now().UTC(),
		Recommendation: &rec,
	})
	s.lastRec = &rec
	s.mu.Unlock()
	s.setThinking(false)
	s.setTyping(false)
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) onRecommendationSaved(p ws.RecommendationSavedPayload) {
	s.mu.Lock()
	if s.lastRecID != "" {
		for i := range s.log {
			if s.log[i].ID == s.lastRecID {
				s.log[i].ServerID = p.MessageID
				break
			}
		}
		s.lastRecID = ""
	}
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) onHistory(p ws.HistoryPayload) {
	s.mu.Lock()
	out := history.Reconcile(s.log, history.FromWire(p.Messages), s.pending)
	for i := range out.Superseded {
		s.pipe.Release(&out.Superseded[i])
	}
	s.log = out.Log
	s.pending = out.Pending
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateLog})
}

// onProtocolError renders a protocol error event as an assistant-style
// message so the conversation stays legible. Not retried.
func (s *Session) onProtocolError(p ws.ErrorPayload) {
	logger.Errorf("session: server error: %s (%s)", p.Message, p.Details)
	text := p.Message
	if text == "" {
		text = "Something went wrong on my side. Abeg try again?"
	}
	s.mu.Lock()
	s.log = append(s.log, model.Message{
		ID:        uuid.New().String(),
		Text:      text,
		Sender:    model.SenderAssistant,
		Timestamp: time.Now().UTC(),
	})
	s.mu.Unlock()
	s.setThinking(false)
	s.setTyping(false)
	s.notify(Update{Kind: UpdateLog})
}

func (s *Session) onConnectionChange(st model.ConnectionStatus) {
	if st.State != model.StateConnected && s.asm.Receiving() {
		// No partial-group state survives a reconnect.
		s.asm.Abandon()
		s.setTyping(false)
	}
	s.notify(Update{Kind: UpdateConnection})
}

func (s *Session) setThinking(on bool) {
	s.mu.Lock()
	s.thinking = on
	if on {
		s.phraseIdx = 0
		s.statusLine = thinkingPhrases[0]
	} else if !s.typing {
		s.statusLine = ""
	}
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateStatus})
}

func (s *Session) setTyping(on bool) {
	s.mu.Lock()
	s.typing = on
	if on {
		s.statusLine = typingPhrase
	} else if !s.thinking {
		s.statusLine = ""
	}
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateStatus})
}

func (s *Session) rotateStatus() {
	s.mu.Lock()
	if !s.thinking || s.typing {
		s.mu.Unlock()
		return
	}
	s.phraseIdx = (s.phraseIdx + 1) % len(thinkingPhrases)
	s.statusLine = thinkingPhrases[s.phraseIdx]
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateStatus})
}

// teardown releases every outstanding preview handle.
func (s *Session) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.log {
		s.pipe.ReleaseAll(s.log[i].Attachments)
	}
	if s.pending != nil {
		s.pipe.ReleaseAll(s.pending.Attachments)
		s.pending = nil
	}
	s.statusLine = ""
}

func (s *Session) notify(u Update) {
	select {
	case s.updates <- u:
	default:
		// Renderer is behind; snapshots carry the state, drop the tick.
	}
}

func findAttachment(atts []model.Attachment, name string) *model.Attachment {
	for i := range atts {
		if atts[i].Name == name {
			return &atts[i]
		}
	}
	return nil
}
