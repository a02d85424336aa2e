// Package chunk reassembles a streamed assistant reply that arrives as an
// ordered sequence of receive_chunk events. Chunks are surfaced immediately as
// independent bubbles, not buffered until the group completes.
package chunk

import (
	"encoding/json"
	"strings"

	"github.com/kejichat/internal/logger"
	"github.com/kejichat/internal/model"
	"github.com/kejichat/internal/ws"
)

type state int

const (
	stateIdle state = iota
	stateReceiving
)

// Kind classifies the outcome of applying one chunk event.
type Kind int

const (
	// KindText: emit the chunk text as its own message bubble.
	KindText Kind = iota
	// KindRecommendation: chunk 0 carried a misrouted structured
	// recommendation; no text bubble, the group is aborted.
	KindRecommendation
	// KindRejected: the chunk does not belong to the open group (or no group
	// is open for its index); logged and dropped, never merged.
	KindRejected
)

// Result of applying one chunk event.
type Result struct {
	Kind           Kind
	Text           string
	Recommendation *model.Recommendation
	// Done is set when the group closed (is_final); the typing indicator
	// clears regardless of chunk index.
	Done bool
}

// group is the ephemeral reassembly state for one streamed reply.
// At most one group is open at a time (single active assistant turn).
type group struct {
	id       string
	expected int
	received int
}

// Assembler is the per-reply state machine: Idle -> Receiving -> Idle.
// Not safe for concurrent use; the session loop is its only caller.
type Assembler struct {
	st  state
	cur group
}

func New() *Assembler { return &Assembler{} }

// Receiving reports whether a chunk group is currently open.
func (a *Assembler) Receiving() bool { return a.st == stateReceiving }

// Apply consumes one chunk event and says what to do with it.
func (a *Assembler) Apply(p ws.ChunkPayload) Result {
	if a.st == stateIdle {
		if p.ChunkIndex != 0 {
			logger.Errorf("chunk: index %d for group %s with no open group, dropped", p.ChunkIndex, p.MessageGroupID)
			return Result{Kind: KindRejected}
		}
		// A first chunk has at times carried a complete recommendation object
		// meant for receive_recommendation. Try the typed decode before
		// treating it as prose.
		if rec := sniffRecommendation(p.Chunk); rec != nil {
			logger.Infof("chunk: group %s chunk 0 is a misrouted recommendation, redirecting", p.MessageGroupID)
			return Result{Kind: KindRecommendation, Recommendation: rec, Done: true}
		}
		a.st = stateReceiving
		a.cur = group{id: p.MessageGroupID, expected: p.TotalChunks}
	}

	if p.MessageGroupID != a.cur.id {
		logger.Errorf("chunk: group mismatch (open %s, got %s), dropped", a.cur.id, p.MessageGroupID)
		return Result{Kind: KindRejected}
	}

	a.cur.received++
	res := Result{Kind: KindText, Text: p.Chunk}
	if p.IsFinal {
		if a.cur.expected > 0 && a.cur.received != a.cur.expected {
			logger.Debugf("chunk: group %s closed with %d/%d chunks", a.cur.id, a.cur.received, a.cur.expected)
		}
		a.st = stateIdle
		a.cur = group{}
		res.Done = true
	}
	return res
}

// Abandon drops any open group. Called on disconnect: no partial-group state
// survives a reconnect, the next turn starts fresh.
func (a *Assembler) Abandon() {
	if a.st == stateReceiving {
		logger.Infof("chunk: abandoning group %s after %d chunks", a.cur.id, a.cur.received)
	}
	a.st = stateIdle
	a.cur = group{}
}

// sniffRecommendation attempts the typed decode of a chunk-0 payload. Only a
// JSON object with the "recommendation" discriminator and a non-empty title
// qualifies; anything else is prose.
func sniffRecommendation(text string) *model.Recommendation {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var p ws.RecommendationPayload
	if err := json.Unmarshal([]byte(trimmed), &p); err != nil {
		return nil
	}
	if p.Type != "recommendation" || p.Title == "" {
		return nil
	}
	return &model.Recommendation{Title: p.Title, Content: p.Content, Health: p.Health}
}
