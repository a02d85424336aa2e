package chunk

import (
	"testing"

	"github.com/kejichat/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkAt(group string, index, total int, text string, final bool) ws.ChunkPayload {
	return ws.ChunkPayload{
		Chunk:          text,
		ChunkIndex:     index,
		TotalChunks:    total,
		IsFinal:        final,
		MessageGroupID: group,
	}
}

func TestInOrderStream(t *testing.T) {
	a := New()

	r := a.Apply(chunkAt("g1", 0, 3, "first ", false))
	assert.Equal(t, KindText, r.Kind)
	assert.Equal(t, "first ", r.Text)
	assert.False(t, r.Done)
	assert.True(t, a.Receiving())

	r = a.Apply(chunkAt("g1", 1, 3, "second ", false))
	assert.Equal(t, KindText, r.Kind)
	assert.False(t, r.Done)

	r = a.Apply(chunkAt("g1", 2, 3, "third", true))
	assert.Equal(t, KindText, r.Kind)
	assert.True(t, r.Done)
	assert.False(t, a.Receiving())
}

func TestFirstChunkWithNonZeroIndexDropped(t *testing.T) {
	a := New()
	r := a.Apply(chunkAt("g1", 2, 3, "late", false))
	assert.Equal(t, KindRejected, r.Kind)
	assert.False(t, a.Receiving())
}

func TestChunkFromOtherGroupDropped(t *testing.T) {
	a := New()
	a.Apply(chunkAt("g1", 0, 2, "open", false))

	r := a.Apply(chunkAt("g2", 1, 2, "stray", false))
	assert.Equal(t, KindRejected, r.Kind)

	// The original group is still open and can finish.
	r = a.Apply(chunkAt("g1", 1, 2, "done", true))
	assert.Equal(t, KindText, r.Kind)
	assert.True(t, r.Done)
}

func TestFinalOnFirstChunk(t *testing.T) {
	a := New()
	r := a.Apply(chunkAt("g1", 0, 1, "only", true))
	assert.Equal(t, KindText, r.Kind)
	assert.True(t, r.Done)
	assert.False(t, a.Receiving())

	// Next group starts fresh.
	r = a.Apply(chunkAt("g2", 0, 1, "next", true))
	assert.Equal(t, KindText, r.Kind)
	assert.True(t, r.Done)
}

func TestRecommendationInFirstChunkRedirected(t *testing.T) {
	a := New()
	payload := `{"type":"recommendation","title":"Jollof Rice","content":"Top choice.","health":["carbs for energy"]}`

	r := a.Apply(chunkAt("g1", 0, 1, payload, true))
	assert.Equal(t, KindRecommendation, r.Kind)
	assert.True(t, r.Done)
	require.NotNil(t, r.Recommendation)
	assert.Equal(t, "Jollof Rice", r.Recommendation.Title)
	assert.Equal(t, []string{"carbs for energy"}, r.Recommendation.Health)
	// The group never opened.
	assert.False(t, a.Receiving())
}

func TestJSONLookingProseIsNotARecommendation(t *testing.T) {
	a := New()
	r := a.Apply(chunkAt("g1", 0, 1, `{"type":"note","title":"x"}`, true))
	assert.Equal(t, KindText, r.Kind)

	a = New()
	r = a.Apply(chunkAt("g2", 0, 1, "{not json at all", true))
	assert.Equal(t, KindText, r.Kind)
}

func TestAbandonDropsOpenGroup(t *testing.T) {
	a := New()
	a.Apply(chunkAt("g1", 0, 3, "partial", false))
	require.True(t, a.Receiving())

	a.Abandon()
	assert.False(t, a.Receiving())

	// Continuation of the abandoned group is rejected; a fresh group works.
	r := a.Apply(chunkAt("g1", 1, 3, "late", false))
	assert.Equal(t, KindRejected, r.Kind)
	r = a.Apply(chunkAt("g3", 0, 1, "fresh", true))
	assert.Equal(t, KindText, r.Kind)
}
