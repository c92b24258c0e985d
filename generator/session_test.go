package generator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"auto_feed_publisher/model"
)

func TestEnsureSystemTurnInsertsFirst(t *testing.T) {
	turns, changed := EnsureSystemTurn(nil, "sys")
	assert.True(t, changed)
	assert.Equal(t, []model.Turn{{Role: model.RoleSystem, Text: "sys"}}, turns)
}

func TestEnsureSystemTurnCorrectsDriftInPlace(t *testing.T) {
	history := []model.Turn{
		{Role: model.RoleSystem, Text: "old prompt"},
		{Role: model.RoleUser, Text: "go"},
		{Role: model.RoleAssistant, Text: `{"title":"a","content":"b"}`},
	}
	before := append([]model.Turn(nil), history...)

	turns, changed := EnsureSystemTurn(history, "new prompt")
	assert.True(t, changed)
	assert.Equal(t, "new prompt", turns[0].Text)
	assert.Equal(t, before[1:], turns[1:])
	assert.Equal(t, before, history, "input slice is not mutated")

	same, changed := EnsureSystemTurn(turns, "new prompt")
	assert.False(t, changed)
	assert.Equal(t, turns, same)
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "p", SystemPrompt(" p ", ""))
	assert.Equal(t, "p\n\n话题：远程办公", SystemPrompt("p", "远程办公"))
}

func TestMessagesKeepsRoles(t *testing.T) {
	msgs := Messages([]model.Turn{{Role: model.RoleSystem, Text: "s"}, ContinuationTurn()})
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Contains(t, msgs[1].Content, `"title"`)
}
