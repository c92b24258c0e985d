package generator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_feed_publisher/model"
)

type scriptedLLM struct {
	reply string
	err   error
	seen  []Message
}

func (s *scriptedLLM) Complete(_ context.Context, messages []Message) (string, error) {
	s.seen = messages
	return s.reply, s.err
}

func TestAgentRound(t *testing.T) {
	llm := &scriptedLLM{reply: `{"title":"T","content":"C [3]"}`}
	agent, err := NewAgent(NewClientCell(llm, LLMSettings{Provider: "test"}))
	require.NoError(t, err)

	turns := []model.Turn{{Role: model.RoleSystem, Text: "s"}, ContinuationTurn()}
	draft, err := agent.Round(context.Background(), turns)
	require.NoError(t, err)
	assert.Equal(t, Draft{Title: "T", Content: "C ", Raw: llm.reply, Matched: true}, draft)
	assert.Len(t, llm.seen, 2)
}

func TestAgentRoundUnmatchedKeepsRaw(t *testing.T) {
	llm := &scriptedLLM{reply: "just prose"}
	agent, err := NewAgent(NewClientCell(llm, LLMSettings{}))
	require.NoError(t, err)

	draft, err := agent.Round(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, draft.Matched)
	assert.Empty(t, draft.Title)
	assert.Equal(t, "just prose", draft.Content)
}

func TestAgentRoundErrors(t *testing.T) {
	cell := NewClientCell(nil, LLMSettings{})
	agent, err := NewAgent(cell)
	require.NoError(t, err)
	assert.False(t, agent.Ready())

	_, err = agent.Round(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoClient)

	boom := errors.New("boom")
	cell.Set(&scriptedLLM{err: boom}, LLMSettings{})
	_, err = agent.Round(context.Background(), nil)
	assert.ErrorIs(t, err, boom)

	cell.Set(&scriptedLLM{reply: "   "}, LLMSettings{})
	_, err = agent.Round(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = NewAgent(nil)
	assert.Error(t, err)
}

func TestClientCellHidesAPIKey(t *testing.T) {
	cell := NewClientCell(MockLLM{}, LLMSettings{Provider: "mock", APIKey: "secret"})
	s, ok := cell.Settings()
	require.True(t, ok)
	assert.Equal(t, "mock", s.Provider)
	assert.Empty(t, s.APIKey)
}

func TestNewLLM(t *testing.T) {
	_, err := NewLLM(LLMSettings{Provider: "deepseek", Model: "m", APIKey: "k"})
	assert.Error(t, err)
	_, err = NewLLM(LLMSettings{Provider: "unknown"})
	assert.Error(t, err)
	_, err = NewLLM(LLMSettings{})
	assert.Error(t, err)

	client, err := NewLLM(LLMSettings{Provider: "openai", Model: "gpt-4o-mini", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAILLM{}, client)

	mock, err := NewLLM(LLMSettings{Provider: "mock"})
	require.NoError(t, err)
	reply, err := mock.Complete(context.Background(), nil)
	require.NoError(t, err)
	pairs, matched := Extract(reply)
	assert.True(t, matched)
	assert.Equal(t, "Sample post #1", pairs[0].Title)
}
