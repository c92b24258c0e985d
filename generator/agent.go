package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"auto_feed_publisher/model"
)

// ErrEmptyResponse is returned when the model answers with blank text.
var ErrEmptyResponse = errors.New("model returned empty content")

// Agent 负责调用当前的 LLM 并把回复整理成 Draft。
type Agent struct {
	llm *ClientCell
}

func NewAgent(llm *ClientCell) (*Agent, error) {
	if llm == nil {
		return nil, errors.New("llm client is required")
	}
	return &Agent{llm: llm}, nil
}

// Ready reports whether an LLM client is configured.
func (a *Agent) Ready() bool {
	_, err := a.llm.Client()
	return err == nil
}

// Round 以完整的会话历史调用模型，返回第一组提取结果。
func (a *Agent) Round(ctx context.Context, turns []model.Turn) (Draft, error) {
	client, err := a.llm.Client()
	if err != nil {
		return Draft{}, err
	}
	raw, err := client.Complete(ctx, Messages(turns))
	if err != nil {
		return Draft{}, fmt.Errorf("llm complete: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return Draft{}, ErrEmptyResponse
	}
	pairs, matched := Extract(raw)
	first := pairs[0]
	if strings.TrimSpace(first.Content) == "" {
		return Draft{}, ErrEmptyResponse
	}
	return Draft{Title: first.Title, Content: first.Content, Raw: raw, Matched: matched}, nil
}
