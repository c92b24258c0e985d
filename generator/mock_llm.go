package generator

import (
	"context"
	"fmt"
	"strings"
)

// MockLLM is a local stand-in that never calls a real model. It answers in
// the title/content shape the prompts ask for.
type MockLLM struct{}

func (m MockLLM) Complete(_ context.Context, messages []Message) (string, error) {
	rounds := 0
	for _, msg := range messages {
		if msg.Role == "assistant" {
			rounds++
		}
	}
	var sb strings.Builder
	sb.WriteString("{\n")
	sb.WriteString(fmt.Sprintf("  \"title\": \"Sample post #%d\",\n", rounds+1))
	sb.WriteString(fmt.Sprintf("  \"content\": \"This is generated sample content for round %d.\\nIt is only useful for local testing.\"\n", rounds+1))
	sb.WriteString("}")
	return sb.String(), nil
}
