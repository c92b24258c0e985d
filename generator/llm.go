package generator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// LLMClient abstracts the chat model so it can be swapped or mocked.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// LLMSettings is the provider configuration handed to concrete clients.
type LLMSettings struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ErrNoClient is returned when no AI configuration is active.
var ErrNoClient = errors.New("no llm client configured")

// NewLLM builds a client for the configured provider.
func NewLLM(s LLMSettings) (LLMClient, error) {
	switch s.Provider {
	case "openai":
		return NewOpenAILLMFromConfig(&s)
	case "deepseek":
		// DeepSeek exposes an OpenAI-compatible API and needs an explicit base_url.
		if s.BaseURL == "" {
			return nil, fmt.Errorf("llm provider deepseek requires base_url (OpenAI-compatible endpoint)")
		}
		return NewOpenAILLMFromConfig(&s)
	case "mock":
		return MockLLM{}, nil
	case "":
		return nil, fmt.Errorf("llm config missing; please set llm.provider/model/api_key")
	default:
		return nil, fmt.Errorf("llm provider %s not supported", s.Provider)
	}
}

type activeClient struct {
	client   LLMClient
	settings LLMSettings
}

// ClientCell holds the current model client. It can be switched at runtime
// while generation rounds are reading it.
type ClientCell struct {
	v atomic.Pointer[activeClient]
}

func NewClientCell(client LLMClient, settings LLMSettings) *ClientCell {
	c := &ClientCell{}
	if client != nil {
		c.Set(client, settings)
	}
	return c
}

// Set installs a new client. A nil client clears the cell.
func (c *ClientCell) Set(client LLMClient, settings LLMSettings) {
	if client == nil {
		c.v.Store(nil)
		return
	}
	settings.APIKey = ""
	c.v.Store(&activeClient{client: client, settings: settings})
}

// Client returns the current client or ErrNoClient.
func (c *ClientCell) Client() (LLMClient, error) {
	a := c.v.Load()
	if a == nil {
		return nil, ErrNoClient
	}
	return a.client, nil
}

// Settings describes the current client with the API key removed.
func (c *ClientCell) Settings() (LLMSettings, bool) {
	a := c.v.Load()
	if a == nil {
		return LLMSettings{}, false
	}
	return a.settings, true
}
