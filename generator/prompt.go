package generator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPrompt 是指定提示词和当前提示词都不存在时的兜底系统消息。
const DefaultPrompt = "你是一个专业的内容创作者，正在为话题进行持续的内容创作。请基于话题内容生成有价值、有深度的讨论内容。"

var ErrUnknownPrompt = errors.New("unknown prompt key")

var seedPrompts = map[string]string{
	"默认提示词": "你是一个资深新媒体编辑，擅长将话题梳理成适合职场社区的内容。",
	"专业分析":  "你是一位行业专家和资深分析师。请基于用户提供的话题，撰写一篇专业、深入的分析文章。",
	"经验分享":  "你是一位经验丰富的职场人士。请围绕用户给定的话题，分享实用的职场经验和心得体会。",
}

type promptFile struct {
	Current string            `yaml:"current"`
	Prompts map[string]string `yaml:"prompts"`
}

// Prompt 是一条命名提示词。
type Prompt struct {
	Key     string `json:"key"`
	Text    string `json:"text"`
	Current bool   `json:"current"`
}

// PromptStore 保存命名提示词和当前选中的提示词，变更时写回 YAML 文件。
type PromptStore struct {
	path string

	mu   sync.RWMutex
	data promptFile
}

// OpenPromptStore 读取 path；文件不存在时写入内置提示词。path 为空时只保存在内存中。
func OpenPromptStore(path string) (*PromptStore, error) {
	s := &PromptStore{path: path}
	if path == "" {
		s.data = seedFile()
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.data = seedFile()
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse prompts %s: %w", path, err)
	}
	if s.data.Prompts == nil {
		s.data.Prompts = map[string]string{}
	}
	return s, nil
}

func seedFile() promptFile {
	f := promptFile{Current: "默认提示词", Prompts: make(map[string]string, len(seedPrompts))}
	for k, v := range seedPrompts {
		f.Prompts[k] = v
	}
	return f
}

// Resolve 按 key、当前提示词、内置默认的顺序返回提示词文本。
func (s *PromptStore) Resolve(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if text := strings.TrimSpace(s.data.Prompts[key]); key != "" && text != "" {
		return text
	}
	if text := strings.TrimSpace(s.data.Prompts[s.data.Current]); text != "" {
		return text
	}
	return DefaultPrompt
}

func (s *PromptStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.data.Prompts[key]
	return text, ok
}

// Current returns the selected key and its text.
func (s *PromptStore) Current() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Current, s.data.Prompts[s.data.Current]
}

// Set 新增或修改提示词。
func (s *PromptStore) Set(key, text string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("prompt key is required")
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("prompt text is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.Prompts[key]
	s.data.Prompts[key] = text
	if err := s.save(); err != nil {
		if existed {
			s.data.Prompts[key] = prev
		} else {
			delete(s.data.Prompts, key)
		}
		return err
	}
	return nil
}

// Select 切换当前提示词。
func (s *PromptStore) Select(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Prompts[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
	}
	prev := s.data.Current
	s.data.Current = key
	if err := s.save(); err != nil {
		s.data.Current = prev
		return err
	}
	return nil
}

func (s *PromptStore) List() []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Prompt, 0, len(s.data.Prompts))
	for k, v := range s.data.Prompts {
		out = append(out, Prompt{Key: k, Text: v, Current: k == s.data.Current})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// save 需要在持有写锁时调用。
func (s *PromptStore) save() error {
	if s.path == "" {
		return nil
	}
	raw, err := yaml.Marshal(&s.data)
	if err != nil {
		return fmt.Errorf("encode prompts: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create prompts dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write prompts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace prompts: %w", err)
	}
	return nil
}
