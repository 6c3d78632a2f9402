package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the console view restored between runs: the last opened
// conversation and the list filter.
type Context struct {
	// ConversationID is the last opened conversation.
	ConversationID string `yaml:"conversation,omitempty"`
	// ConversationName is the contact name shown for it (for display).
	ConversationName string `yaml:"conversation_name,omitempty"`
	// Status filters the conversation list.
	Status string `yaml:"status,omitempty"`
	// Campus filters the conversation list.
	Campus string `yaml:"campus,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no context is set.
func (c *Context) IsEmpty() bool {
	return c.ConversationID == "" && c.Status == "" && c.Campus == ""
}

// Clear removes all context.
func (c *Context) Clear() {
	c.ConversationID = ""
	c.ConversationName = ""
	c.Status = ""
	c.Campus = ""
	c.UpdatedAt = time.Now()
}

// SetConversation records the open conversation.
func (c *Context) SetConversation(id, name string) {
	c.ConversationID = id
	c.ConversationName = name
	c.UpdatedAt = time.Now()
}

// SetFilter records the list filter.
func (c *Context) SetFilter(status, campus string) {
	c.Status = status
	c.Campus = campus
	c.UpdatedAt = time.Now()
}

// String returns a human-readable representation of the context.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(no context set)"
	}
	result := ""
	if c.ConversationID != "" {
		name := c.ConversationName
		if name == "" {
			name = shortID(c.ConversationID)
		}
		result = fmt.Sprintf("conversation:%s", name)
	}
	for _, part := range []struct{ key, value string }{{"status", c.Status}, {"campus", c.Campus}} {
		if part.value == "" {
			continue
		}
		if result != "" {
			result += " "
		}
		result += part.key + ":" + part.value
	}
	return result
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses the default path (~/.config/chatdesk/context.yaml).
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "chatdesk", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}

	return nil
}

// Clear removes the context file. Used on sign-out.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
