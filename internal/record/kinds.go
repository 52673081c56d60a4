package record

import (
	"encoding/json"
	"fmt"
)

// Conversation is a chat thread. Messages hang off it via ParentID.
type Conversation struct {
	Title      string `json:"title"`
	ModelID    string `json:"model_id,omitempty"`
	Favorite   bool   `json:"favorite,omitempty"`
	AutoRename bool   `json:"auto_rename,omitempty"`
}

// Message is a single utterance inside a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CloudModel is a remote model endpoint configuration.
type CloudModel struct {
	Name            string            `json:"name,omitempty"`
	ModelIdentifier string            `json:"model_identifier"`
	Endpoint        string            `json:"endpoint"`
	Token           string            `json:"token,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Comment         string            `json:"comment,omitempty"`
}

// Template is a reusable chat prompt preset.
type Template struct {
	Name              string `json:"name"`
	Avatar            []byte `json:"avatar,omitempty"`
	Prompt            string `json:"prompt"`
	InheritBasePrompt bool   `json:"inherit_base_prompt"`
}

// Memory is a persistent fact the assistant remembers across conversations.
type Memory struct {
	Content string `json:"content"`
}

// ContextServer is an external tool/context provider configuration.
type ContextServer struct {
	Endpoint string `json:"endpoint"`
	Type     string `json:"type,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// EncodePayload serializes a typed payload into env.Payload.
func (e *Envelope) EncodePayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", e.Kind, err)
	}
	e.Payload = data
	return nil
}

// DecodePayload deserializes env.Payload into a typed payload.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Kind, err)
	}
	return nil
}
