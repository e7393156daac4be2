// Package chat holds the conversation data model shared by the store, the
// stream parser and the completion session.
package chat

import (
	"fmt"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Backend selects where a conversation's rows live. It is fixed at creation.
type Backend string

const (
	// BackendLocal keeps plaintext rows in the embedded local database.
	BackendLocal Backend = "local"
	// BackendRemote keeps ciphertext rows in the synchronized remote database.
	BackendRemote Backend = "remote"
)

// ParseBackend converts a user supplied string into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendLocal, BackendRemote:
		return Backend(s), nil
	case "":
		return BackendLocal, nil
	}
	return "", fmt.Errorf("unknown backend %q (want %q or %q)", s, BackendLocal, BackendRemote)
}

// Conversation is a named thread of messages kept in one backend.
type Conversation struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	Backend   Backend
	// Owner is a local session token or an authenticated account id.
	Owner string
}

// Usage is a token usage snapshot reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the sum of prompt and completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Annotation is a citation attached to an assistant turn.
type Annotation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Attachment references a file sent along with a user turn. Either URL or
// Path is set.
type Attachment struct {
	URL         string `json:"url,omitempty"`
	Path        string `json:"path,omitempty"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Location returns the URL if present, otherwise the local path.
func (a Attachment) Location() string {
	if a.URL != "" {
		return a.URL
	}
	return a.Path
}

// Message is one stored turn of a conversation. An assistant message
// starts empty and is filled in once when its turn finishes.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Reasoning      string
	Model          string
	Usage          *Usage
	// CreditsConsumed is nil until usage is known.
	CreditsConsumed *int64
	Annotations     []Annotation
	Attachments     []Attachment
	CreatedAt       time.Time
}

// MessageDraft is the caller supplied part of a new message. The store
// assigns ID and CreatedAt.
type MessageDraft struct {
	Role        Role
	Content     string
	Reasoning   string
	Model       string
	Attachments []Attachment
}

// MessagePatch lists the fields to replace on an existing message. Nil
// fields are left untouched.
type MessagePatch struct {
	Content         *string
	Reasoning       *string
	Usage           *Usage
	CreditsConsumed *int64
	Annotations     []Annotation
}

// Empty reports whether the patch would not change anything.
func (p MessagePatch) Empty() bool {
	return p.Content == nil && p.Reasoning == nil && p.Usage == nil &&
		p.CreditsConsumed == nil && p.Annotations == nil
}
