package proxy

import "encoding/json"

// ChatRequest is a streaming chat completion request.
type ChatRequest struct {
	Model    string
	Messages []Message
	// APIKey overrides the client's default key for this request.
	APIKey string
	// Extra holds additional top-level request fields passed through as is.
	Extra map[string]json.RawMessage
}

// MarshalJSON always requests a stream with reasoning and usage included.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		m[k] = v
	}
	m["model"] = r.Model
	m["messages"] = r.Messages
	m["stream"] = true
	m["include_reasoning"] = true
	m["usage"] = map[string]bool{"include": true}
	return json.Marshal(m)
}

// Message is one entry of the outgoing context. When Parts is non-empty it
// is sent instead of Content as an array of content parts.
type Message struct {
	Role    string
	Content string
	Parts   []ContentPart
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

// ContentPart is a typed fragment of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart returns an image content part for a URL or data URL.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Model is an entry of the OpenRouter model catalog.
type Model struct {
	ID            string       `json:"id"`
	Name          string       `json:"name,omitempty"`
	Description   string       `json:"description,omitempty"`
	ContextLength int          `json:"context_length,omitempty"`
	Pricing       ModelPricing `json:"pricing"`
}

// ModelPricing holds USD prices per token as decimal strings, the way
// OpenRouter reports them. Request is a flat per-request price.
type ModelPricing struct {
	Prompt     string `json:"prompt,omitempty"`
	Completion string `json:"completion,omitempty"`
	Request    string `json:"request,omitempty"`
}

// ModelList is the response from /models.
type ModelList struct {
	Data []Model `json:"data"`
}
