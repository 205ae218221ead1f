// internal/genai/provider.go

// Package genai hides LLM provider selection, failover and retry behind a
// single Call entry point. It knows nothing about retrieval or prompts;
// callers hand it finished messages.
package genai

import "time"

// ProviderKind selects the wire shape of a provider.
type ProviderKind string

const (
	// ProviderOllama is a locally hosted model server (Ollama API shape,
	// no auth, slow inference, liveness-probed before use).
	ProviderOllama ProviderKind = "ollama"
	// ProviderHosted is any OpenAI-compatible hosted API with bearer auth.
	ProviderHosted ProviderKind = "hosted"
)

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	Name    string
	Kind    ProviderKind
	BaseURL string
	APIKey  string // empty for the local provider
	Model   string
	Timeout time.Duration
}

// RetryPolicy bounds the rate-limit retry loop. The worst-case cumulative
// wait (sum of doubling delays capped at MaxDelay, plus per-attempt
// timeouts) must stay below the enclosing worker timeout.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy: 3 attempts, 500ms → 1s → capped 4s. Worst case
// ~1.5s of backoff on top of per-attempt timeouts.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    4 * time.Second,
}

// Message is a single chat turn. Content is either a plain string or a
// []ContentPart for multimodal requests.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextMessage builds a plain-text chat turn.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// ImageMessage builds a multimodal turn carrying a prompt and a base64
// data URL, as the image-solving flow sends.
func ImageMessage(role, text, dataURL string) Message {
	return Message{
		Role: role,
		Content: []ContentPart{
			{Type: "text", Text: text},
			{Type: "image_url", ImageURL: &ImageURL{URL: dataURL}},
		},
	}
}
