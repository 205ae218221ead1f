// internal/models/subscription.go
package models

// SubscriptionRecord is the raw per-user subscription row as stored in
// Postgres. Timestamps stay RFC3339 strings at this layer; workers parse
// them before handing the value to the entitlement engine.
type SubscriptionRecord struct {
	UserID      string `json:"userId"`
	Plan        string `json:"plan"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	AutoRenewal bool   `json:"autoRenewal"`
}

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}
