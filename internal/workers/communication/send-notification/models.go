// internal/workers/communication/send-notification/models.go
package sendnotification

type Input struct {
	UserID           string                 `json:"userId"`
	NotificationType string                 `json:"notificationType"`
	Priority         string                 `json:"priority,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

type Output struct {
	NotificationID string `json:"notificationId"`
	Status         string `json:"status"` // "sent", "failed", "disabled"
	SentAt         string `json:"sentAt"` // ISO 8601
}

// Notification types
const (
	TypeSubscriptionPurchased = "subscription_purchased"
	TypeSubscriptionExpiring  = "subscription_expiring"
	TypeSubscriptionExpired   = "subscription_expired"
	TypeQuotaWarning          = "quota_warning"
)

// Statuses
const (
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusDisabled = "disabled"
)
