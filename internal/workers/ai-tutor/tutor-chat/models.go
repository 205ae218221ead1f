// internal/workers/ai-tutor/tutor-chat/models.go
package tutorchat

import "examprep-workers/internal/models"

type Input struct {
	UserID   string               `json:"userId"`
	Subject  string               `json:"subject,omitempty"`
	Question string               `json:"question"`
	History  []models.ChatMessage `json:"history,omitempty"`
}

type Output struct {
	Reply string `json:"reply"`
	// ContextTasksUsed is how many bank tasks were folded into the prompt,
	// 0 when retrieval is degraded or found nothing.
	ContextTasksUsed int `json:"contextTasksUsed"`
}
