// internal/workers/ai-tutor/quick-solution/models.go
package quicksolution

type Input struct {
	UserID   string `json:"userId"`
	Subject  string `json:"subject,omitempty"`
	Topic    string `json:"topic,omitempty"`
	TaskText string `json:"taskText"`
}

type Output struct {
	Answer      string `json:"answer"`
	Explanation string `json:"explanation,omitempty"`
	// Source is "bank" when the task bank already held this exact task,
	// "ai" when the model produced the answer.
	Source string `json:"source"`
}
