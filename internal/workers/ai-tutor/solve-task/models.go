// internal/workers/ai-tutor/solve-task/models.go
package solvetask

type Input struct {
	UserID   string `json:"userId"`
	Subject  string `json:"subject,omitempty"`
	Topic    string `json:"topic,omitempty"`
	TaskText string `json:"taskText,omitempty"`
	// ImageBase64 carries a photographed task, raw base64 without the
	// data-URL prefix. Either TaskText or ImageBase64 must be set.
	ImageBase64 string `json:"imageBase64,omitempty"`
	ImageMime   string `json:"imageMime,omitempty"`
}

type Output struct {
	Solution string `json:"solution"`
	// Answer is the final answer line extracted from the solution, empty
	// when the model did not produce a recognizable one.
	Answer           string `json:"answer,omitempty"`
	ContextTasksUsed int    `json:"contextTasksUsed"`
}
