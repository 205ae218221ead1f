// internal/models/task.go
package models

// PracticeTask is a single exam practice problem from the task bank.
// Read-only from this service's perspective.
type PracticeTask struct {
	ID            string `json:"id"`
	Subject       string `json:"subject"`
	Topic         string `json:"topic"`
	Question      string `json:"question"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation"`
	SolutionSteps string `json:"solutionSteps"`
	Difficulty    int    `json:"difficulty"`
}

// HasExplanation reports whether the task carries a usable worked solution.
func (t PracticeTask) HasExplanation() bool {
	return t.Explanation != ""
}

type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Exam string `json:"exam"` // "oge" or "ege"
}

type Topic struct {
	ID        string `json:"id"`
	SubjectID string `json:"subjectId"`
	Name      string `json:"name"`
	TaskCount int    `json:"taskCount"`
}
