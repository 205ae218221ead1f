// internal/workers/data-access/search-tasks/models.go
package searchtasks

type Input struct {
	QueryType  string     `json:"queryType"`
	Keywords   string     `json:"keywords,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Topic      string     `json:"topic,omitempty"`
	Exam       string     `json:"exam,omitempty"` // "oge" or "ege"
	Difficulty *DiffRange `json:"difficulty,omitempty"`
	TaskID     string     `json:"taskId,omitempty"` // similar_tasks only
	Pagination Pagination `json:"pagination"`
}

type DiffRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type Pagination struct {
	From int `json:"from"`
	Size int `json:"size"`
}

type Output struct {
	Tasks     []map[string]interface{} `json:"tasks"`
	TotalHits int64                    `json:"totalHits"`
	MaxScore  float64                  `json:"maxScore"`
	Took      int64                    `json:"took"` // milliseconds
}
