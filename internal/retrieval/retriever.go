// internal/retrieval/retriever.go
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/models"
)

// DefaultCandidateLimit bounds how many explained tasks are pulled from the
// store per keyword search before in-memory matching.
const DefaultCandidateLimit = 200

// Retriever selects practice tasks relevant to a query and renders them as
// LLM prompt context. Retrieval is an enhancement, not a dependency: if the
// task store is unreachable at construction the retriever disables itself
// and every search returns an empty slice.
type Retriever struct {
	store          TaskStore
	extractor      *KeywordExtractor
	logger         logger.Logger
	candidateLimit int
	available      bool
}

// New probes the store once. A failed probe is logged and converts the
// retriever to permanent degraded mode instead of returning an error.
func New(ctx context.Context, store TaskStore, log logger.Logger) *Retriever {
	r := &Retriever{
		store:          store,
		extractor:      NewKeywordExtractor(nil, nil),
		logger:         log.WithFields(map[string]interface{}{"component": "retrieval"}),
		candidateLimit: DefaultCandidateLimit,
	}
	if store == nil {
		r.logger.Warn("task store not configured, retrieval disabled", nil)
		return r
	}
	if err := store.Ping(ctx); err != nil {
		r.logger.Warn("task store unreachable, retrieval disabled", map[string]interface{}{
			"error": err.Error(),
		})
		return r
	}
	r.available = true
	return r
}

// IsAvailable reports whether the retriever has a working store.
func (r *Retriever) IsAvailable() bool {
	return r.available
}

// SearchByKeywords finds explained tasks whose question or explanation
// contains any extracted keyword. No-match and degraded mode both yield an
// empty slice.
func (r *Retriever) SearchByKeywords(ctx context.Context, query string, limit int) []models.PracticeTask {
	if !r.available || limit <= 0 {
		return nil
	}

	keywords := r.extractor.Extract(query)
	if len(keywords) == 0 {
		return nil
	}

	candidates, err := r.store.ListTasksWithExplanations(ctx, r.candidateLimit)
	if err != nil {
		r.logger.Warn("keyword search failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var matched []models.PracticeTask
	for _, task := range candidates {
		if !task.HasExplanation() {
			continue
		}
		haystack := strings.ToLower(task.Question + " " + task.Explanation)
		for _, kw := range keywords {
			if strings.Contains(haystack, kw) {
				matched = append(matched, task)
				break
			}
		}
		if len(matched) == limit {
			break
		}
	}
	return matched
}

// SearchBySubjectAndTopic resolves the subject and topic by case-insensitive
// substring match against the catalog. Either failing to resolve is a normal
// outcome and returns an empty slice.
func (r *Retriever) SearchBySubjectAndTopic(ctx context.Context, subjectName, topicName string, limit int) []models.PracticeTask {
	if !r.available || limit <= 0 {
		return nil
	}

	subjects, err := r.store.ListSubjects(ctx)
	if err != nil {
		r.logger.Warn("subject lookup failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var subjectID string
	for _, s := range subjects {
		if fuzzyMatch(s.Name, subjectName) {
			subjectID = s.ID
			break
		}
	}
	if subjectID == "" {
		return nil
	}

	topics, err := r.store.ListTopicsBySubject(ctx, subjectID)
	if err != nil {
		r.logger.Warn("topic lookup failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var topicID string
	for _, t := range topics {
		if fuzzyMatch(t.Name, topicName) {
			topicID = t.ID
			break
		}
	}
	if topicID == "" {
		return nil
	}

	tasks, err := r.store.ListTasksByTopic(ctx, topicID, limit)
	if err != nil {
		r.logger.Warn("task lookup failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return tasks
}

// GetFewShotExamples returns a random sample of explained tasks as generic
// style examples for when topical search comes up empty.
func (r *Retriever) GetFewShotExamples(ctx context.Context, limit int) []models.PracticeTask {
	if !r.available || limit <= 0 {
		return nil
	}
	tasks, err := r.store.RandomTasksWithExplanations(ctx, limit)
	if err != nil {
		r.logger.Warn("few-shot sample failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return tasks
}

// FormatForPrompt renders tasks into a delimited block ready for direct
// concatenation into a system prompt. Empty input yields an empty string;
// callers treat "no context" as the normal case.
func FormatForPrompt(tasks []models.PracticeTask) string {
	if len(tasks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== Примеры заданий из банка задач ===\n")
	for i, task := range tasks {
		fmt.Fprintf(&b, "\nЗадание %d (%s, %s):\n", i+1, task.Subject, task.Topic)
		fmt.Fprintf(&b, "Условие: %s\n", task.Question)
		if task.Explanation != "" {
			fmt.Fprintf(&b, "Объяснение: %s\n", task.Explanation)
		}
		if task.SolutionSteps != "" {
			fmt.Fprintf(&b, "Ход решения: %s\n", task.SolutionSteps)
		}
		if task.CorrectAnswer != "" {
			fmt.Fprintf(&b, "Ответ: %s\n", task.CorrectAnswer)
		}
	}
	b.WriteString("\n=== Конец примеров ===\n")
	return b.String()
}

func fuzzyMatch(catalogName, query string) bool {
	if query == "" {
		return false
	}
	a := strings.ToLower(catalogName)
	b := strings.ToLower(strings.TrimSpace(query))
	return strings.Contains(a, b) || strings.Contains(b, a)
}
