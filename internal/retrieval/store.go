// internal/retrieval/store.go
package retrieval

import (
	"context"
	"database/sql"
	"fmt"

	"examprep-workers/internal/models"
)

// TaskStore is the read-only view of the task bank the retriever needs.
// Every method returns an empty result, not an error, when nothing matches.
type TaskStore interface {
	Ping(ctx context.Context) error
	ListTasksWithExplanations(ctx context.Context, limit int) ([]models.PracticeTask, error)
	ListSubjects(ctx context.Context) ([]models.Subject, error)
	ListTopicsBySubject(ctx context.Context, subjectID string) ([]models.Topic, error)
	ListTasksByTopic(ctx context.Context, topicID string, limit int) ([]models.PracticeTask, error)
	RandomTasksWithExplanations(ctx context.Context, limit int) ([]models.PracticeTask, error)
}

// PostgresTaskStore reads the task bank from Postgres. This service never
// writes to these tables.
type PostgresTaskStore struct {
	db *sql.DB
}

func NewPostgresTaskStore(db *sql.DB) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

func (s *PostgresTaskStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const taskColumns = `id, subject, topic, question, correct_answer, explanation, solution_steps, difficulty`

func (s *PostgresTaskStore) ListTasksWithExplanations(ctx context.Context, limit int) ([]models.PracticeTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM practice_tasks WHERE explanation <> '' ORDER BY id LIMIT $1`, taskColumns)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresTaskStore) ListSubjects(ctx context.Context) ([]models.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, exam FROM subjects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		var sub models.Subject
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Exam); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

func (s *PostgresTaskStore) ListTopicsBySubject(ctx context.Context, subjectID string) ([]models.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, name, task_count FROM topics WHERE subject_id = $1 ORDER BY name`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var topic models.Topic
		if err := rows.Scan(&topic.ID, &topic.SubjectID, &topic.Name, &topic.TaskCount); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

func (s *PostgresTaskStore) ListTasksByTopic(ctx context.Context, topicID string, limit int) ([]models.PracticeTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM practice_tasks WHERE topic_id = $1 AND explanation <> '' LIMIT $2`, taskColumns)
	rows, err := s.db.QueryContext(ctx, query, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by topic: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresTaskStore) RandomTasksWithExplanations(ctx context.Context, limit int) ([]models.PracticeTask, error) {
	query := fmt.Sprintf(`SELECT %s FROM practice_tasks WHERE explanation <> '' ORDER BY random() LIMIT $1`, taskColumns)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("random tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]models.PracticeTask, error) {
	var tasks []models.PracticeTask
	for rows.Next() {
		var t models.PracticeTask
		if err := rows.Scan(&t.ID, &t.Subject, &t.Topic, &t.Question, &t.CorrectAnswer,
			&t.Explanation, &t.SolutionSteps, &t.Difficulty); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
