package retrieval

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var taskRowColumns = []string{"id", "subject", "topic", "question", "correct_answer", "explanation", "solution_steps", "difficulty"}

func TestPostgresTaskStore_ListTasksWithExplanations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows(taskRowColumns).
		AddRow("task-1", "Математика", "Уравнения", "Решите x+1=2", "x=1", "Перенос слагаемого.", "x = 2 - 1", 1)
	mock.ExpectQuery("SELECT (.+) FROM practice_tasks WHERE explanation").
		WithArgs(10).
		WillReturnRows(rows)

	store := NewPostgresTaskStore(db)
	tasks, err := store.ListTasksWithExplanations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.Equal(t, "Математика", tasks[0].Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskStore_EmptyResultIsNotAnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM practice_tasks WHERE topic_id").
		WithArgs("top-unknown", 5).
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	store := NewPostgresTaskStore(db)
	tasks, err := store.ListTasksByTopic(context.Background(), "top-unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTaskStore_ListSubjectsAndTopics(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, exam FROM subjects").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "exam"}).
			AddRow("sub-math", "Математика", "oge").
			AddRow("sub-rus", "Русский язык", "ege"))
	mock.ExpectQuery("SELECT id, subject_id, name, task_count FROM topics").
		WithArgs("sub-math").
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject_id", "name", "task_count"}).
			AddRow("top-quad", "sub-math", "Квадратные уравнения", 42))

	store := NewPostgresTaskStore(db)

	subjects, err := store.ListSubjects(context.Background())
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	assert.Equal(t, "Русский язык", subjects[1].Name)

	topics, err := store.ListTopicsBySubject(context.Background(), "sub-math")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, 42, topics[0].TaskCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}
