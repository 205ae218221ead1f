package queries

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeBody(t *testing.T, body io.Reader) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(body).Decode(&m))
	return m
}

func TestBuildQuery_TaskSearchWithKeywordsAndFilters(t *testing.T) {
	tq := TaskQuery{
		Index:     "practice_tasks",
		QueryType: "task_search",
		Keywords:  "квадратное уравнение",
		Subject:   "Математика",
		Exam:      "oge",
		DiffMin:   2,
		DiffMax:   4,
	}
	tq.Pagination.From = 0
	tq.Pagination.Size = 20

	req, err := BuildQuery(nil, tq)
	require.NoError(t, err)
	assert.Equal(t, []string{"practice_tasks"}, req.Index)

	body := decodeBody(t, req.Body)
	boolQuery := body["query"].(map[string]interface{})["bool"].(map[string]interface{})

	must := boolQuery["must"].([]interface{})
	require.Len(t, must, 1)
	multiMatch := must[0].(map[string]interface{})["multi_match"].(map[string]interface{})
	assert.Equal(t, "квадратное уравнение", multiMatch["query"])

	filters := boolQuery["filter"].([]interface{})
	assert.Len(t, filters, 3) // subject, exam, difficulty range
}

func TestBuildQuery_TaskSearchWithoutKeywordsUsesMatchAll(t *testing.T) {
	tq := TaskQuery{Index: "practice_tasks", QueryType: "task_search"}

	req, err := BuildQuery(nil, tq)
	require.NoError(t, err)

	body := decodeBody(t, req.Body)
	boolQuery := body["query"].(map[string]interface{})["bool"].(map[string]interface{})
	must := boolQuery["must"].([]interface{})
	require.Len(t, must, 1)
	assert.Contains(t, must[0].(map[string]interface{}), "match_all")
	assert.NotContains(t, boolQuery, "filter")
}

func TestBuildQuery_SimilarTasks(t *testing.T) {
	tq := TaskQuery{Index: "practice_tasks", QueryType: "similar_tasks", TaskID: "task-1"}

	req, err := BuildQuery(nil, tq)
	require.NoError(t, err)

	body := decodeBody(t, req.Body)
	mlt := body["query"].(map[string]interface{})["more_like_this"].(map[string]interface{})
	like := mlt["like"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "task-1", like["_id"])
}

func TestBuildQuery_SimilarTasksWithoutIDMatchesNothing(t *testing.T) {
	tq := TaskQuery{Index: "practice_tasks", QueryType: "similar_tasks"}

	req, err := BuildQuery(nil, tq)
	require.NoError(t, err)

	body := decodeBody(t, req.Body)
	assert.Contains(t, body["query"].(map[string]interface{}), "match_none")
}

func TestBuildQuery_Errors(t *testing.T) {
	_, err := BuildQuery(nil, TaskQuery{QueryType: "task_search"})
	assert.ErrorIs(t, err, ErrMissingIndex)

	_, err = BuildQuery(nil, TaskQuery{Index: "practice_tasks", QueryType: "user_lookup"})
	assert.ErrorIs(t, err, ErrUnknownQueryType)
}
