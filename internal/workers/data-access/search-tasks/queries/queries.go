package queries

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var (
	ErrUnknownQueryType = errors.New("unknown query type")
	ErrMissingIndex     = errors.New("index name is required")
)

// TaskQuery describes a search request against the practice-task index.
type TaskQuery struct {
	Index      string
	QueryType  string
	Keywords   string
	Subject    string
	Topic      string
	Exam       string
	DiffMin    int
	DiffMax    int
	TaskID     string
	Pagination struct {
		From int
		Size int
	}
}

// BuildQuery builds an Elasticsearch search request based on query type and filters
func BuildQuery(esClient *elasticsearch.Client, tq TaskQuery) (*esapi.SearchRequest, error) {
	if tq.Index == "" {
		return nil, ErrMissingIndex
	}

	var queryBody map[string]interface{}

	switch tq.QueryType {
	case "task_search":
		queryBody = buildTaskSearchQuery(tq)
	case "similar_tasks":
		queryBody = buildSimilarTasksQuery(tq)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueryType, tq.QueryType)
	}

	body, _ := json.Marshal(queryBody)

	req := esapi.SearchRequest{
		Index:  []string{tq.Index},
		Body:   strings.NewReader(string(body)),
		From:   &tq.Pagination.From,
		Size:   &tq.Pagination.Size,
		Pretty: true,
	}

	return &req, nil
}

// buildTaskSearchQuery builds the main catalog search query dynamically
func buildTaskSearchQuery(tq TaskQuery) map[string]interface{} {
	boolQuery := make(map[string]interface{})
	mustClauses := []interface{}{}
	filterClauses := []interface{}{}

	if tq.Keywords != "" {
		mustClauses = append(mustClauses, map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  tq.Keywords,
				"fields": []string{"question^3", "topic^2", "subject"},
				"type":   "best_fields",
			},
		})
	}

	if tq.Subject != "" {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{"subject": tq.Subject},
		})
	}

	if tq.Topic != "" {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{"topic": tq.Topic},
		})
	}

	if tq.Exam != "" {
		filterClauses = append(filterClauses, map[string]interface{}{
			"term": map[string]interface{}{"exam": tq.Exam},
		})
	}

	// Difficulty is a 1..5 scale; zero bounds mean "no bound".
	if tq.DiffMin > 0 || tq.DiffMax > 0 {
		rangeBody := map[string]interface{}{}
		if tq.DiffMin > 0 {
			rangeBody["gte"] = tq.DiffMin
		}
		if tq.DiffMax > 0 {
			rangeBody["lte"] = tq.DiffMax
		}
		filterClauses = append(filterClauses, map[string]interface{}{
			"range": map[string]interface{}{"difficulty": rangeBody},
		})
	}

	if len(mustClauses) == 0 {
		mustClauses = append(mustClauses, map[string]interface{}{"match_all": map[string]interface{}{}})
	}

	boolQuery["must"] = mustClauses
	if len(filterClauses) > 0 {
		boolQuery["filter"] = filterClauses
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": boolQuery,
		},
	}
}

// buildSimilarTasksQuery builds a "more tasks like this one" query
func buildSimilarTasksQuery(tq TaskQuery) map[string]interface{} {
	if tq.TaskID == "" {
		return map[string]interface{}{
			"query": map[string]interface{}{
				"match_none": map[string]interface{}{},
			},
		}
	}

	return map[string]interface{}{
		"query": map[string]interface{}{
			"more_like_this": map[string]interface{}{
				"fields": []string{"question", "topic", "subject"},
				"like": []map[string]interface{}{
					{"_index": tq.Index, "_id": tq.TaskID},
				},
				"min_term_freq":   1,
				"max_query_terms": 12,
				"min_doc_freq":    1,
				"min_word_length": 3,
			},
		},
	}
}
