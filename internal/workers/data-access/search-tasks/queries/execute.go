// internal/workers/data-access/search-tasks/queries/execute.go
package queries

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
)

type QueryResult struct {
	Tasks     []map[string]interface{}
	TotalHits int64
	MaxScore  float64
	Took      int64
}

func Execute(ctx context.Context, esClient *elasticsearch.Client, tq TaskQuery) (*QueryResult, error) {
	if tq.Pagination.Size > 100 {
		tq.Pagination.Size = 100
	}
	if tq.Pagination.Size < 1 {
		tq.Pagination.Size = 20
	}
	if tq.Pagination.From < 0 {
		tq.Pagination.From = 0
	}

	req, err := BuildQuery(esClient, tq)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := req.Do(ctx, esClient)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search query failed: %s", res.String())
	}

	var r map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, err
	}

	hits, ok := r["hits"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected search response shape")
	}
	total := 0.0
	if t, ok := hits["total"].(map[string]interface{}); ok {
		if v, ok := t["value"].(float64); ok {
			total = v
		}
	}
	maxScore := 0.0
	if ms, ok := hits["max_score"].(float64); ok {
		maxScore = ms
	}

	var tasks []map[string]interface{}
	if hitList, ok := hits["hits"].([]interface{}); ok {
		for _, hit := range hitList {
			h, ok := hit.(map[string]interface{})
			if !ok {
				continue
			}
			if source, ok := h["_source"].(map[string]interface{}); ok {
				tasks = append(tasks, source)
			}
		}
	}

	return &QueryResult{
		Tasks:     tasks,
		TotalHits: int64(total),
		MaxScore:  maxScore,
		Took:      time.Since(start).Milliseconds(),
	}, nil
}
