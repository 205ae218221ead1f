// internal/workers/data-access/search-tasks/config.go
package searchtasks

import "time"

type Config struct {
	Timeout time.Duration
	Index   string
}

func LoadConfig() *Config {
	return &Config{
		Timeout: 30 * time.Second,
		Index:   "practice_tasks",
	}
}
