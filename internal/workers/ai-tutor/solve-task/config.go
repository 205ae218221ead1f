// internal/workers/ai-tutor/solve-task/config.go
package solvetask

import "time"

type Config struct {
	Timeout      time.Duration
	MaxTokens    int
	Temperature  float64
	ContextLimit int
	// MaxImageBytes bounds the decoded task photo size.
	MaxImageBytes int
}

func LoadConfig() *Config {
	return &Config{
		Timeout:       120 * time.Second,
		MaxTokens:     2000,
		Temperature:   0.3,
		ContextLimit:  2,
		MaxImageBytes: 5 * 1024 * 1024,
	}
}
