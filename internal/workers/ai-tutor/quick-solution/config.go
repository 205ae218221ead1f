// internal/workers/ai-tutor/quick-solution/config.go
package quicksolution

import "time"

type Config struct {
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

func LoadConfig() *Config {
	return &Config{
		Timeout:     60 * time.Second,
		MaxTokens:   500,
		Temperature: 0.1,
	}
}
