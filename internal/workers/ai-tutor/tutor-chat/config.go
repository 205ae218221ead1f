// internal/workers/ai-tutor/tutor-chat/config.go
package tutorchat

import "time"

type Config struct {
	Timeout      time.Duration
	MaxTokens    int
	Temperature  float64
	ContextLimit int
	// HistoryLimit caps how many prior turns go into the prompt.
	HistoryLimit int
}

func LoadConfig() *Config {
	return &Config{
		Timeout:      120 * time.Second,
		MaxTokens:    1500,
		Temperature:  0.7,
		ContextLimit: 3,
		HistoryLimit: 10,
	}
}
