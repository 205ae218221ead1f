// internal/genai/pipeline.go
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/common/metrics"
)

const probeTimeout = 2 * time.Second

// Pipeline executes chat completions against a preferred provider with a
// one-shot hosted failover and a capped exponential-backoff retry loop for
// rate limits. Stateless across calls: a failover never outlives the call
// that triggered it.
type Pipeline struct {
	preferred *ProviderConfig
	fallback  *ProviderConfig // hosted fallback, may be nil
	retry     RetryPolicy
	client    *http.Client
	probe     *http.Client
	logger    logger.Logger

	// sleep is swapped out in tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires a pipeline. The HTTP client carries no global timeout;
// each attempt gets a context deadline from the provider's own Timeout.
func NewPipeline(preferred, fallback *ProviderConfig, retry RetryPolicy, log logger.Logger) *Pipeline {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Pipeline{
		preferred: preferred,
		fallback:  fallback,
		retry:     retry,
		client:    &http.Client{},
		probe:     &http.Client{Timeout: probeTimeout},
		logger:    log.WithFields(map[string]interface{}{"component": "genai"}),
		sleep:     sleepCtx,
	}
}

// Call runs the select → dispatch → classify state machine and returns the
// completion text or a typed *CallError. Attempts within one call are
// strictly sequential.
func (p *Pipeline) Call(ctx context.Context, messages []Message, maxTokens int, temperature float64) (string, error) {
	active := p.preferred
	failedOver := false

	// Liveness-probe the local provider before committing to it. A dead
	// local model switches this call to the hosted fallback up front.
	if active.Kind == ProviderOllama && p.fallback != nil && !p.isAlive(ctx, active) {
		p.logger.Warn("local provider failed liveness probe, failing over", map[string]interface{}{
			"from": active.Name,
			"to":   p.fallback.Name,
		})
		metrics.AIFailoversTotal.WithLabelValues(active.Name, p.fallback.Name).Inc()
		active = p.fallback
		failedOver = true
	}

	delay := p.retry.BaseDelay
	attempt := 0
	for {
		attempt++

		start := time.Now()
		text, callErr := p.dispatch(ctx, active, messages, maxTokens, temperature)
		outcome := "success"
		if callErr != nil {
			outcome = string(callErr.Kind)
		}
		metrics.AIRequestsTotal.WithLabelValues(active.Name, outcome).Inc()
		metrics.AIRequestDuration.WithLabelValues(active.Name).Observe(time.Since(start).Seconds())

		if callErr == nil {
			return text, nil
		}

		// One-shot failover: a transient local failure on the very first
		// attempt switches to the hosted fallback without consuming retry
		// budget. Never repeated within a call.
		if callErr.Kind == FailureUnavailable && active.Kind == ProviderOllama &&
			!failedOver && p.fallback != nil && attempt == 1 {
			p.logger.Warn("local provider unavailable, failing over", map[string]interface{}{
				"from":  active.Name,
				"to":    p.fallback.Name,
				"error": callErr.Message,
			})
			metrics.AIFailoversTotal.WithLabelValues(active.Name, p.fallback.Name).Inc()
			active = p.fallback
			failedOver = true
			attempt = 0
			continue
		}

		retryable := callErr.Kind == FailureRateLimited || callErr.Kind == FailureUnavailable
		if !retryable || attempt >= p.retry.MaxAttempts {
			p.logger.Error("provider call failed", map[string]interface{}{
				"provider": active.Name,
				"kind":     string(callErr.Kind),
				"status":   callErr.Status,
				"attempts": attempt,
			})
			return "", callErr
		}

		p.logger.Warn("provider call failed, backing off", map[string]interface{}{
			"provider": active.Name,
			"kind":     string(callErr.Kind),
			"attempt":  attempt,
			"delay":    delay.String(),
		})
		if err := p.sleep(ctx, delay); err != nil {
			return "", &CallError{Kind: FailureUnavailable, Provider: active.Name, Message: "cancelled while backing off: " + err.Error()}
		}
		delay *= 2
		if delay > p.retry.MaxDelay {
			delay = p.retry.MaxDelay
		}
	}
}

// isAlive does a bounded-timeout GET against the local model server.
func (p *Pipeline) isAlive(ctx context.Context, provider *ProviderConfig) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, provider.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Pipeline) dispatch(ctx context.Context, provider *ProviderConfig, messages []Message, maxTokens int, temperature float64) (string, *CallError) {
	attemptCtx, cancel := context.WithTimeout(ctx, provider.Timeout)
	defer cancel()

	var (
		url  string
		body map[string]interface{}
	)
	switch provider.Kind {
	case ProviderOllama:
		url = provider.BaseURL + "/api/chat"
		body = map[string]interface{}{
			"model":    provider.Model,
			"messages": messages,
			"stream":   false,
			"options": map[string]interface{}{
				"temperature": temperature,
				"num_predict": maxTokens,
			},
		}
	default:
		url = provider.BaseURL + "/chat/completions"
		body = map[string]interface{}{
			"model":       provider.Model,
			"messages":    messages,
			"max_tokens":  maxTokens,
			"temperature": temperature,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &CallError{Kind: FailureUnknown, Provider: provider.Name, Message: "encode request: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &CallError{Kind: FailureUnknown, Provider: provider.Name, Message: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &CallError{Kind: FailureUnavailable, Provider: provider.Name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if callErr := classifyStatus(resp, provider); callErr != nil {
		return "", callErr
	}
	return extractText(resp.Body, provider)
}

// classifyStatus maps a non-2xx response to a typed failure. Region/policy
// rejections get their own kind so the caller can show a specific message.
func classifyStatus(resp *http.Response, provider *ProviderConfig) *CallError {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet := readSnippet(resp.Body, 512)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &CallError{Kind: FailureRateLimited, Provider: provider.Name, Status: resp.StatusCode, Message: snippet}
	case isRegionBlock(snippet):
		return &CallError{Kind: FailureRegionBlocked, Provider: provider.Name, Status: resp.StatusCode, Message: snippet}
	case resp.StatusCode >= 500:
		return &CallError{Kind: FailureUnavailable, Provider: provider.Name, Status: resp.StatusCode, Message: snippet}
	default:
		return &CallError{Kind: FailureUnknown, Provider: provider.Name, Status: resp.StatusCode, Message: snippet}
	}
}

// isRegionBlock recognizes the hosted providers' country/region policy
// rejections by body content rather than status, which varies by vendor.
func isRegionBlock(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "unsupported_country_region_territory") ||
		strings.Contains(lower, "country, region, or territory not supported") ||
		strings.Contains(lower, "request not allowed from your region")
}

func extractText(r io.Reader, provider *ProviderConfig) (string, *CallError) {
	if provider.Kind == ProviderOllama {
		var out struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return "", &CallError{Kind: FailureUnknown, Provider: provider.Name, Message: "decode response: " + err.Error()}
		}
		if strings.TrimSpace(out.Message.Content) == "" {
			return "", &CallError{Kind: FailureUnknown, Provider: provider.Name, Message: "empty completion"}
		}
		return out.Message.Content, nil
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return "", &CallError{Kind: FailureUnknown, Provider: provider.Name, Message: "decode response: " + err.Error()}
	}
	if len(out.Choices) == 0 {
		return "", &CallError{Kind: FailureUnknown, Provider: provider.Name, Message: "empty choices"}
	}
	return out.Choices[0].Message.Content, nil
}

func readSnippet(r io.Reader, n int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, n))
	return string(data)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
