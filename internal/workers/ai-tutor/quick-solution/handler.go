// internal/workers/ai-tutor/quick-solution/handler.go
package quicksolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/common/metrics"
	"examprep-workers/internal/genai"
	"examprep-workers/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "quick-solution"
)

var (
	ErrAIRateLimited         = errors.New("AI_RATE_LIMITED")
	ErrAIProviderUnavailable = errors.New("AI_PROVIDER_UNAVAILABLE")
	ErrAIRegionBlocked       = errors.New("AI_REGION_BLOCKED")
	ErrAIResponseInvalid     = errors.New("AI_RESPONSE_INVALID")
	ErrInvalidInput          = errors.New("INVALID_INPUT")
)

type aiCaller interface {
	Call(ctx context.Context, messages []genai.Message, maxTokens int, temperature float64) (string, error)
}

type taskSource interface {
	IsAvailable() bool
	SearchByKeywords(ctx context.Context, query string, limit int) []models.PracticeTask
	SearchBySubjectAndTopic(ctx context.Context, subjectName, topicName string, limit int) []models.PracticeTask
}

type Handler struct {
	config    *Config
	ai        aiCaller
	retriever taskSource
	logger    logger.Logger
}

func NewHandler(config *Config, ai aiCaller, retriever taskSource, log logger.Logger) *Handler {
	return &Handler{
		config:    config,
		ai:        ai,
		retriever: retriever,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	startTime := time.Now()
	metrics.WorkerJobsActive.WithLabelValues(TaskType).Inc()
	defer metrics.WorkerJobsActive.WithLabelValues(TaskType).Dec()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.failJob(client, job, fmt.Errorf("parse input: %w", err), 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		h.failJob(client, job, err, retriesFor(err))
		return
	}

	h.completeJob(client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if strings.TrimSpace(input.TaskText) == "" {
		return nil, fmt.Errorf("%w: taskText is required", ErrInvalidInput)
	}

	// The bank is checked first: a known task answers instantly and costs
	// nothing. Only unknown tasks reach a provider.
	if match := h.lookupBank(ctx, input); match != nil {
		h.logger.Info("answered from task bank", map[string]interface{}{
			"taskId": match.ID,
		})
		return &Output{
			Answer:      match.CorrectAnswer,
			Explanation: match.Explanation,
			Source:      "bank",
		}, nil
	}

	answer, err := h.ai.Call(ctx, h.buildMessages(input), h.config.MaxTokens, h.config.Temperature)
	if err != nil {
		return nil, mapCallError(err)
	}

	return &Output{Answer: strings.TrimSpace(answer), Source: "ai"}, nil
}

// lookupBank returns a bank task whose question matches the input closely
// enough to reuse its stored answer.
func (h *Handler) lookupBank(ctx context.Context, input *Input) *models.PracticeTask {
	if h.retriever == nil || !h.retriever.IsAvailable() {
		return nil
	}

	var candidates []models.PracticeTask
	if input.Subject != "" && input.Topic != "" {
		candidates = h.retriever.SearchBySubjectAndTopic(ctx, input.Subject, input.Topic, 20)
	}
	if len(candidates) == 0 {
		candidates = h.retriever.SearchByKeywords(ctx, input.TaskText, 20)
	}

	needle := normalize(input.TaskText)
	for i := range candidates {
		if candidates[i].CorrectAnswer == "" {
			continue
		}
		if normalize(candidates[i].Question) == needle {
			return &candidates[i]
		}
	}
	return nil
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (h *Handler) buildMessages(input *Input) []genai.Message {
	var sys strings.Builder
	sys.WriteString("Ты — репетитор по подготовке к ОГЭ и ЕГЭ. ")
	sys.WriteString("Дай только краткий итоговый ответ на задание, без хода решения. Одна строка.")
	if input.Subject != "" {
		sys.WriteString(fmt.Sprintf(" Предмет: %s.", input.Subject))
	}

	return []genai.Message{
		genai.TextMessage("system", sys.String()),
		genai.TextMessage("user", input.TaskText),
	}
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return
	}
	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
	}
}

func (h *Handler) failJob(client worker.JobClient, job entities.Job, err error, retries int32) {
	errorCode := "UNKNOWN_ERROR"
	switch {
	case errors.Is(err, ErrAIRateLimited):
		errorCode = "AI_RATE_LIMITED"
	case errors.Is(err, ErrAIProviderUnavailable):
		errorCode = "AI_PROVIDER_UNAVAILABLE"
	case errors.Is(err, ErrAIRegionBlocked):
		errorCode = "AI_REGION_BLOCKED"
	case errors.Is(err, ErrAIResponseInvalid):
		errorCode = "AI_RESPONSE_INVALID"
	case errors.Is(err, ErrInvalidInput):
		errorCode = "INVALID_INPUT"
	}

	metrics.WorkerJobsFailed.WithLabelValues(TaskType, errorCode).Inc()
	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":    job.Key,
		"error":     err.Error(),
		"errorCode": errorCode,
		"retries":   retries,
	})

	_, _ = client.NewFailJobCommand().
		JobKey(job.Key).
		Retries(retries).
		ErrorMessage(err.Error()).
		Send(context.Background())
}

// Execute method for direct usage
func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}

func mapCallError(err error) error {
	switch genai.KindOf(err) {
	case genai.FailureRateLimited:
		return fmt.Errorf("%w: %v", ErrAIRateLimited, err)
	case genai.FailureRegionBlocked:
		return fmt.Errorf("%w: %v", ErrAIRegionBlocked, err)
	case genai.FailureUnavailable:
		return fmt.Errorf("%w: %v", ErrAIProviderUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrAIResponseInvalid, err)
	}
}

func retriesFor(err error) int32 {
	switch {
	case errors.Is(err, ErrAIRateLimited), errors.Is(err, ErrAIProviderUnavailable):
		return 1
	case errors.Is(err, ErrAIResponseInvalid):
		return 2
	default:
		return 0
	}
}
