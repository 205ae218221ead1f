// internal/workers/ai-tutor/tutor-chat/handler.go
package tutorchat

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
	"examprep-workers/internal/retrieval"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const (
	TaskType = "tutor-chat"
)

var (
	ErrAIRateLimited         = errors.New("AI_RATE_LIMITED")
	ErrAIProviderUnavailable = errors.New("AI_PROVIDER_UNAVAILABLE")
	ErrAIRegionBlocked       = errors.New("AI_REGION_BLOCKED")
	ErrAIResponseInvalid     = errors.New("AI_RESPONSE_INVALID")
	ErrInvalidInput          = errors.New("INVALID_INPUT")
)

// aiCaller is what the handler needs from the provider pipeline.
type aiCaller interface {
	Call(ctx context.Context, messages []genai.Message, maxTokens int, temperature float64) (string, error)
}

// contextSource supplies few-shot task-bank context for the prompt.
type contextSource interface {
	IsAvailable() bool
	SearchByKeywords(ctx context.Context, query string, limit int) []models.PracticeTask
	GetFewShotExamples(ctx context.Context, limit int) []models.PracticeTask
}

type Handler struct {
	config    *Config
	ai        aiCaller
	retriever contextSource
	logger    logger.Logger
}

func NewHandler(config *Config, ai aiCaller, retriever contextSource, log logger.Logger) *Handler {
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
	if strings.TrimSpace(input.Question) == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}

	contextTasks := h.retrieveContext(ctx, input)

	messages := h.buildMessages(input, contextTasks)
	reply, err := h.ai.Call(ctx, messages, h.config.MaxTokens, h.config.Temperature)
	if err != nil {
		return nil, mapCallError(err)
	}

	return &Output{
		Reply:            reply,
		ContextTasksUsed: len(contextTasks),
	}, nil
}

// retrieveContext pulls matching bank tasks for the question, falling back
// to generic few-shot examples when keywords match nothing. Degraded
// retrieval only means an unenriched prompt, never a failed chat.
func (h *Handler) retrieveContext(ctx context.Context, input *Input) []models.PracticeTask {
	if h.retriever == nil || !h.retriever.IsAvailable() {
		return nil
	}
	query := input.Question
	if input.Subject != "" {
		query = input.Subject + " " + query
	}
	if tasks := h.retriever.SearchByKeywords(ctx, query, h.config.ContextLimit); len(tasks) > 0 {
		return tasks
	}
	return h.retriever.GetFewShotExamples(ctx, h.config.ContextLimit)
}

func (h *Handler) buildMessages(input *Input, contextTasks []models.PracticeTask) []genai.Message {
	var sys strings.Builder
	sys.WriteString("Ты — репетитор по подготовке к ОГЭ и ЕГЭ. ")
	sys.WriteString("Объясняй решения пошагово, простым языком, как школьнику. ")
	sys.WriteString("Отвечай только на вопросы по учёбе.")
	if input.Subject != "" {
		sys.WriteString(fmt.Sprintf(" Текущий предмет: %s.", input.Subject))
	}
	if formatted := retrieval.FormatForPrompt(contextTasks); formatted != "" {
		sys.WriteString("\n\nИспользуй эти примеры из банка заданий как образец оформления решения:\n\n")
		sys.WriteString(formatted)
	}

	messages := []genai.Message{genai.TextMessage("system", sys.String())}

	history := input.History
	if len(history) > h.config.HistoryLimit {
		history = history[len(history)-h.config.HistoryLimit:]
	}
	for _, turn := range history {
		if turn.Role != "user" && turn.Role != "assistant" {
			continue
		}
		messages = append(messages, genai.TextMessage(turn.Role, turn.Content))
	}

	messages = append(messages, genai.TextMessage("user", input.Question))
	return messages
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

// mapCallError translates typed pipeline failures into this worker's
// sentinel errors so Handle can pick BPMN codes and retry counts.
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
		// the pipeline already retried and failed over internally
		return 1
	case errors.Is(err, ErrAIResponseInvalid):
		return 2
	default:
		return 0
	}
}
