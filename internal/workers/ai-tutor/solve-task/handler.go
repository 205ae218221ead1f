// internal/workers/ai-tutor/solve-task/handler.go
package solvetask

import (
	"context"
	"encoding/base64"
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
	TaskType = "solve-task"
)

var (
	ErrAIRateLimited         = errors.New("AI_RATE_LIMITED")
	ErrAIProviderUnavailable = errors.New("AI_PROVIDER_UNAVAILABLE")
	ErrAIRegionBlocked       = errors.New("AI_REGION_BLOCKED")
	ErrAIResponseInvalid     = errors.New("AI_RESPONSE_INVALID")
	ErrInvalidTaskImage      = errors.New("INVALID_TASK_IMAGE")
	ErrInvalidInput          = errors.New("INVALID_INPUT")
)

type aiCaller interface {
	Call(ctx context.Context, messages []genai.Message, maxTokens int, temperature float64) (string, error)
}

type contextSource interface {
	IsAvailable() bool
	SearchByKeywords(ctx context.Context, query string, limit int) []models.PracticeTask
	SearchBySubjectAndTopic(ctx context.Context, subjectName, topicName string, limit int) []models.PracticeTask
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
	hasText := strings.TrimSpace(input.TaskText) != ""
	hasImage := input.ImageBase64 != ""
	if !hasText && !hasImage {
		return nil, fmt.Errorf("%w: taskText or imageBase64 is required", ErrInvalidInput)
	}

	if hasImage {
		if err := h.checkImage(input); err != nil {
			return nil, err
		}
	}

	var contextTasks []models.PracticeTask
	if h.retriever != nil && h.retriever.IsAvailable() {
		contextTasks = h.retrieveContext(ctx, input, hasText)
	}

	messages := h.buildMessages(input, contextTasks)
	solution, err := h.ai.Call(ctx, messages, h.config.MaxTokens, h.config.Temperature)
	if err != nil {
		return nil, mapCallError(err)
	}

	return &Output{
		Solution:         solution,
		Answer:           extractAnswer(solution),
		ContextTasksUsed: len(contextTasks),
	}, nil
}

// retrieveContext pulls worked examples for the prompt. Catalog lookup by
// subject and topic comes first, then keyword search over the task text,
// then generic few-shot examples when neither matched.
func (h *Handler) retrieveContext(ctx context.Context, input *Input, hasText bool) []models.PracticeTask {
	if input.Subject != "" && input.Topic != "" {
		if tasks := h.retriever.SearchBySubjectAndTopic(ctx, input.Subject, input.Topic, h.config.ContextLimit); len(tasks) > 0 {
			return tasks
		}
	}
	if hasText {
		if tasks := h.retriever.SearchByKeywords(ctx, input.TaskText, h.config.ContextLimit); len(tasks) > 0 {
			return tasks
		}
	}
	return h.retriever.GetFewShotExamples(ctx, h.config.ContextLimit)
}

// checkImage rejects payloads that are not decodable base64 or exceed the
// size bound before any provider spend.
func (h *Handler) checkImage(input *Input) error {
	decoded, err := base64.StdEncoding.DecodeString(input.ImageBase64)
	if err != nil {
		return fmt.Errorf("%w: not valid base64: %v", ErrInvalidTaskImage, err)
	}
	if len(decoded) == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidTaskImage)
	}
	if len(decoded) > h.config.MaxImageBytes {
		return fmt.Errorf("%w: image is %d bytes, limit %d", ErrInvalidTaskImage, len(decoded), h.config.MaxImageBytes)
	}
	return nil
}

func (h *Handler) buildMessages(input *Input, contextTasks []models.PracticeTask) []genai.Message {
	var sys strings.Builder
	sys.WriteString("Ты — репетитор по подготовке к ОГЭ и ЕГЭ. ")
	sys.WriteString("Реши задание полностью. Оформи ответ так: сначала раздел «Ход решения» с пронумерованными шагами, затем отдельная строка «Ответ: ...».")
	if input.Subject != "" {
		sys.WriteString(fmt.Sprintf(" Предмет: %s.", input.Subject))
	}
	if formatted := retrieval.FormatForPrompt(contextTasks); formatted != "" {
		sys.WriteString("\n\nПримеры оформления решений из банка заданий:\n\n")
		sys.WriteString(formatted)
	}

	messages := []genai.Message{genai.TextMessage("system", sys.String())}

	if input.ImageBase64 != "" {
		mime := input.ImageMime
		if mime == "" {
			mime = "image/jpeg"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, input.ImageBase64)
		prompt := "Реши задание с фотографии."
		if strings.TrimSpace(input.TaskText) != "" {
			prompt = input.TaskText
		}
		messages = append(messages, genai.ImageMessage("user", prompt, dataURL))
	} else {
		messages = append(messages, genai.TextMessage("user", input.TaskText))
	}

	return messages
}

// extractAnswer pulls the final "Ответ: ..." line out of the solution text.
func extractAnswer(solution string) string {
	lines := strings.Split(solution, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		for _, prefix := range []string{"Ответ:", "ответ:", "ОТВЕТ:"} {
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(line, prefix))
			}
		}
	}
	return ""
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
	case errors.Is(err, ErrInvalidTaskImage):
		errorCode = "INVALID_TASK_IMAGE"
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
