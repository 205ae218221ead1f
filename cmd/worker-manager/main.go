// cmd/worker-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"examprep-workers/internal/common/camunda"
	"examprep-workers/internal/common/config"
	"examprep-workers/internal/common/database"
	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/common/metrics"
	"examprep-workers/internal/common/observability"
	"examprep-workers/internal/genai"
	"examprep-workers/internal/retrieval"
	"examprep-workers/pkg/registry"

	qs "examprep-workers/internal/workers/ai-tutor/quick-solution"
	slv "examprep-workers/internal/workers/ai-tutor/solve-task"
	tc "examprep-workers/internal/workers/ai-tutor/tutor-chat"
	sn "examprep-workers/internal/workers/communication/send-notification"
	st "examprep-workers/internal/workers/data-access/search-tasks"
	cc "examprep-workers/internal/workers/subscription/check-capability"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting worker manager...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("worker-manager")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init Zeebe Client with retry ---
	var camundaClient *camunda.Client
	err = retryWithBackoff(func() error {
		var err error
		camundaClient, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
			GatewayAddress:         cfg.Camunda.BrokerAddress,
			UsePlaintextConnection: true,
			ConnectionTimeout:      10 * time.Second,
			RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
		})
		return err
	}, 10, 2*time.Second, zapLog, "Zeebe client initialization")

	if err != nil {
		zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
	}
	zeebeClient := camundaClient.GetClient()
	zapLog.Info("Zeebe client connected successfully")

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Elasticsearch with retry ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.Ping()
	}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

	if err != nil {
		zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
	}
	zapLog.Info("Elasticsearch connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Provider pipelines and task retriever ---
	// The retriever probes the task bank once at startup; an unreachable
	// bank degrades AI workers to context-free prompts instead of blocking.
	textPipeline := buildPipeline(cfg, false, log)
	visionPipeline := buildPipeline(cfg, true, log)

	taskStore := retrieval.NewPostgresTaskStore(pg.DB)
	retriever := retrieval.New(ctx, taskStore, log)
	if !retriever.IsAvailable() {
		zapLog.Warn("task bank unreachable, AI workers run without retrieved context")
	}

	// --- Activity registry ---
	// Job variables get checked against the registry schemas before a handler
	// runs; without the registry the workers accept variables as-is.
	activityReg := loadActivityRegistry(zapLog)

	// --- Register workers ---
	if cfg.Workers[cc.TaskType].Enabled {
		handler := cc.NewHandler(
			&cc.Config{
				Timeout:  config.GetDuration(cfg.Workers[cc.TaskType].Timeout),
				CacheTTL: time.Duration(cfg.Subscription.CacheTTL) * time.Second,
			},
			pg.DB, redis.Client, log,
		)
		startWorker(zeebeClient, activityReg, cc.TaskType, cfg.Workers[cc.TaskType], handler.Handle, zapLog)
	}

	if cfg.Workers[tc.TaskType].Enabled {
		tcCfg := tc.LoadConfig()
		tcCfg.Timeout = config.GetDuration(cfg.Workers[tc.TaskType].Timeout)
		tcCfg.ContextLimit = cfg.Retrieval.FewShotExamples
		handler := tc.NewHandler(tcCfg, textPipeline, retriever, log)
		startWorker(zeebeClient, activityReg, tc.TaskType, cfg.Workers[tc.TaskType], handler.Handle, zapLog)
	}

	if cfg.Workers[slv.TaskType].Enabled {
		slvCfg := slv.LoadConfig()
		slvCfg.Timeout = config.GetDuration(cfg.Workers[slv.TaskType].Timeout)
		handler := slv.NewHandler(slvCfg, visionPipeline, retriever, log)
		startWorker(zeebeClient, activityReg, slv.TaskType, cfg.Workers[slv.TaskType], handler.Handle, zapLog)
	}

	if cfg.Workers[qs.TaskType].Enabled {
		qsCfg := qs.LoadConfig()
		qsCfg.Timeout = config.GetDuration(cfg.Workers[qs.TaskType].Timeout)
		handler := qs.NewHandler(qsCfg, textPipeline, retriever, log)
		startWorker(zeebeClient, activityReg, qs.TaskType, cfg.Workers[qs.TaskType], handler.Handle, zapLog)
	}

	if cfg.Workers[st.TaskType].Enabled {
		handler := st.NewHandler(
			&st.Config{
				Timeout: config.GetDuration(cfg.Workers[st.TaskType].Timeout),
				Index:   cfg.Database.Elasticsearch.TaskIndex,
			},
			esClient.Client, log,
		)
		startWorker(zeebeClient, activityReg, st.TaskType, cfg.Workers[st.TaskType], handler.Handle, zapLog)
	}

	if cfg.Workers[sn.TaskType].Enabled {
		handler, err := sn.NewHandler(
			&sn.Config{
				EmailEnabled: cfg.Notifications.Email.Enabled,
				SMSEnabled:   cfg.Notifications.SMS.Enabled,
				FromEmail:    cfg.Notifications.Email.FromEmail,
				AWSRegion:    cfg.Notifications.AWS.Region,
				Timeout:      config.GetDuration(cfg.Workers[sn.TaskType].Timeout),
			},
			pg.DB, log,
		)
		if err != nil {
			zapLog.Fatal("failed to create send-notification handler", zap.Error(err))
		}
		startWorker(zeebeClient, activityReg, sn.TaskType, cfg.Workers[sn.TaskType], handler.Handle, zapLog)
	}

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			probeCtx, probeCancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer probeCancel()
			if err := camundaClient.HealthCheck(probeCtx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Health/Metrics server listening on :8080")
		if err := http.ListenAndServe(":8080", nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workers...")

	if err := camundaClient.Close(); err != nil {
		zapLog.Error("Error closing Zeebe client", zap.Error(err))
	}

	zapLog.Info("Worker manager stopped gracefully")
}

// buildPipeline assembles the provider pipeline from config. With ollama
// preferred the hosted provider becomes the failover target; with hosted
// preferred there is no failover. Vision pipelines use the vision model
// where one is configured.
func buildPipeline(cfg *config.Config, vision bool, log logger.Logger) *genai.Pipeline {
	ollama := &genai.ProviderConfig{
		Name:    "ollama",
		Kind:    genai.ProviderOllama,
		BaseURL: cfg.AI.Ollama.BaseURL,
		Model:   pickModel(cfg.AI.Ollama, vision),
		Timeout: config.GetDuration(cfg.AI.Ollama.Timeout),
	}
	hosted := &genai.ProviderConfig{
		Name:    "hosted",
		Kind:    genai.ProviderHosted,
		BaseURL: cfg.AI.Hosted.BaseURL,
		APIKey:  cfg.AI.Hosted.APIKey,
		Model:   pickModel(cfg.AI.Hosted, vision),
		Timeout: config.GetDuration(cfg.AI.Hosted.Timeout),
	}

	retry := genai.RetryPolicy{
		MaxAttempts: cfg.AI.Retry.MaxAttempts,
		BaseDelay:   config.GetDuration(cfg.AI.Retry.BaseDelay),
		MaxDelay:    config.GetDuration(cfg.AI.Retry.MaxDelay),
	}

	if cfg.AI.Preferred == "hosted" {
		return genai.NewPipeline(hosted, nil, retry, log)
	}

	var fallback *genai.ProviderConfig
	if hosted.BaseURL != "" && hosted.APIKey != "" {
		fallback = hosted
	}
	return genai.NewPipeline(ollama, fallback, retry, log)
}

func pickModel(ps config.ProviderSettings, vision bool) string {
	if vision && ps.VisionModel != "" {
		return ps.VisionModel
	}
	return ps.Model
}

// loadActivityRegistry reads the activity registry from the usual locations.
// A missing registry disables input validation but is not fatal.
func loadActivityRegistry(log *zap.Logger) *registry.ActivityRegistry {
	paths := []string{
		"configs/activity-registry.json",
		"../../configs/activity-registry.json",
		"activity-registry.json",
	}
	if env := os.Getenv("ACTIVITY_REGISTRY_PATH"); env != "" {
		paths = append([]string{env}, paths...)
	}

	for _, path := range paths {
		reg, err := registry.LoadRegistry(path)
		if err != nil {
			continue
		}
		log.Info("activity registry loaded",
			zap.String("path", path),
			zap.Int("activities", len(reg.Activities)),
		)
		return reg
	}

	log.Warn("activity registry not found, input validation disabled")
	return nil
}

// withInputValidation rejects jobs whose variables violate the activity's
// input schema before they reach the handler. Violations are modeling
// errors, so the job is routed to a BPMN error rather than retried.
func withInputValidation(reg *registry.ActivityRegistry, taskType string, next func(worker.JobClient, entities.Job), log *zap.Logger) func(worker.JobClient, entities.Job) {
	if reg == nil {
		return next
	}
	activity, ok := reg.FindActivity(taskType)
	if !ok {
		log.Warn("task type missing from activity registry, input validation disabled",
			zap.String("taskType", taskType))
		return next
	}

	return func(client worker.JobClient, job entities.Job) {
		violations := activity.ValidateRawInput([]byte(job.Variables))
		if len(violations) == 0 {
			next(client, job)
			return
		}

		messages := make([]string, 0, len(violations))
		for _, v := range violations {
			messages = append(messages, v.Error())
		}
		log.Error("job variables rejected by input schema",
			zap.String("taskType", taskType),
			zap.Int64("jobKey", job.Key),
			zap.Strings("violations", messages),
		)
		metrics.WorkerJobsFailed.WithLabelValues(taskType, "INVALID_INPUT").Inc()

		_, err := client.NewThrowErrorCommand().
			JobKey(job.Key).
			ErrorCode("INVALID_INPUT").
			ErrorMessage(strings.Join(messages, "; ")).
			Send(context.Background())
		if err != nil {
			log.Error("failed to throw error",
				zap.String("taskType", taskType),
				zap.Int64("jobKey", job.Key),
				zap.Error(err),
			)
		}
	}
}

func startWorker(client zbc.Client, reg *registry.ActivityRegistry, taskType string, wcfg config.WorkerConfig, handlerFunc func(worker.JobClient, entities.Job), log *zap.Logger) {
	if !wcfg.Enabled {
		log.Info("worker disabled", zap.String("taskType", taskType))
		return
	}

	client.NewJobWorker().
		JobType(taskType).
		Handler(withInputValidation(reg, taskType, handlerFunc, log)).
		MaxJobsActive(wcfg.MaxJobsActive).
		Timeout(time.Duration(wcfg.Timeout) * time.Millisecond).
		Open()

	log.Info("worker started",
		zap.String("taskType", taskType),
		zap.Int("maxJobsActive", wcfg.MaxJobsActive),
		zap.Int("timeout_ms", wcfg.Timeout),
	)
}
