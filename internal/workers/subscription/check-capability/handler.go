// internal/workers/subscription/check-capability/handler.go
package checkcapability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/common/metrics"
	"examprep-workers/internal/entitlement"
	"examprep-workers/internal/models"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
	"github.com/redis/go-redis/v9"
)

const (
	TaskType = "check-capability"
)

var (
	ErrSubscriptionRequired    = errors.New("SUBSCRIPTION_REQUIRED")
	ErrQuotaExceeded           = errors.New("QUOTA_EXCEEDED")
	ErrSubscriptionCheckFailed = errors.New("SUBSCRIPTION_CHECK_FAILED")
	ErrUnknownCapability       = errors.New("UNKNOWN_CAPABILITY")
)

type Handler struct {
	config *Config
	db     *sql.DB
	redis  *redis.Client
	engine *entitlement.Engine
	logger logger.Logger

	// now is swapped out in tests to pin quota day boundaries.
	now func() time.Time
}

func NewHandler(config *Config, db *sql.DB, rdb *redis.Client, log logger.Logger) *Handler {
	h := &Handler{
		config: config,
		db:     db,
		redis:  rdb,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
		now:    time.Now,
	}
	// engine shares the handler clock so the decision and the demotion
	// write-back agree on what has expired
	h.engine = entitlement.NewEngineWithClock(func() time.Time { return h.now() })
	return h
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
		h.throwError(client, job, "PARSE_ERROR", fmt.Sprintf("parse input: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		if errors.Is(err, ErrSubscriptionCheckFailed) {
			h.failJob(client, job, err, 3)
			return
		}
		if errors.Is(err, ErrUnknownCapability) {
			// a bad capability tag is a modeling error, same as unparseable
			// variables
			h.throwError(client, job, "PARSE_ERROR", err.Error())
			return
		}
		code := "SUBSCRIPTION_REQUIRED"
		if errors.Is(err, ErrQuotaExceeded) {
			code = "QUOTA_EXCEEDED"
		}
		h.throwError(client, job, code, err.Error())
		return
	}

	h.completeJob(client, job, output)
	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(startTime).Seconds())
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrSubscriptionCheckFailed)
	}

	// Job variables are external input; the engine panics on capabilities
	// outside the checkable set, so screen here before touching storage.
	capability := entitlement.Capability(input.Capability)
	if !entitlement.Checkable(capability) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, input.Capability)
	}

	record, err := h.loadSubscription(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	sub, err := toEngineSubscription(record)
	if err != nil {
		h.logger.Warn("unparseable expiry on subscription, treating as free", map[string]interface{}{
			"userId":    record.UserID,
			"expiresAt": record.ExpiresAt,
		})
		sub = entitlement.Subscription{Plan: entitlement.PlanFree, Status: entitlement.StatusActive}
	}

	decision := h.engine.CheckCapability(sub, capability, input.Subject)

	// A passively expired subscription is demoted on first read so later
	// reads (and the cache) see the corrected plan.
	if decision.EffectivePlan != entitlement.Plan(record.Plan) {
		h.demote(ctx, record, decision.EffectivePlan, subscriptionLapsed(sub, h.now()))
	}

	if !decision.Allowed {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionRequired, decision.Reason)
	}

	remaining, err := h.consumeQuota(ctx, input.UserID, capability, decision.EffectivePlan)
	if err != nil {
		return nil, err
	}

	return &Output{
		Allowed:        true,
		EffectivePlan:  string(decision.EffectivePlan),
		RemainingToday: remaining,
	}, nil
}

// loadSubscription reads through the Redis cache into Postgres. A user with
// no row at all gets an active free subscription rather than an error.
func (h *Handler) loadSubscription(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	cacheKey := "sub:" + userID
	if val, err := h.redis.Get(ctx, cacheKey).Result(); err == nil {
		var record models.SubscriptionRecord
		if err := json.Unmarshal([]byte(val), &record); err == nil {
			metrics.SubscriptionCacheHits.WithLabelValues("hit").Inc()
			return &record, nil
		}
	}
	metrics.SubscriptionCacheHits.WithLabelValues("miss").Inc()

	record := models.SubscriptionRecord{UserID: userID}
	var expiresAt sql.NullString
	query := `SELECT user_id, plan, status, expires_at, auto_renewal FROM user_subscriptions WHERE user_id = $1`
	err := h.db.QueryRowContext(ctx, query, userID).Scan(
		&record.UserID, &record.Plan, &record.Status, &expiresAt, &record.AutoRenewal,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			record.Plan = string(entitlement.PlanFree)
			record.Status = string(entitlement.StatusActive)
			return &record, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionCheckFailed, err)
	}
	record.ExpiresAt = expiresAt.String

	data, _ := json.Marshal(record)
	h.redis.Set(ctx, cacheKey, data, h.config.CacheTTL)

	return &record, nil
}

// demote persists the effective plan and drops the cache entry. Failures are
// logged but do not block the decision: the next read repeats the demotion.
func (h *Handler) demote(ctx context.Context, record *models.SubscriptionRecord, effective entitlement.Plan, lapsed bool) {
	h.logger.Info("demoting subscription to effective plan", map[string]interface{}{
		"userId":     record.UserID,
		"storedPlan": record.Plan,
		"newPlan":    string(effective),
	})

	query := `UPDATE user_subscriptions SET plan = $1, status = 'expired', updated_at = NOW() WHERE user_id = $2`
	if !lapsed {
		// an unrecognized stored plan forces free without the subscription
		// having run out; correct the plan and leave status alone
		query = `UPDATE user_subscriptions SET plan = $1, updated_at = NOW() WHERE user_id = $2`
	}
	if _, err := h.db.ExecContext(ctx, query, string(effective), record.UserID); err != nil {
		h.logger.Error("demotion write failed", map[string]interface{}{
			"userId": record.UserID,
			"error":  err.Error(),
		})
		return
	}

	// The cache may hold the stale plan either from an earlier read or from
	// this one; drop it either way.
	h.redis.Del(ctx, "sub:"+record.UserID)
}

// consumeQuota counts this use against the plan's daily limit for the
// capability. Returns uses left after this one, -1 for unlimited.
func (h *Handler) consumeQuota(ctx context.Context, userID string, capability entitlement.Capability, plan entitlement.Plan) (int, error) {
	limits := entitlement.GetLimits(plan)

	var limit int
	switch capability {
	case entitlement.CapabilityAIChat:
		limit = limits.DailyAIRequests
	case entitlement.CapabilityTasks:
		limit = limits.DailySolutions
	default:
		return -1, nil
	}

	if limit == entitlement.Unlimited {
		return -1, nil
	}

	now := h.now()
	key := fmt.Sprintf("quota:%s:%s:%s", capability, userID, now.Format("2006-01-02"))
	count, err := h.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: quota counter: %v", ErrSubscriptionCheckFailed, err)
	}
	if count == 1 {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		h.redis.ExpireAt(ctx, key, midnight)
	}

	if int(count) > limit {
		return 0, fmt.Errorf("%w: limit %d reached for %s", ErrQuotaExceeded, limit, capability)
	}

	return limit - int(count), nil
}

// subscriptionLapsed reports whether the stored subscription itself has run
// out, as opposed to merely carrying an unrecognized plan value.
func subscriptionLapsed(sub entitlement.Subscription, now time.Time) bool {
	if sub.Status != entitlement.StatusActive {
		return true
	}
	return sub.ExpiresAt != nil && sub.ExpiresAt.Before(now)
}

func toEngineSubscription(record *models.SubscriptionRecord) (entitlement.Subscription, error) {
	sub := entitlement.Subscription{
		Plan:        entitlement.Plan(record.Plan),
		Status:      entitlement.Status(record.Status),
		AutoRenewal: record.AutoRenewal,
	}
	if record.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, record.ExpiresAt)
		if err != nil {
			return entitlement.Subscription{}, err
		}
		sub.ExpiresAt = &exp
	}
	return sub, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	_, err = cmd.Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) throwError(client worker.JobClient, job entities.Job, errorCode, errorMessage string) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, errorCode).Inc()
	h.logger.Error("job rejected", map[string]interface{}{
		"jobKey":       job.Key,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	})

	_, err := client.NewThrowErrorCommand().
		JobKey(job.Key).
		ErrorCode(errorCode).
		ErrorMessage(errorMessage).
		Send(context.Background())
	if err != nil {
		h.logger.Error("failed to throw error", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (h *Handler) failJob(client worker.JobClient, job entities.Job, err error, retries int32) {
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, "SUBSCRIPTION_CHECK_FAILED").Inc()
	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":  job.Key,
		"error":   err.Error(),
		"retries": retries,
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
