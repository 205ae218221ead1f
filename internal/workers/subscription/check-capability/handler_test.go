// internal/workers/subscription/check-capability/handler_test.go
package checkcapability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

var testTime = time.Date(2025, 3, 10, 15, 30, 0, 0, time.UTC)

func createTestHandler(t *testing.T, db *sql.DB, redisClient *redis.Client) *Handler {
	config := &Config{
		Timeout:  10 * time.Second,
		CacheTTL: 5 * time.Minute,
	}
	h := NewHandler(config, db, redisClient, logger.NewTestLogger(t))
	h.now = func() time.Time { return testTime }
	return h
}

func createRecord(userID, plan, status, expiresAt string) *models.SubscriptionRecord {
	return &models.SubscriptionRecord{
		UserID:    userID,
		Plan:      plan,
		Status:    status,
		ExpiresAt: expiresAt,
	}
}

func expectDBRow(mock sqlmock.Sqlmock, record *models.SubscriptionRecord) {
	rows := sqlmock.NewRows([]string{"user_id", "plan", "status", "expires_at", "auto_renewal"}).
		AddRow(record.UserID, record.Plan, record.Status, record.ExpiresAt, record.AutoRenewal)
	mock.ExpectQuery(`SELECT user_id, plan, status, expires_at, auto_renewal FROM user_subscriptions WHERE user_id = \$1`).
		WithArgs(record.UserID).
		WillReturnRows(rows)
}

func expectCacheWrite(redisMock redismock.ClientMock, record *models.SubscriptionRecord) {
	data, _ := json.Marshal(record)
	redisMock.ExpectSet("sub:"+record.UserID, data, 5*time.Minute).SetVal("OK")
}

func quotaKey(capability, userID string) string {
	return "quota:" + capability + ":" + userID + ":" + testTime.Format("2006-01-02")
}

func midnightAfter(ts time.Time) time.Time {
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location()).AddDate(0, 0, 1)
}

// ==========================
// Core Functionality Tests
// ==========================

func TestHandler_Execute_PremiumUnlimited(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-123", "premium", "active",
		testTime.Add(30*24*time.Hour).Format(time.RFC3339))
	redisMock.ExpectGet("sub:user-123").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-123", Capability: "aiChat"})

	require.NoError(t, err)
	assert.True(t, output.Allowed)
	assert.Equal(t, "premium", output.EffectivePlan)
	assert.Equal(t, -1, output.RemainingToday)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_StartQuotaCounted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-7", "start", "active",
		testTime.Add(24*time.Hour).Format(time.RFC3339))
	redisMock.ExpectGet("sub:user-7").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	key := quotaKey("aiChat", "user-7")
	redisMock.ExpectIncr(key).SetVal(1)
	redisMock.ExpectExpireAt(key, midnightAfter(testTime)).SetVal(true)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-7", Capability: "aiChat"})

	require.NoError(t, err)
	assert.True(t, output.Allowed)
	// start allows 10 AI requests per day, this was the first
	assert.Equal(t, 9, output.RemainingToday)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_QuotaExceeded(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-8", "start", "active",
		testTime.Add(24*time.Hour).Format(time.RFC3339))
	redisMock.ExpectGet("sub:user-8").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	// 11th request of the day against a limit of 10
	redisMock.ExpectIncr(quotaKey("aiChat", "user-8")).SetVal(11)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-8", Capability: "aiChat"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.Nil(t, output)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_FreePlanDeniedAIChat(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-free", "free", "active", "")
	redisMock.ExpectGet("sub:user-free").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-free", Capability: "aiChat"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionRequired))
	assert.Nil(t, output)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_SubjectOutsidePlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-start", "start", "active",
		testTime.Add(24*time.Hour).Format(time.RFC3339))
	redisMock.ExpectGet("sub:user-start").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{
		UserID:     "user-start",
		Capability: "tasks",
		Subject:    "Физика",
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionRequired))
	assert.Contains(t, err.Error(), "Физика")
	assert.Nil(t, output)
}

func TestHandler_Execute_ExpiredPremiumDemoted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-exp", "premium", "active",
		testTime.Add(-24*time.Hour).Format(time.RFC3339))
	redisMock.ExpectGet("sub:user-exp").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	// expired premium resolves to free, which gets written back
	mock.ExpectExec(`UPDATE user_subscriptions SET plan = \$1, status = 'expired', updated_at = NOW\(\) WHERE user_id = \$2`).
		WithArgs("free", "user-exp").
		WillReturnResult(sqlmock.NewResult(0, 1))
	redisMock.ExpectDel("sub:user-exp").SetVal(1)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-exp", Capability: "aiChat"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionRequired))
	assert.Nil(t, output)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_UnknownPlanCorrectedWithoutExpiring(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	// a corrupted plan value on an otherwise live subscription
	record := createRecord("user-gold", "gold", "active",
		testTime.Add(24*time.Hour).Format(time.RFC3339))
	redisMock.ExpectGet("sub:user-gold").RedisNil()
	expectDBRow(mock, record)
	expectCacheWrite(redisMock, record)

	// the plan is rewritten to free but status stays untouched
	mock.ExpectExec(`UPDATE user_subscriptions SET plan = \$1, updated_at = NOW\(\) WHERE user_id = \$2`).
		WithArgs("free", "user-gold").
		WillReturnResult(sqlmock.NewResult(0, 1))
	redisMock.ExpectDel("sub:user-gold").SetVal(1)

	key := quotaKey("tasks", "user-gold")
	redisMock.ExpectIncr(key).SetVal(1)
	redisMock.ExpectExpireAt(key, midnightAfter(testTime)).SetVal(true)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{
		UserID:     "user-gold",
		Capability: "tasks",
		Subject:    "Математика",
	})

	require.NoError(t, err)
	assert.True(t, output.Allowed)
	assert.Equal(t, "free", output.EffectivePlan)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_UnknownCapability(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	handler := createTestHandler(t, db, redisClient)

	// matrix-only flags and typos arrive in job variables; they must come
	// back as a typed error, never reach the engine, and touch no storage
	for _, capability := range []string{"detailedExplanations", "allSubjects", "aiChatt", ""} {
		output, err := handler.Execute(context.Background(), &Input{
			UserID:     "user-9",
			Capability: capability,
		})

		require.Error(t, err, "capability %q", capability)
		assert.True(t, errors.Is(err, ErrUnknownCapability))
		assert.Nil(t, output)
	}

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_NoRowDefaultsToFree(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	redisMock.ExpectGet("sub:user-new").RedisNil()
	mock.ExpectQuery(`SELECT user_id, plan, status, expires_at, auto_renewal FROM user_subscriptions WHERE user_id = \$1`).
		WithArgs("user-new").
		WillReturnError(sql.ErrNoRows)

	key := quotaKey("tasks", "user-new")
	redisMock.ExpectIncr(key).SetVal(1)
	redisMock.ExpectExpireAt(key, midnightAfter(testTime)).SetVal(true)

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{
		UserID:     "user-new",
		Capability: "tasks",
		Subject:    "Математика",
	})

	require.NoError(t, err)
	assert.True(t, output.Allowed)
	assert.Equal(t, "free", output.EffectivePlan)
	// free allows 5 solutions per day
	assert.Equal(t, 4, output.RemainingToday)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_CacheHitSkipsDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	record := createRecord("user-c", "premium", "active",
		testTime.Add(24*time.Hour).Format(time.RFC3339))
	data, _ := json.Marshal(record)
	redisMock.ExpectGet("sub:user-c").SetVal(string(data))

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-c", Capability: "personalStats"})

	require.NoError(t, err)
	assert.True(t, output.Allowed)
	assert.Equal(t, -1, output.RemainingToday)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestHandler_Execute_DatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()

	redisMock.ExpectGet("sub:user-err").RedisNil()
	mock.ExpectQuery(`SELECT user_id, plan, status, expires_at, auto_renewal FROM user_subscriptions WHERE user_id = \$1`).
		WithArgs("user-err").
		WillReturnError(errors.New("connection refused"))

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{UserID: "user-err", Capability: "aiChat"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionCheckFailed))
	assert.Nil(t, output)
}

func TestHandler_Execute_MissingUserID(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()

	handler := createTestHandler(t, db, redisClient)
	output, err := handler.Execute(context.Background(), &Input{Capability: "aiChat"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubscriptionCheckFailed))
	assert.Nil(t, output)
}
