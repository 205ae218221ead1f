package sendnotification

import (
	"context"
	"errors"
	"testing"
	"time"

	commonerrors "examprep-workers/internal/common/errors"
	"examprep-workers/internal/common/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSESService struct {
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESService) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	return m.SendEmailFunc(ctx, params, optFns...)
}

type MockSNSService struct {
	PublishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *MockSNSService) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	return m.PublishFunc(ctx, params, optFns...)
}

func createTestConfig() *Config {
	return &Config{
		EmailEnabled: true,
		SMSEnabled:   true,
		FromEmail:    "noreply@examprep.ru",
		AWSRegion:    "eu-central-1",
		Timeout:      30 * time.Second,
	}
}

func createTestHandler(t *testing.T, config *Config, ses SESService, sns SNSService) (*Handler, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewNoOpLogger()
	return &Handler{
		config:    config,
		db:        db,
		logger:    log,
		errs:      commonerrors.NewErrorHandler(log),
		sesClient: ses,
		snsClient: sns,
		templates: defaultTemplates(),
	}, mock
}

func expectContactRow(mock sqlmock.Sqlmock, email, phone string) {
	mock.ExpectQuery(`SELECT email, phone FROM users`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"email", "phone"}).AddRow(email, phone))
}

func expectLogInsert(mock sqlmock.Sqlmock, channel, status string) {
	mock.ExpectExec(`INSERT INTO notification_log`).
		WithArgs(sqlmock.AnyArg(), "user-1", sqlmock.AnyArg(), channel, status).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestExecute_EmailAndSMSForHighPriority(t *testing.T) {
	var sentSubject, sentBody, smsMessage string
	sesMock := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			sentSubject = *params.Message.Subject.Data
			sentBody = *params.Message.Body.Text.Data
			return &ses.SendEmailOutput{}, nil
		},
	}
	snsMock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			smsMessage = *params.Message
			return &sns.PublishOutput{}, nil
		},
	}

	h, mock := createTestHandler(t, createTestConfig(), sesMock, snsMock)
	expectContactRow(mock, "user@example.com", "+79001234567")
	expectLogInsert(mock, "email", StatusSent)
	expectLogInsert(mock, "sms", StatusSent)

	output, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: TypeSubscriptionExpiring,
		Priority:         "high",
		Metadata: map[string]interface{}{
			"planName":  "Премиум",
			"expiresAt": "2025-04-01",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSent, output.Status)
	assert.NotEmpty(t, output.NotificationID)
	assert.Equal(t, "Подписка скоро закончится", sentSubject)
	assert.Contains(t, sentBody, "Премиум")
	assert.Contains(t, sentBody, "2025-04-01")
	assert.Contains(t, smsMessage, "Премиум")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_NormalPrioritySkipsSMS(t *testing.T) {
	sesMock := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return &ses.SendEmailOutput{}, nil
		},
	}
	snsMock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			t.Fatal("SMS should not be sent for normal priority")
			return nil, nil
		},
	}

	h, mock := createTestHandler(t, createTestConfig(), sesMock, snsMock)
	expectContactRow(mock, "user@example.com", "+79001234567")
	expectLogInsert(mock, "email", StatusSent)

	output, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: TypeSubscriptionPurchased,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSent, output.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_EmailFailureIsRetryable(t *testing.T) {
	sesMock := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return nil, errors.New("ses throttled")
		},
	}

	h, mock := createTestHandler(t, createTestConfig(), sesMock, nil)
	expectContactRow(mock, "user@example.com", "")
	expectLogInsert(mock, "email", StatusFailed)

	_, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: TypeSubscriptionExpired,
	})

	require.Error(t, err)
	var stdErr *commonerrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, commonerrors.ErrCodeNotificationSendFailed, stdErr.Code)
	assert.True(t, stdErr.Retryable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_SMSFailureAfterEmailStillSent(t *testing.T) {
	sesMock := &MockSESService{
		SendEmailFunc: func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
			return &ses.SendEmailOutput{}, nil
		},
	}
	snsMock := &MockSNSService{
		PublishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			return nil, errors.New("sns unavailable")
		},
	}

	h, mock := createTestHandler(t, createTestConfig(), sesMock, snsMock)
	expectContactRow(mock, "user@example.com", "+79001234567")
	expectLogInsert(mock, "email", StatusSent)
	expectLogInsert(mock, "sms", StatusFailed)

	output, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: TypeSubscriptionExpiring,
		Priority:         "high",
	})

	require.NoError(t, err)
	assert.Equal(t, StatusSent, output.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_UnknownRecipientIsDisabled(t *testing.T) {
	h, mock := createTestHandler(t, createTestConfig(), nil, nil)
	mock.ExpectQuery(`SELECT email, phone FROM users`).
		WithArgs("user-1").
		WillReturnError(errors.New("sql: no rows in result set"))

	output, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: TypeSubscriptionExpiring,
	})

	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, output.Status)
}

func TestExecute_UnknownTemplate(t *testing.T) {
	h, mock := createTestHandler(t, createTestConfig(), nil, nil)
	expectContactRow(mock, "user@example.com", "")

	_, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: "password_reset",
	})

	require.Error(t, err)
	var stdErr *commonerrors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.False(t, stdErr.Retryable)
	assert.Contains(t, err.Error(), "template not found")
}

func TestExecute_ChannelsDisabled(t *testing.T) {
	config := createTestConfig()
	config.EmailEnabled = false
	config.SMSEnabled = false

	h, mock := createTestHandler(t, config, nil, nil)
	expectContactRow(mock, "user@example.com", "+79001234567")

	output, err := h.Execute(context.Background(), &Input{
		UserID:           "user-1",
		NotificationType: TypeQuotaWarning,
		Priority:         "high",
		Metadata:         map[string]interface{}{"remaining": 2},
	})

	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, output.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRenderTemplate(t *testing.T) {
	result := renderTemplate("Тариф «{{planName}}», осталось {{remaining}}. {{missing}}!", map[string]interface{}{
		"planName":  "Старт",
		"remaining": 3,
	})
	assert.Equal(t, "Тариф «Старт», осталось 3. !", result)
}
