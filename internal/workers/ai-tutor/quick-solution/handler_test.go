package quicksolution

import (
	"context"
	"testing"

	"examprep-workers/internal/common/logger"
	"examprep-workers/internal/genai"
	"examprep-workers/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	gotMessages []genai.Message
	called      bool
	reply       string
	err         error
}

func (f *fakeCaller) Call(ctx context.Context, messages []genai.Message, maxTokens int, temperature float64) (string, error) {
	f.called = true
	f.gotMessages = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeRetriever struct {
	available    bool
	topicTasks   []models.PracticeTask
	keywordTasks []models.PracticeTask
	gotSubject   string
	gotTopic     string
	gotQuery     string
}

func (f *fakeRetriever) IsAvailable() bool { return f.available }

func (f *fakeRetriever) SearchByKeywords(ctx context.Context, query string, limit int) []models.PracticeTask {
	f.gotQuery = query
	return f.keywordTasks
}

func (f *fakeRetriever) SearchBySubjectAndTopic(ctx context.Context, subjectName, topicName string, limit int) []models.PracticeTask {
	f.gotSubject = subjectName
	f.gotTopic = topicName
	return f.topicTasks
}

func createTestHandler(ai *fakeCaller, retriever taskSource) *Handler {
	return NewHandler(LoadConfig(), ai, retriever, logger.NewNoOpLogger())
}

func TestExecute_BankMatchSkipsAI(t *testing.T) {
	ai := &fakeCaller{reply: "should not be used"}
	retriever := &fakeRetriever{
		available: true,
		topicTasks: []models.PracticeTask{
			{
				ID:            "task-42",
				Question:      "Решите уравнение x^2 - 9 = 0",
				CorrectAnswer: "x = 3; x = -3",
				Explanation:   "Разность квадратов.",
			},
		},
	}
	h := createTestHandler(ai, retriever)

	output, err := h.Execute(context.Background(), &Input{
		UserID:   "user-1",
		Subject:  "Математика",
		Topic:    "Уравнения",
		TaskText: "Решите уравнение  x^2 - 9 = 0",
	})

	require.NoError(t, err)
	assert.Equal(t, "bank", output.Source)
	assert.Equal(t, "x = 3; x = -3", output.Answer)
	assert.Equal(t, "Разность квадратов.", output.Explanation)
	assert.Equal(t, "Математика", retriever.gotSubject)
	assert.Equal(t, "Уравнения", retriever.gotTopic)
	assert.False(t, ai.called)
}

func TestExecute_KeywordFallbackWhenNoTopic(t *testing.T) {
	ai := &fakeCaller{}
	retriever := &fakeRetriever{
		available: true,
		keywordTasks: []models.PracticeTask{
			{
				ID:            "task-7",
				Question:      "Найдите значение выражения 2+2*2",
				CorrectAnswer: "6",
			},
		},
	}
	h := createTestHandler(ai, retriever)

	output, err := h.Execute(context.Background(), &Input{
		UserID:   "user-1",
		TaskText: "Найдите значение выражения 2+2*2",
	})

	require.NoError(t, err)
	assert.Equal(t, "bank", output.Source)
	assert.Equal(t, "6", output.Answer)
	assert.Equal(t, "Найдите значение выражения 2+2*2", retriever.gotQuery)
	assert.False(t, ai.called)
}

func TestExecute_NoBankMatchFallsToAI(t *testing.T) {
	ai := &fakeCaller{reply: "  Ответ: 15  "}
	retriever := &fakeRetriever{
		available: true,
		keywordTasks: []models.PracticeTask{
			{Question: "Совсем другое задание", CorrectAnswer: "1"},
		},
	}
	h := createTestHandler(ai, retriever)

	output, err := h.Execute(context.Background(), &Input{
		UserID:   "user-1",
		Subject:  "Физика",
		TaskText: "Чему равно ускорение свободного падения, умноженное на 1.5?",
	})

	require.NoError(t, err)
	assert.Equal(t, "ai", output.Source)
	assert.Equal(t, "Ответ: 15", output.Answer)
	assert.True(t, ai.called)

	require.Len(t, ai.gotMessages, 2)
	system, ok := ai.gotMessages[0].Content.(string)
	require.True(t, ok)
	assert.Contains(t, system, "краткий итоговый ответ")
	assert.Contains(t, system, "Физика")
}

func TestExecute_BankTaskWithoutAnswerIgnored(t *testing.T) {
	ai := &fakeCaller{reply: "42"}
	retriever := &fakeRetriever{
		available: true,
		keywordTasks: []models.PracticeTask{
			{Question: "вопрос без ответа", CorrectAnswer: ""},
		},
	}
	h := createTestHandler(ai, retriever)

	output, err := h.Execute(context.Background(), &Input{
		UserID:   "user-1",
		TaskText: "вопрос без ответа",
	})

	require.NoError(t, err)
	assert.Equal(t, "ai", output.Source)
}

func TestExecute_RetrieverUnavailableStillAnswers(t *testing.T) {
	ai := &fakeCaller{reply: "100"}
	h := createTestHandler(ai, &fakeRetriever{available: false})

	output, err := h.Execute(context.Background(), &Input{
		UserID:   "user-1",
		TaskText: "Сколько будет 10 в квадрате?",
	})

	require.NoError(t, err)
	assert.Equal(t, "ai", output.Source)
	assert.Equal(t, "100", output.Answer)
}

func TestExecute_EmptyTaskText(t *testing.T) {
	h := createTestHandler(&fakeCaller{}, nil)

	_, err := h.Execute(context.Background(), &Input{UserID: "user-1", TaskText: "   "})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, int32(0), retriesFor(err))
}

func TestExecute_PipelineFailures(t *testing.T) {
	tests := []struct {
		name        string
		kind        genai.FailureKind
		expectedErr error
		retries     int32
	}{
		{"rate limited", genai.FailureRateLimited, ErrAIRateLimited, 1},
		{"unavailable", genai.FailureUnavailable, ErrAIProviderUnavailable, 1},
		{"region blocked", genai.FailureRegionBlocked, ErrAIRegionBlocked, 0},
		{"unknown", genai.FailureUnknown, ErrAIResponseInvalid, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &fakeCaller{err: &genai.CallError{Kind: tt.kind, Provider: "ollama", Message: "boom"}}
			h := createTestHandler(ai, nil)

			_, err := h.Execute(context.Background(), &Input{
				UserID:   "user-1",
				TaskText: "Решите задачу",
			})

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expectedErr)
			assert.Equal(t, tt.retries, retriesFor(err))
		})
	}
}
