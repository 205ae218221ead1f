package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func activeSub(plan Plan, expiresAt *time.Time) Subscription {
	return Subscription{Plan: plan, Status: StatusActive, ExpiresAt: expiresAt}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestCheckCapability_FeatureMatrix(t *testing.T) {
	engine := NewEngineWithClock(fixedClock)

	tests := []struct {
		name            string
		sub             Subscription
		capability      Capability
		subject         string
		wantAllowed     bool
		wantUpgrade     bool
		wantEffective   Plan
	}{
		{
			name:          "free plan denied ai chat",
			sub:           activeSub(PlanFree, nil),
			capability:    CapabilityAIChat,
			wantAllowed:   false,
			wantUpgrade:   true,
			wantEffective: PlanFree,
		},
		{
			name:          "start plan allowed ai chat",
			sub:           activeSub(PlanStart, nil),
			capability:    CapabilityAIChat,
			wantAllowed:   true,
			wantEffective: PlanStart,
		},
		{
			name:          "econom plan allowed variants",
			sub:           activeSub(PlanEconom, nil),
			capability:    CapabilityVariants,
			wantAllowed:   true,
			wantEffective: PlanEconom,
		},
		{
			name:          "econom plan denied personal stats",
			sub:           activeSub(PlanEconom, nil),
			capability:    CapabilityPersonalStats,
			wantAllowed:   false,
			wantUpgrade:   true,
			wantEffective: PlanEconom,
		},
		{
			name:          "premium plan allowed everything",
			sub:           activeSub(PlanPremium, nil),
			capability:    CapabilityPersonalStats,
			wantAllowed:   true,
			wantEffective: PlanPremium,
		},
		{
			name:          "free plan allowed tasks for included subject",
			sub:           activeSub(PlanFree, nil),
			capability:    CapabilityTasks,
			subject:       "Математика",
			wantAllowed:   true,
			wantEffective: PlanFree,
		},
		{
			name:          "start plan denied tasks for physics",
			sub:           activeSub(PlanStart, nil),
			capability:    CapabilityTasks,
			subject:       "Физика",
			wantAllowed:   false,
			wantUpgrade:   true,
			wantEffective: PlanStart,
		},
		{
			name:          "econom plan allows any subject",
			sub:           activeSub(PlanEconom, nil),
			capability:    CapabilityTasks,
			subject:       "Физика",
			wantAllowed:   true,
			wantEffective: PlanEconom,
		},
		{
			name:          "tasks without subject checks feature only",
			sub:           activeSub(PlanStart, nil),
			capability:    CapabilityTasks,
			wantAllowed:   true,
			wantEffective: PlanStart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := engine.CheckCapability(tt.sub, tt.capability, tt.subject)
			assert.Equal(t, tt.wantAllowed, got.Allowed)
			assert.Equal(t, tt.wantUpgrade, got.UpgradeRequired)
			assert.Equal(t, tt.wantEffective, got.EffectivePlan)
			if !tt.wantAllowed {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestCheckCapability_EffectivePlanResolution(t *testing.T) {
	engine := NewEngineWithClock(fixedClock)

	t.Run("expired premium resolves to free", func(t *testing.T) {
		sub := activeSub(PlanPremium, timePtr(testNow.Add(-time.Hour)))
		got := engine.CheckCapability(sub, CapabilityAIChat, "")
		assert.False(t, got.Allowed)
		assert.True(t, got.UpgradeRequired)
		assert.Equal(t, PlanFree, got.EffectivePlan)
	})

	t.Run("future expiry keeps stored plan", func(t *testing.T) {
		sub := activeSub(PlanPremium, timePtr(testNow.Add(time.Hour)))
		got := engine.CheckCapability(sub, CapabilityAIChat, "")
		assert.True(t, got.Allowed)
		assert.Equal(t, PlanPremium, got.EffectivePlan)
	})

	t.Run("nil expiry keeps stored plan", func(t *testing.T) {
		got := engine.CheckCapability(activeSub(PlanEconom, nil), CapabilityTrainers, "")
		assert.True(t, got.Allowed)
		assert.Equal(t, PlanEconom, got.EffectivePlan)
	})

	t.Run("cancelled premium denies paid capabilities", func(t *testing.T) {
		sub := Subscription{Plan: PlanPremium, Status: StatusCancelled}
		for _, c := range []Capability{CapabilityAIChat, CapabilityVariants, CapabilityTrainers, CapabilityPersonalStats} {
			got := engine.CheckCapability(sub, c, "")
			assert.False(t, got.Allowed, "capability %s", c)
			assert.True(t, got.UpgradeRequired, "capability %s", c)
			assert.Equal(t, PlanFree, got.EffectivePlan)
		}
	})

	t.Run("expired status denies regardless of expiry date", func(t *testing.T) {
		sub := Subscription{Plan: PlanPremium, Status: StatusExpired, ExpiresAt: timePtr(testNow.Add(time.Hour))}
		got := engine.CheckCapability(sub, CapabilityAIChat, "")
		assert.False(t, got.Allowed)
		assert.Equal(t, PlanFree, got.EffectivePlan)
	})

	t.Run("unknown stored plan resolves to free", func(t *testing.T) {
		got := engine.CheckCapability(activeSub(Plan("vip"), nil), CapabilityAIChat, "")
		assert.False(t, got.Allowed)
		assert.Equal(t, PlanFree, got.EffectivePlan)
	})
}

func TestCheckCapability_Deterministic(t *testing.T) {
	engine := NewEngineWithClock(fixedClock)
	sub := activeSub(PlanStart, timePtr(testNow.Add(24*time.Hour)))

	first := engine.CheckCapability(sub, CapabilityTasks, "Физика")
	second := engine.CheckCapability(sub, CapabilityTasks, "Физика")
	assert.Equal(t, first, second)
}

func TestCheckCapability_UnknownCapabilityPanics(t *testing.T) {
	engine := NewEngineWithClock(fixedClock)
	assert.Panics(t, func() {
		engine.CheckCapability(activeSub(PlanFree, nil), Capability("timeTravel"), "")
	})
}

func TestCheckable(t *testing.T) {
	for _, c := range []Capability{CapabilityAIChat, CapabilityTasks, CapabilityVariants, CapabilityTrainers, CapabilityPersonalStats} {
		assert.True(t, Checkable(c), "capability %s", c)
	}

	// matrix-only flags and free text are screened out before a decision
	assert.False(t, Checkable(CapabilityDetailedExplanations))
	assert.False(t, Checkable(CapabilityAllSubjects))
	assert.False(t, Checkable(Capability("timeTravel")))
}

func TestGetLimits(t *testing.T) {
	t.Run("unknown plan falls back to free", func(t *testing.T) {
		assert.Equal(t, GetLimits(PlanFree), GetLimits(Plan("gold")))
	})

	t.Run("premium is unlimited", func(t *testing.T) {
		l := GetLimits(PlanPremium)
		assert.Equal(t, Unlimited, l.DailyAIRequests)
		assert.Equal(t, Unlimited, l.DailySolutions)
		assert.True(t, l.AllSubjects)
	})

	t.Run("start subject list", func(t *testing.T) {
		l := GetLimits(PlanStart)
		require.False(t, l.AllSubjects)
		assert.Equal(t, []string{"Математика", "Русский язык"}, l.Subjects)
	})

	t.Run("subject membership", func(t *testing.T) {
		l := GetLimits(PlanStart)
		assert.True(t, l.AllowsSubject("Русский язык"))
		assert.False(t, l.AllowsSubject("Физика"))
		assert.True(t, GetLimits(PlanPremium).AllowsSubject("Физика"))
	})
}
