package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// Status is the stored lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Subscription is the per-user plan state as read from storage. Expiry is a
// time-dependent predicate, so the engine re-derives the effective status at
// decision time instead of trusting the stored one.
type Subscription struct {
	Plan        Plan
	Status      Status
	ExpiresAt   *time.Time
	AutoRenewal bool
}

// Decision is the result of a capability check. It is a value, not an error:
// denial is an expected user-facing outcome.
type Decision struct {
	Allowed         bool
	Reason          string
	UpgradeRequired bool
	// EffectivePlan is the plan the decision was made against. When it
	// differs from the stored plan the caller is expected to persist the
	// demotion; the engine itself never writes.
	EffectivePlan Plan
}

var checkable = map[Capability]bool{
	CapabilityAIChat:        true,
	CapabilityTasks:         true,
	CapabilityVariants:      true,
	CapabilityTrainers:      true,
	CapabilityPersonalStats: true,
}

var denyReasons = map[Capability]string{
	CapabilityAIChat:        "ИИ-репетитор недоступен на вашем тарифе",
	CapabilityTasks:         "Решение заданий недоступно на вашем тарифе",
	CapabilityVariants:      "Варианты недоступны на вашем тарифе",
	CapabilityTrainers:      "Тренажёры недоступны на вашем тарифе",
	CapabilityPersonalStats: "Личная статистика недоступна на вашем тарифе",
}

// Checkable reports whether the capability may be passed to CheckCapability.
// Matrix-only flags and arbitrary strings are not checkable; callers handling
// external input must screen with this before asking for a decision.
func Checkable(c Capability) bool {
	return checkable[c]
}

// Engine evaluates capability checks. The clock is injectable so expiry
// behaviour is testable; the zero value uses time.Now.
type Engine struct {
	now func() time.Time
}

// NewEngine returns an engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineWithClock returns an engine with a fixed clock source for tests.
func NewEngineWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// CheckCapability decides whether the subscription grants the capability.
// subject is consulted only for CapabilityTasks and may be empty. The
// function is pure and performs no I/O. An unrecognized capability is a
// programmer error and panics rather than returning a denial.
func (e *Engine) CheckCapability(sub Subscription, capability Capability, subject string) Decision {
	if !checkable[capability] {
		panic(fmt.Sprintf("entitlement: unknown capability %q", capability))
	}

	now := time.Now
	if e != nil && e.now != nil {
		now = e.now
	}

	effective := effectivePlan(sub, now())
	limits := GetLimits(effective)

	if !limits.Features[capability] {
		return Decision{
			Allowed:         false,
			Reason:          denyReasons[capability],
			UpgradeRequired: true,
			EffectivePlan:   effective,
		}
	}

	if capability == CapabilityTasks && subject != "" && !limits.AllowsSubject(subject) {
		return Decision{
			Allowed: false,
			Reason: fmt.Sprintf("Предмет «%s» недоступен на тарифе «%s». Доступные предметы: %s",
				subject, limits.DisplayName, strings.Join(limits.Subjects, ", ")),
			UpgradeRequired: true,
			EffectivePlan:   effective,
		}
	}

	return Decision{Allowed: true, EffectivePlan: effective}
}

// effectivePlan forces the plan to free when the subscription is not active
// or has passively expired. This is a read-time correction: no background job
// is assumed to have demoted the stored value already.
func effectivePlan(sub Subscription, now time.Time) Plan {
	if sub.Status != StatusActive {
		return PlanFree
	}
	if sub.ExpiresAt != nil && sub.ExpiresAt.Before(now) {
		return PlanFree
	}
	if !KnownPlan(sub.Plan) {
		return PlanFree
	}
	return sub.Plan
}
