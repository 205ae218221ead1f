// Package entitlement decides whether a subscription plan grants access to a
// platform capability. The plan/feature matrix lives here so route and worker
// code never hard-codes tier checks.
package entitlement

// Plan is a named subscription tier.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStart   Plan = "start"
	PlanEconom  Plan = "econom"
	PlanPremium Plan = "premium"
)

// Capability is a named feature gate checked independently of plan internals.
type Capability string

const (
	CapabilityAIChat        Capability = "aiChat"
	CapabilityTasks         Capability = "tasks"
	CapabilityVariants      Capability = "variants"
	CapabilityTrainers      Capability = "trainers"
	CapabilityPersonalStats Capability = "personalStats"

	// Matrix-only flags, not checkable capabilities on their own.
	CapabilityDetailedExplanations Capability = "detailedExplanations"
	CapabilityAllSubjects          Capability = "allSubjects"
)

// Unlimited marks a quota with no daily ceiling.
const Unlimited = -1

// AllSubjects is the sentinel for plans without a subject restriction.
const AllSubjects = "all"

// PlanLimits describes what a single plan grants. One record per plan,
// built at package init and never mutated afterwards.
type PlanLimits struct {
	DisplayName     string
	DailyAIRequests int
	DailySolutions  int
	// Subjects is either the explicit allowed list or empty with
	// AllSubjects=true.
	Subjects    []string
	AllSubjects bool
	Features    map[Capability]bool
}

// AllowsSubject reports whether the plan permits task-solving for the subject.
func (l PlanLimits) AllowsSubject(subject string) bool {
	if l.AllSubjects {
		return true
	}
	for _, s := range l.Subjects {
		if s == subject {
			return true
		}
	}
	return false
}

var planMatrix = map[Plan]PlanLimits{
	PlanFree: {
		DisplayName:     "Бесплатный",
		DailyAIRequests: 0,
		DailySolutions:  5,
		Subjects:        []string{"Математика"},
		Features: map[Capability]bool{
			CapabilityAIChat:               false,
			CapabilityTasks:                true,
			CapabilityVariants:             false,
			CapabilityTrainers:             false,
			CapabilityPersonalStats:        false,
			CapabilityDetailedExplanations: false,
			CapabilityAllSubjects:          false,
		},
	},
	PlanStart: {
		DisplayName:     "Старт",
		DailyAIRequests: 10,
		DailySolutions:  30,
		Subjects:        []string{"Математика", "Русский язык"},
		Features: map[Capability]bool{
			CapabilityAIChat:               true,
			CapabilityTasks:                true,
			CapabilityVariants:             false,
			CapabilityTrainers:             false,
			CapabilityPersonalStats:        false,
			CapabilityDetailedExplanations: false,
			CapabilityAllSubjects:          false,
		},
	},
	PlanEconom: {
		DisplayName:     "Эконом",
		DailyAIRequests: 50,
		DailySolutions:  Unlimited,
		AllSubjects:     true,
		Features: map[Capability]bool{
			CapabilityAIChat:               true,
			CapabilityTasks:                true,
			CapabilityVariants:             true,
			CapabilityTrainers:             true,
			CapabilityPersonalStats:        false,
			CapabilityDetailedExplanations: false,
			CapabilityAllSubjects:          true,
		},
	},
	PlanPremium: {
		DisplayName:     "Премиум",
		DailyAIRequests: Unlimited,
		DailySolutions:  Unlimited,
		AllSubjects:     true,
		Features: map[Capability]bool{
			CapabilityAIChat:               true,
			CapabilityTasks:                true,
			CapabilityVariants:             true,
			CapabilityTrainers:             true,
			CapabilityPersonalStats:        true,
			CapabilityDetailedExplanations: true,
			CapabilityAllSubjects:          true,
		},
	},
}

// GetLimits returns the limits for a plan. Unknown plans fall back to free:
// a corrupted stored value must never grant paid access.
func GetLimits(plan Plan) PlanLimits {
	if l, ok := planMatrix[plan]; ok {
		return l
	}
	return planMatrix[PlanFree]
}

// KnownPlan reports whether the value is one of the defined tiers.
func KnownPlan(plan Plan) bool {
	_, ok := planMatrix[plan]
	return ok
}
