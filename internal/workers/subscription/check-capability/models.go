// internal/workers/subscription/check-capability/models.go
package checkcapability

type Input struct {
	UserID     string `json:"userId"`
	Capability string `json:"capability"`
	Subject    string `json:"subject,omitempty"`
}

// Output represents the access decision returned to the workflow.
type Output struct {
	Allowed         bool   `json:"allowed"`
	EffectivePlan   string `json:"effectivePlan"`
	Reason          string `json:"reason,omitempty"`
	UpgradeRequired bool   `json:"upgradeRequired"`
	// RemainingToday is the number of uses left after this check, -1 when
	// the plan is unlimited for this capability.
	RemainingToday int `json:"remainingToday"`
}
