package entity

import "time"

// SideEffectStep is one best-effort step run after a payment commits.
type SideEffectStep string

const (
	StepEnsureTickets      SideEffectStep = "ensure_tickets"
	StepNotifyConfirmation SideEffectStep = "notify_confirmation"
	StepAwardLoyalty       SideEffectStep = "award_loyalty"
	StepReferralEarning    SideEffectStep = "referral_earning"
)

var PaymentSideEffectSteps = []SideEffectStep{
	StepEnsureTickets,
	StepNotifyConfirmation,
	StepAwardLoyalty,
	StepReferralEarning,
}

type SideEffectStatus string

const (
	SideEffectPending   SideEffectStatus = "pending"
	SideEffectSucceeded SideEffectStatus = "succeeded"
	SideEffectFailed    SideEffectStatus = "failed"
)

type SideEffectRun struct {
	PaymentID string           `json:"payment_id" db:"payment_id"`
	Step      SideEffectStep   `json:"step" db:"step"`
	Status    SideEffectStatus `json:"status" db:"status"`
	Attempts  int              `json:"attempts" db:"attempts"`
	LastError *string          `json:"last_error,omitempty" db:"last_error"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// SideEffectsHandle identifies the post-commit steps of a confirmed payment.
// Their progress is observable through the side effect runs of the payment.
type SideEffectsHandle struct {
	PaymentID string           `json:"payment_id"`
	EventID   string           `json:"event_id,omitempty"`
	Steps     []SideEffectStep `json:"steps"`
}

func (h SideEffectsHandle) Done(runs []SideEffectRun) bool {
	if len(h.Steps) == 0 {
		return true
	}
	succeeded := make(map[SideEffectStep]bool, len(runs))
	for _, run := range runs {
		if run.Status == SideEffectSucceeded {
			succeeded[run.Step] = true
		}
	}
	for _, step := range h.Steps {
		if !succeeded[step] {
			return false
		}
	}
	return true
}
