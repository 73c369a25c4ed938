package entity

// RetrySideEffect asks for one post-commit step of a payment to be run again.
type RetrySideEffect struct {
	Header    EventHeader    `json:"header"`
	PaymentID string         `json:"payment_id"`
	Step      SideEffectStep `json:"step"`
}
