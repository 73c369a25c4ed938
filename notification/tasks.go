package notification

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeSendNotification  = "notification:send"
	TypeCompleteBooking   = "booking:complete"
	TypeReconcilePayments = "payments:reconcile"

	QueueNotifications = "notifications"
	QueueMaintenance   = "maintenance"
)

type completeBookingPayload struct {
	BookingID string `json:"booking_id"`
}

func newCompleteBookingTask(bookingID string) (*asynq.Task, error) {
	payload, err := json.Marshal(completeBookingPayload{BookingID: bookingID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCompleteBooking, payload), nil
}

func parseCompleteBookingTask(task *asynq.Task) (completeBookingPayload, error) {
	var payload completeBookingPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return completeBookingPayload{}, fmt.Errorf("could not unmarshal %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}
	return payload, nil
}

func NewReconcilePaymentsTask() *asynq.Task {
	return asynq.NewTask(TypeReconcilePayments, nil)
}
