package entity

import "time"

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type NotificationType string

const (
	NotificationBookingCreated      NotificationType = "booking_created"
	NotificationBookingConfirmed    NotificationType = "booking_confirmed"
	NotificationBookingCancelled    NotificationType = "booking_cancelled"
	NotificationReminder24h         NotificationType = "reminder_24h"
	NotificationReminder2h          NotificationType = "reminder_2h"
	NotificationBookingEnded        NotificationType = "booking_ended"
	NotificationRatingRequest       NotificationType = "rating_request"
	NotificationPaymentSucceeded    NotificationType = "payment_succeeded"
	NotificationPaymentFailed       NotificationType = "payment_failed"
	NotificationPaymentRefunded     NotificationType = "payment_refunded"
	NotificationLoyaltyPointsEarned NotificationType = "loyalty_points_earned"
)

// NotificationEvent is a request to notify one user about a business event.
type NotificationEvent struct {
	Type      NotificationType  `json:"type"`
	UserID    string            `json:"user_id"`
	BookingID string            `json:"booking_id,omitempty"`
	Language  string            `json:"language,omitempty"`
	Channels  []Channel         `json:"channels,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	// SendAt delays delivery. Zero means now.
	SendAt time.Time `json:"send_at,omitempty"`
	// DedupKey identifies the logical notification, e.g. booking id + reminder type.
	DedupKey string `json:"dedup_key,omitempty"`
}

// Recipient is resolved by the identity collaborator at enqueue time.
type Recipient struct {
	UserID       string   `json:"user_id"`
	Phone        string   `json:"phone"`
	Email        string   `json:"email"`
	DeviceTokens []string `json:"device_tokens"`
	Language     string   `json:"language"`
}

func (r Recipient) Destinations(channel Channel) []string {
	switch channel {
	case ChannelPush:
		return r.DeviceTokens
	case ChannelSMS:
		if r.Phone != "" {
			return []string{r.Phone}
		}
	case ChannelEmail:
		if r.Email != "" {
			return []string{r.Email}
		}
	}
	return nil
}

type Content struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// NotificationJob is the payload of one delivery job for one channel.
// NotificationJob delivers a notification to one destination, so a failing destination is
// retried without resending to the others.
type NotificationJob struct {
	Channel     Channel          `json:"channel"`
	Type        NotificationType `json:"type"`
	UserID      string           `json:"user_id"`
	BookingID   string           `json:"booking_id,omitempty"`
	Destination string           `json:"destination"`
	Content     Content          `json:"content"`
	DedupKey    string           `json:"dedup_key"`
}

// Job is the observable handle of one submitted delivery job.
type Job struct {
	Channel     Channel   `json:"channel"`
	Destination string    `json:"destination"`
	TaskID      string    `json:"task_id"`
	Queue       string    `json:"queue"`
	ProcessAt   time.Time `json:"process_at"`
	// Duplicate is set when an identical job had already been scheduled and nothing was submitted.
	Duplicate bool `json:"duplicate"`
}

type Submission struct {
	Type     NotificationType `json:"type"`
	DedupKey string           `json:"dedup_key"`
	Jobs     []Job            `json:"jobs"`
}

type JobState string

const (
	JobScheduled JobState = "scheduled"
	JobPending   JobState = "pending"
	JobActive    JobState = "active"
	JobRetry     JobState = "retry"
	JobArchived  JobState = "archived"
	JobCompleted JobState = "completed"
	JobUnknown   JobState = "unknown"
)
