package notification

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

const fallbackLanguage = "en"

type messageTemplate struct {
	title string
	body  string
}

var messages = map[string]map[entity.NotificationType]messageTemplate{
	"en": {
		entity.NotificationBookingCreated: {
			title: "Booking received",
			body:  "Your booking {{.reference}} for {{.start_time}} is waiting for payment.",
		},
		entity.NotificationBookingConfirmed: {
			title: "Booking confirmed",
			body:  "Your booking {{.reference}} for {{.start_time}} is confirmed. Your tickets are ready.",
		},
		entity.NotificationBookingCancelled: {
			title: "Booking cancelled",
			body:  "Your booking {{.reference}} has been cancelled.",
		},
		entity.NotificationReminder24h: {
			title: "See you tomorrow",
			body:  "Reminder: your booking {{.reference}} starts at {{.start_time}}.",
		},
		entity.NotificationReminder2h: {
			title: "Starting soon",
			body:  "Your booking {{.reference}} starts in 2 hours, at {{.start_time}}.",
		},
		entity.NotificationBookingEnded: {
			title: "Thanks for visiting",
			body:  "Your booking {{.reference}} has ended. We hope you had a great time.",
		},
		entity.NotificationRatingRequest: {
			title: "How was it?",
			body:  "Tell us about your visit for booking {{.reference}}.",
		},
		entity.NotificationPaymentSucceeded: {
			title: "Payment received",
			body:  "We received your payment of {{.amount}} {{.currency}}.",
		},
		entity.NotificationPaymentFailed: {
			title: "Payment failed",
			body:  "Your payment of {{.amount}} {{.currency}} could not be completed.",
		},
		entity.NotificationPaymentRefunded: {
			title: "Refund issued",
			body:  "{{.amount}} {{.currency}} has been refunded.",
		},
		entity.NotificationLoyaltyPointsEarned: {
			title: "Points earned",
			body:  "You earned {{.points}} loyalty points.",
		},
	},
	"ar": {
		entity.NotificationBookingCreated: {
			title: "تم استلام الحجز",
			body:  "حجزك {{.reference}} بتاريخ {{.start_time}} بانتظار الدفع.",
		},
		entity.NotificationBookingConfirmed: {
			title: "تم تأكيد الحجز",
			body:  "تم تأكيد حجزك {{.reference}} بتاريخ {{.start_time}}. تذاكرك جاهزة.",
		},
		entity.NotificationBookingCancelled: {
			title: "تم إلغاء الحجز",
			body:  "تم إلغاء حجزك {{.reference}}.",
		},
		entity.NotificationReminder24h: {
			title: "نراك غداً",
			body:  "تذكير: يبدأ حجزك {{.reference}} في {{.start_time}}.",
		},
		entity.NotificationReminder2h: {
			title: "اقترب موعدك",
			body:  "يبدأ حجزك {{.reference}} بعد ساعتين في {{.start_time}}.",
		},
		entity.NotificationBookingEnded: {
			title: "شكراً لزيارتك",
			body:  "انتهى حجزك {{.reference}}. نتمنى أنك استمتعت بوقتك.",
		},
		entity.NotificationRatingRequest: {
			title: "كيف كانت تجربتك؟",
			body:  "شاركنا رأيك في زيارتك للحجز {{.reference}}.",
		},
		entity.NotificationPaymentSucceeded: {
			title: "تم استلام الدفع",
			body:  "استلمنا دفعتك بمبلغ {{.amount}} {{.currency}}.",
		},
		entity.NotificationPaymentFailed: {
			title: "فشل الدفع",
			body:  "تعذر إتمام دفعتك بمبلغ {{.amount}} {{.currency}}.",
		},
		entity.NotificationPaymentRefunded: {
			title: "تم الاسترداد",
			body:  "تم استرداد {{.amount}} {{.currency}}.",
		},
		entity.NotificationLoyaltyPointsEarned: {
			title: "نقاط جديدة",
			body:  "حصلت على {{.points}} نقطة ولاء.",
		},
	},
}

// Renderer turns a notification type and its data into localized content.
// Templates are parsed once; unknown languages fall back to English.
type Renderer struct {
	templates map[string]map[entity.NotificationType]*template.Template
}

func NewRenderer() (Renderer, error) {
	r := Renderer{templates: map[string]map[entity.NotificationType]*template.Template{}}

	for lang, byType := range messages {
		r.templates[lang] = map[entity.NotificationType]*template.Template{}
		for notificationType, msg := range byType {
			name := lang + "/" + string(notificationType)
			tmpl, err := template.New(name).Option("missingkey=zero").Parse(msg.title + "\x00" + msg.body)
			if err != nil {
				return Renderer{}, fmt.Errorf("could not parse template %s: %w", name, err)
			}
			r.templates[lang][notificationType] = tmpl
		}
	}

	return r, nil
}

func (r Renderer) Render(notificationType entity.NotificationType, language string, data map[string]string) (entity.Content, error) {
	byType, ok := r.templates[language]
	if !ok {
		byType = r.templates[fallbackLanguage]
	}

	tmpl, ok := byType[notificationType]
	if !ok {
		return entity.Content{}, fmt.Errorf("no template for notification type %q", notificationType)
	}

	if data == nil {
		data = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return entity.Content{}, fmt.Errorf("could not render %s: %w", notificationType, err)
	}

	title, body, _ := bytes.Cut(buf.Bytes(), []byte{0})

	return entity.Content{
		Title: string(title),
		Body:  string(body),
		Data:  data,
	}, nil
}
