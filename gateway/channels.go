package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/api/option"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// FCMPushChannel delivers push notifications to device tokens through Firebase Cloud Messaging.
type FCMPushChannel struct {
	client *messaging.Client
}

func NewFCMPushChannel(ctx context.Context, credentialsFile string) (FCMPushChannel, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return FCMPushChannel{}, fmt.Errorf("could not initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return FCMPushChannel{}, fmt.Errorf("could not get firebase messaging client: %w", err)
	}

	return FCMPushChannel{client: client}, nil
}

func (c FCMPushChannel) Send(ctx context.Context, deviceToken string, content entity.Content) error {
	msg := &messaging.Message{
		Token: deviceToken,
		Notification: &messaging.Notification{
			Title: content.Title,
			Body:  content.Body,
		},
		Data: content.Data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}

	if _, err := c.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("could not send push notification: %w", err)
	}
	return nil
}

// HTTPChannel posts messages to an email or SMS provider that accepts
// {"to", "title", "body"} JSON.
type HTTPChannel struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPChannel(endpoint string, timeout time.Duration) HTTPChannel {
	if endpoint == "" {
		panic("missing channel endpoint")
	}

	return HTTPChannel{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type channelRequest struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

func (c HTTPChannel) Send(ctx context.Context, destination string, content entity.Content) error {
	payload, err := json.Marshal(channelRequest{
		To:    destination,
		Title: content.Title,
		Body:  content.Body,
		Data:  content.Data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Correlation-ID", log.CorrelationIDFromContext(ctx))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not call channel provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code from channel provider %s: %d", c.endpoint, resp.StatusCode)
	}

	return nil
}
