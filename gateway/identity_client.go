package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// IdentityClient resolves notification recipients through the identity service.
// Contact details come back decrypted.
type IdentityClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewIdentityClient(baseURL string, timeout time.Duration) IdentityClient {
	if baseURL == "" {
		panic("missing identity base url")
	}

	return IdentityClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c IdentityClient) ResolveRecipient(ctx context.Context, userID string) (entity.Recipient, error) {
	endpoint := fmt.Sprintf("%s/users/%s/contact", c.baseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return entity.Recipient{}, err
	}
	req.Header.Set("Correlation-ID", log.CorrelationIDFromContext(ctx))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entity.Recipient{}, fmt.Errorf("could not call identity service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return entity.Recipient{}, fmt.Errorf("user %s: %w", userID, entity.ErrNotFound)
	default:
		return entity.Recipient{}, fmt.Errorf("unexpected status code for GET identity/users/contact: %d", resp.StatusCode)
	}

	var recipient entity.Recipient
	if err := json.NewDecoder(resp.Body).Decode(&recipient); err != nil {
		return entity.Recipient{}, fmt.Errorf("could not decode recipient: %w", err)
	}
	recipient.UserID = userID

	return recipient, nil
}
