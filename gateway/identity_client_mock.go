package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type IdentityMock struct {
	mock       sync.Mutex
	Recipients map[string]entity.Recipient
}

func (c *IdentityMock) ResolveRecipient(ctx context.Context, userID string) (entity.Recipient, error) {
	c.mock.Lock()
	defer c.mock.Unlock()

	recipient, ok := c.Recipients[userID]
	if !ok {
		return entity.Recipient{}, fmt.Errorf("user %s: %w", userID, entity.ErrNotFound)
	}
	recipient.UserID = userID

	return recipient, nil
}

func (c *IdentityMock) Add(recipient entity.Recipient) {
	c.mock.Lock()
	defer c.mock.Unlock()
	if c.Recipients == nil {
		c.Recipients = make(map[string]entity.Recipient)
	}

	c.Recipients[recipient.UserID] = recipient
}
