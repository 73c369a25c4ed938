package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type SentMessage struct {
	Destination string
	Content     entity.Content
}

type ChannelMock struct {
	mock sync.Mutex

	// FailFor makes sends to these destinations fail.
	FailFor map[string]bool
	Sent    []SentMessage
}

func (c *ChannelMock) Send(ctx context.Context, destination string, content entity.Content) error {
	c.mock.Lock()
	defer c.mock.Unlock()

	if c.FailFor[destination] {
		return errors.New("channel provider unavailable")
	}

	c.Sent = append(c.Sent, SentMessage{Destination: destination, Content: content})
	return nil
}

func (c *ChannelMock) SentTo(destination string) []entity.Content {
	c.mock.Lock()
	defer c.mock.Unlock()

	var contents []entity.Content
	for _, msg := range c.Sent {
		if msg.Destination == destination {
			contents = append(contents, msg.Content)
		}
	}
	return contents
}
