package bus

import (
	"context"
	"encoding/json"
	"time"

	"charlora/core/models"

	"github.com/nats-io/nats.go"
)

// Client publishes job lifecycle events to NATS
type Client struct {
	nc      *nats.Conn
	subject string
}

// Connect dials NATS. Job events go to <subject>.<stage>.
func Connect(url, subject string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("charlora"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, subject: subject}, nil
}

// Close drains pending publishes and closes the connection
func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

// PublishJSON marshals v and publishes it on subject
func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// EventSubject is the subject a transition into stage is published on
func EventSubject(base string, stage models.Stage) string {
	return base + "." + string(stage)
}

// PublishJobEvent publishes one stage transition. Delivery is at most once.
func (c *Client) PublishJobEvent(_ context.Context, event models.JobEvent) error {
	return c.PublishJSON(EventSubject(c.subject, event.ToStage), event)
}
