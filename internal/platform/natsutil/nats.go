package natsutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/groupcal/server/internal/contracts"
	"github.com/groupcal/server/internal/messaging"
	"github.com/nats-io/nats.go"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

func ConnectJetStreamWithRetry(url string, timeout time.Duration) (*Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ConnectJetStream(url)
		if err == nil {
			return client, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, lastErr)
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

type Publisher interface {
	Publish(subject string, payload []byte) error
}

// CalendarPublisher publishes onto the provisioned calendar streams. A
// subject outside the cal.event/cal.notify namespaces is a wiring bug and
// fails before reaching JetStream.
type CalendarPublisher struct {
	JS nats.JetStreamContext
}

func (p CalendarPublisher) Publish(subject string, payload []byte) error {
	if !strings.HasPrefix(subject, contracts.ChangeSubjectPrefix) &&
		!strings.HasPrefix(subject, contracts.NotifySubjectPrefix) {
		return fmt.Errorf("subject %q is outside the calendar streams", subject)
	}
	_, err := p.JS.Publish(subject, payload)
	return err
}
