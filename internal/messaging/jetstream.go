package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	changesStream = "CAL_CHANGES"
	notifyStream  = "CAL_NOTIFY"
)

// EnsureStreams creates (or validates) the two streams the service uses:
// - cal.event.> (per-event change feed)
// - cal.notify.> (due reminder dispatch)
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, changesStream, "cal.event.>"); err != nil {
		return err
	}
	return ensureStream(js, notifyStream, "cal.notify.>")
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	})
	return err
}
