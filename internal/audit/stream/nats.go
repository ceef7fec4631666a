package stream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"auditchain/internal/audit/models"
)

// NATSEmitter publishes to JetStream on <prefix>.<event type>. The event id
// doubles as the message id, so redeliveries inside the duplicate window are
// dropped by the server.
type NATSEmitter struct {
	js     jetstream.JetStream
	prefix string
}

func NewNATSEmitter(js jetstream.JetStream, prefix string) *NATSEmitter {
	return &NATSEmitter{js: js, prefix: prefix}
}

// EnsureStream creates or updates the stream capturing prefix.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name, prefix string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: []string{prefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

func (n *NATSEmitter) Name() string { return "nats" }

func (n *NATSEmitter) Subject(e *models.Event) string {
	return n.prefix + "." + string(e.Type)
}

func (n *NATSEmitter) Emit(ctx context.Context, e *models.Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := n.js.Publish(ctx, n.Subject(e), data, jetstream.WithMsgID(e.ID)); err != nil {
		return fmt.Errorf("nats publish %s: %w", e.ID, err)
	}
	return nil
}
