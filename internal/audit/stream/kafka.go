package stream

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"auditchain/internal/audit/models"
)

// KafkaEmitter produces events keyed by id so a partition keeps the order
// in which this instance committed them.
type KafkaEmitter struct {
	client *kgo.Client
	topic  string
}

func NewKafkaEmitter(client *kgo.Client, topic string) *KafkaEmitter {
	return &KafkaEmitter{client: client, topic: topic}
}

func (k *KafkaEmitter) Name() string { return "kafka" }

func (k *KafkaEmitter) Emit(ctx context.Context, e *models.Event) error {
	value, err := Encode(e)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(e.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "severity", Value: []byte(e.Severity)},
			{Key: "self_hash", Value: []byte(e.SelfHash)},
		},
		Timestamp: e.OccurredAt,
	}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", e.ID, err)
	}
	return nil
}
