package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"docmigrate/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each event to <prefix><event_type>, keyed by job id so a
// job's events stay ordered within a partition.
type Kafka struct {
	writer messageWriter
	prefix string
}

func NewKafka(brokers []string, topicPrefix string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka relay requires at least one broker")
	}
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		prefix: topicPrefix,
	}, nil
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Topic(evt domain.EventType) string { return k.prefix + string(evt) }

func (k *Kafka) Deliver(ctx context.Context, evt domain.AuditEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: k.Topic(evt.EventType),
		Key:   []byte(evt.JobID),
		Value: payload,
		Time:  evt.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(strconv.FormatInt(evt.ID, 10))},
			{Key: "event_type", Value: []byte(evt.EventType)},
		},
	})
}

func (k *Kafka) Close() error { return k.writer.Close() }
