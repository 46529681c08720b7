package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is the part of kafka.Writer the sink needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic, keyed by task id
type KafkaSink struct {
	writer MessageWriter
	log    *logrus.Entry
}

func NewKafkaSink(brokers []string, topic string, log *logrus.Entry) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaSink{writer: writer, log: log}
}

// NewKafkaSinkWithWriter wraps an existing writer
func NewKafkaSinkWithWriter(w MessageWriter, log *logrus.Entry) *KafkaSink {
	return &KafkaSink{writer: w, log: log}
}

// Run consumes the subscription until it is closed or ctx is done
func (k *KafkaSink) Run(ctx context.Context, sub *Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			k.write(ctx, evt)
		}
	}
}

func (k *KafkaSink) write(ctx context.Context, evt Event) {
	value, err := json.Marshal(evt)
	if err != nil {
		k.log.WithError(err).Error("Failed to marshal event for Kafka")
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TaskID),
		Value: value,
	}); err != nil {
		k.log.WithError(err).WithField("task_id", evt.TaskID).Warn("Failed to write event to Kafka")
	}
}

// Close closes the underlying writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
