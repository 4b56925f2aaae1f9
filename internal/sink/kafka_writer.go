package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter abstracts the Kafka producer. *kafka.Writer satisfies it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaProducer returns a synchronous producer for topic.
func NewKafkaProducer(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaWriter publishes every tick as a JSON message keyed by product.
type KafkaWriter struct {
	writer MessageWriter
	feed   <-chan Tick
	logger *zap.Logger
}

// NewKafkaWriter creates a KafkaWriter reading from feed.
func NewKafkaWriter(writer MessageWriter, feed <-chan Tick, logger *zap.Logger) *KafkaWriter {
	return &KafkaWriter{
		writer: writer,
		feed:   feed,
		logger: logger.Named("kafka"),
	}
}

// Run publishes until ctx is cancelled or the feed is closed. Write
// failures are logged and the tick is dropped.
func (kw *KafkaWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-kw.feed:
			if !ok {
				return
			}
			if err := kw.publish(ctx, t); err != nil {
				kw.logger.Error("publish failed", zap.String("product", t.Product), zap.Error(err))
			}
		}
	}
}

func (kw *KafkaWriter) publish(ctx context.Context, t Tick) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sink: encode tick: %w", err)
	}
	if err := kw.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Product),
		Value: payload,
		Time:  t.Time,
	}); err != nil {
		return fmt.Errorf("sink: write message: %w", err)
	}
	return nil
}
