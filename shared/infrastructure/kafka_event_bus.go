package infrastructure

import (
	"context"
	"log"
	"time"

	"github.com/cartwheel/order-system/shared/events"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

var _ events.Publisher = (*KafkaEventPublisher)(nil)

// KafkaEventPublisher implements events.Publisher over a single Kafka topic.
// Messages are keyed by correlation id so every event of one order lands on
// one partition.
type KafkaEventPublisher struct {
	writer *kafka.Writer
}

// NewKafkaEventPublisher creates a publisher for the given brokers and topic
func NewKafkaEventPublisher(brokers []string, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// Publish writes events to Kafka
func (p *KafkaEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	messages := make([]kafka.Message, len(evts))
	for i, event := range evts {
		body, err := event.ToJSON()
		if err != nil {
			return errors.Wrap(err, "failed to marshal event")
		}

		key := event.CorrelationID.String()
		if key == "" {
			key = event.AggregateID.String()
		}

		messages[i] = kafka.Message{
			Key:   []byte(key),
			Value: body,
			Time:  event.Timestamp,
			Headers: []kafka.Header{
				{Key: "topic", Value: []byte(event.Topic)},
				{Key: "event_id", Value: []byte(event.ID.String())},
			},
		}
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return events.NewDeliveryError("kafka", err)
	}
	return nil
}

// Close closes the underlying writer
func (p *KafkaEventPublisher) Close() error {
	return p.writer.Close()
}

// KafkaEventSubscriber implements events.Subscriber over a consumer group.
// Offsets are committed only after the handler succeeds, so a handler error
// means redelivery: at-least-once, like the SQS path.
type KafkaEventSubscriber struct {
	brokers []string
	group   string
	topic   string
	workers int
	cancel  context.CancelFunc
}

// NewKafkaEventSubscriber creates a subscriber for the given consumer group
func NewKafkaEventSubscriber(brokers []string, group, topic string, workers int) *KafkaEventSubscriber {
	if workers <= 0 {
		workers = 1
	}
	return &KafkaEventSubscriber{
		brokers: brokers,
		group:   group,
		topic:   topic,
		workers: workers,
	}
}

// Subscribe starts consuming and dispatching to the handler
func (s *KafkaEventSubscriber) Subscribe(ctx context.Context, topicPattern string, handler events.EventHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.brokers,
		GroupID:        s.group,
		Topic:          s.topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})

	go func() {
		defer reader.Close()
		s.consume(ctx, reader, handler)
	}()

	return nil
}

func (s *KafkaEventSubscriber) consume(ctx context.Context, reader *kafka.Reader, handler events.EventHandler) {
	jobs := make(chan kafka.Message, 64)

	for i := 0; i < s.workers; i++ {
		go func() {
			for m := range jobs {
				event, err := events.FromJSON(m.Value)
				if err != nil {
					// Unparseable message: hand an empty shell through so the
					// dispatcher journals and acknowledges it.
					event = &events.Event{Metadata: make(events.Metadata)}
				}

				if err := handler.Handle(ctx, event); err != nil {
					log.Printf("kafka handler error, leaving offset uncommitted: %v", err)
					continue
				}
				if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					log.Printf("kafka commit error: %v", err)
				}
			}
		}()
	}

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			close(jobs)
			if ctx.Err() == nil {
				log.Printf("kafka fetch error: %v", err)
				time.Sleep(time.Second)
			}
			return
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			close(jobs)
			return
		}
	}
}

// Close stops the consumer
func (s *KafkaEventSubscriber) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
