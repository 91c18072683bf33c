package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/petrijr/reviewflow/internal/taskqueue"
)

// Metadata keys set on every watermill message.
const (
	MetadataType           = "reviewflow_type"
	MetadataIdempotencyKey = "reviewflow_idempotency_key"
)

// WatermillProducer publishes messages to a watermill Publisher, one
// watermill topic per queue topic. Watermill transports do not deduplicate;
// consumers drop repeats by idempotency key.
type WatermillProducer struct {
	publisher message.Publisher
}

var _ Producer = (*WatermillProducer)(nil)

func NewWatermillProducer(pub message.Publisher) *WatermillProducer {
	return &WatermillProducer{publisher: pub}
}

func (p *WatermillProducer) Publish(ctx context.Context, m taskqueue.Message) error {
	payload, err := taskqueue.EncodeMessage(m)
	if err != nil {
		return err
	}

	msg := message.NewMessage(m.ID, payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataType, m.Type)
	if m.IdempotencyKey != "" {
		msg.Metadata.Set(MetadataIdempotencyKey, m.IdempotencyKey)
	}

	return p.publisher.Publish(string(m.Topic), msg)
}

func (p *WatermillProducer) Close() error {
	return p.publisher.Close()
}

// NewGoChannel creates an in-process pub/sub for development and tests. The
// returned GoChannel is both the publisher and the subscriber.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 1000,
			Persistent:          true,
		},
		watermillLogger(logger),
	)
}

func watermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return watermill.NewSlogLogger(logger.With("module", "watermill"))
}

// NewKafkaPublisher creates a Kafka publisher for the given brokers.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (*kafka.Publisher, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("no kafka brokers configured")
	}

	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll

	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
			OTELEnabled:           true,
		},
		watermillLogger(logger),
	)
}

// NewKafkaSubscriber creates a Kafka subscriber in consumer group group.
func NewKafkaSubscriber(brokers []string, group string, logger *slog.Logger) (*kafka.Subscriber, error) {
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errors.New("no kafka brokers configured")
	}

	saramaConfig := kafka.DefaultSaramaSubscriberConfig()
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		watermillLogger(logger),
	)
}
