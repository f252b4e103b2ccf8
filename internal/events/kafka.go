package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"ledger-reconciliation-service/pkg/errors"
)

// KafkaConfig configures the Kafka publisher
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// messageWriter is the subset of kafka.Writer the publisher needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes events as JSON keyed by bank transaction id
type KafkaNotifier struct {
	writer  messageWriter
	timeout time.Duration
}

var _ LedgerNotifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier creates a publisher for the configured brokers
func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.ConfigError(errors.CodeMissingConfig, "notify.kafka.brokers", nil, nil)
	}
	topic := cfg.Topic
	if topic == "" {
		topic = TopicMatchReconciled
	}
	return newKafkaNotifier(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, cfg.WriteTimeout), nil
}

func newKafkaNotifier(w messageWriter, timeout time.Duration) *KafkaNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaNotifier{writer: w, timeout: timeout}
}

func (k *KafkaNotifier) Notify(ctx context.Context, event MatchReconciled) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.NotificationError(event.MatchID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	// keying by transaction keeps every event of one transaction on one partition
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.BankTxnID),
		Value: data,
		Time:  event.OccurredAt,
	}); err != nil {
		return errors.NotificationError(event.MatchID, err)
	}
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
