package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/khanghh/kguard/model"
)

// KafkaNotifier publishes alerts to a topic keyed by source address so that
// consumers see the alerts of one subject in order.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func (n *KafkaNotifier) Name() string {
	return "kafka"
}

func (n *KafkaNotifier) Deliver(ctx context.Context, alert *model.SecurityAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	key := alert.SourceIP
	if key == "" {
		key = alert.AlertID
	}
	_, _, err = n.producer.SendMessage(&sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("threat_level"), Value: []byte(alert.ThreatLevel)},
			{Key: []byte("event_type"), Value: []byte(alert.EventType)},
		},
	})
	return err
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
	}
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Net.DialTimeout = 10 * time.Second
	config.Net.WriteTimeout = 10 * time.Second
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaNotifierWithProducer(producer, topic), nil
}
