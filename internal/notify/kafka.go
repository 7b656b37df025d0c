package notify

import (
	"context"
	"time"

	"ScreenPulse/internal/domain/models"
	"ScreenPulse/internal/domain/repository"
	"ScreenPulse/pkg/config"
	"ScreenPulse/pkg/kafka"
	"ScreenPulse/pkg/logger"
)

const publishTimeout = 10 * time.Second

// KafkaSink publishes machine events to a topic, keyed by machine id so
// one machine's events stay ordered within a partition. Kafka is outbound
// only; Commands returns nil.
type KafkaSink struct {
	producer  *kafka.Producer
	topic     string
	machineID string
	log       *logger.Logger
}

func NewKafkaSink(cfg config.KafkaConfig, topic, machineID string, log *logger.Logger) (*KafkaSink, error) {
	producer, err := kafka.NewProducer(
		kafka.WithBrokers(cfg.Brokers),
		kafka.WithCompression(cfg.Compression),
		kafka.WithRequiredAcks(cfg.RequiredAcks),
		kafka.WithBatching(cfg.BatchSize, cfg.Linger),
		kafka.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{
		producer:  producer,
		topic:     topic,
		machineID: machineID,
		log:       log.With("kafka_sink"),
	}, nil
}

func (s *KafkaSink) publish(msgType string, data interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := s.producer.Publish(ctx, s.topic, []byte(s.machineID), envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.log.Warn("publish failed",
			logger.String("type", msgType),
			logger.Error(err))
	}
}

func (s *KafkaSink) BroadcastStatusUpdate(status string, capacity int, uptime time.Duration) {
	s.publish(msgStatusUpdate, map[string]interface{}{
		"status":         status,
		"capacity":       capacity,
		"uptime_seconds": uptime.Seconds(),
	})
}

func (s *KafkaSink) BroadcastMetricsUpdate(sample models.MetricSample) {
	s.publish(msgMetricsUpdate, sample)
}

func (s *KafkaSink) BroadcastSignalCreated(signal *models.Signal) {
	s.publish(msgSignalCreated, signal)
}

func (s *KafkaSink) BroadcastAnalysisCompleted(result *models.AnalysisResult) {
	s.publish(msgAnalysisCompleted, result)
}

func (s *KafkaSink) Commands() <-chan repository.Command { return nil }

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
