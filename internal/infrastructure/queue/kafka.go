package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

const rejoinDelay = 2 * time.Second

// KafkaConfig holds broker and topic settings.
type KafkaConfig struct {
	Brokers         []string
	Topic           string
	RetryTopic      string
	DeadLetterTopic string
	GroupID         string
}

// Kafka carries batches over a Kafka topic. Offsets are marked only after the
// handler succeeds, so a crash mid-batch redelivers it. Batches that are not
// yet due go to a retry topic and are forwarded to the main topic once due,
// so a backoff only ever stalls retry partitions.
type Kafka struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	retry    string
	dlq      string
	logger   *slog.Logger
	now      func() time.Time
}

var _ ports.BatchQueue = (*Kafka)(nil)

// NewSaramaConfig returns the producer and consumer-group settings both sides use.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewKafka connects a producer and a consumer group.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	saramaCfg := NewSaramaConfig()

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaCfg)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return NewKafkaWithClients(producer, group, cfg, logger), nil
}

// NewKafkaWithClients wires existing clients. group may be nil for
// producer-only processes such as the fetch job.
func NewKafkaWithClients(producer sarama.SyncProducer, group sarama.ConsumerGroup, cfg KafkaConfig, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	dlq := cfg.DeadLetterTopic
	if dlq == "" {
		dlq = cfg.Topic + ".dead"
	}
	retry := cfg.RetryTopic
	if retry == "" {
		retry = cfg.Topic + ".retry"
	}
	return &Kafka{
		producer: producer,
		group:    group,
		topic:    cfg.Topic,
		retry:    retry,
		dlq:      dlq,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue produces due batches to the main topic and the rest to the retry
// topic.
func (k *Kafka) Enqueue(_ context.Context, batch domain.Batch) error {
	topic := k.topic
	if batch.NotBefore.After(k.now()) {
		topic = k.retry
	}
	return k.produce(topic, batch)
}

func (k *Kafka) produce(topic string, batch domain.Batch) error {
	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", batch.ID, err)
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(strconv.Itoa(batch.Project.ID)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("attempt"), Value: []byte(strconv.Itoa(batch.Attempt))},
		},
	})
	if err != nil {
		return fmt.Errorf("produce batch %s to %s: %w", batch.ID, topic, err)
	}
	k.logger.Debug("batch produced", "batch_id", batch.ID, "topic", topic, "partition", partition, "offset", offset)
	return nil
}

func (k *Kafka) DeadLetter(_ context.Context, batch domain.Batch, reason error) error {
	value, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch %s: %w", batch.ID, err)
	}
	return k.sendDead(strconv.Itoa(batch.Project.ID), value, reason)
}

func (k *Kafka) sendDead(key string, value []byte, reason error) error {
	msg := &sarama.ProducerMessage{
		Topic: k.dlq,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	if reason != nil {
		msg.Headers = []sarama.RecordHeader{{Key: []byte("reason"), Value: []byte(reason.Error())}}
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("produce dead letter: %w", err)
	}
	return nil
}

// Consume joins the consumer group and blocks until ctx is done.
func (k *Kafka) Consume(ctx context.Context, handler ports.BatchHandler) error {
	if k.group == nil {
		return fmt.Errorf("kafka queue has no consumer group")
	}

	go func() {
		for err := range k.group.Errors() {
			k.logger.Error("kafka consumer error", "error", err)
		}
	}()

	h := &consumerGroupHandler{queue: k, handler: handler}
	for {
		if err := k.group.Consume(ctx, []string{k.topic, k.retry}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return ErrClosed
			}
			if ctx.Err() == nil {
				k.logger.Error("kafka consume session ended", "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(rejoinDelay):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (k *Kafka) Close() error {
	var errs []error
	if k.producer != nil {
		errs = append(errs, k.producer.Close())
	}
	if k.group != nil {
		errs = append(errs, k.group.Close())
	}
	return errors.Join(errs...)
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	queue   *Kafka
	handler ports.BatchHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim handles messages one at a time. A handler error ends the
// session without marking, so the message is consumed again after rejoining.
// Retry-topic claims are forwarded instead of handled.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	if claim.Topic() == h.queue.retry {
		return h.forwardClaim(session, claim)
	}
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			var batch domain.Batch
			if err := json.Unmarshal(message.Value, &batch); err != nil {
				h.queue.logger.Error("undecodable batch message", "partition", message.Partition, "offset", message.Offset, "error", err)
				if err := h.queue.sendDead(string(message.Key), message.Value, err); err != nil {
					return err
				}
				session.MarkMessage(message, "")
				continue
			}

			if err := h.handler(session.Context(), batch); err != nil {
				return fmt.Errorf("handle batch %s: %w", batch.ID, err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// forwardClaim waits for each retry-topic batch to fall due and re-produces it
// to the main topic. A partition is forwarded in offset order, so a due batch
// can wait behind an earlier one on the same retry partition.
func (h *consumerGroupHandler) forwardClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	k := h.queue
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			var batch domain.Batch
			if err := json.Unmarshal(message.Value, &batch); err != nil {
				k.logger.Error("undecodable retry message", "partition", message.Partition, "offset", message.Offset, "error", err)
				if err := k.sendDead(string(message.Key), message.Value, err); err != nil {
					return err
				}
				session.MarkMessage(message, "")
				continue
			}

			if wait := batch.NotBefore.Sub(k.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-session.Context().Done():
					timer.Stop()
					return nil
				}
			}
			if err := k.produce(k.topic, batch); err != nil {
				return fmt.Errorf("forward batch %s: %w", batch.ID, err)
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
