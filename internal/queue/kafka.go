package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaQueue produces shard work items onto one topic, keyed by shard id so
// a shard's items land on one partition. Consumers commit only after the
// handler returns, which gives the at-least-once delivery the workers'
// idempotence is built for.
type KafkaQueue struct {
	client *kgo.Client
	topic  string
}

// NewKafkaQueue connects a producer and ensures the work topic exists.
func NewKafkaQueue(ctx context.Context, brokers []string, topic string) (*KafkaQueue, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}

	adm := kadm.NewClient(client)
	// Partitions -1 / replication -1 defer to broker defaults. An existing
	// topic is the benign steady-state answer.
	resp, err := adm.CreateTopic(ctx, -1, -1, nil, topic)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure topic %q: %w", topic, err)
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		client.Close()
		return nil, fmt.Errorf("ensure topic %q: %w", topic, resp.Err)
	}

	return &KafkaQueue{client: client, topic: topic}, nil
}

func (q *KafkaQueue) Enqueue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	record := &kgo.Record{
		Topic: q.topic,
		Key:   []byte(item.ShardID),
		Value: payload,
	}
	if err := q.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("enqueue work item for shard %s: %w", item.ShardID, err)
	}
	return nil
}

func (q *KafkaQueue) Close() {
	q.client.Close()
}

// KafkaConsumer drives a Handler from the work topic within a consumer group.
type KafkaConsumer struct {
	client *kgo.Client
	logger *slog.Logger
}

func NewKafkaConsumer(brokers []string, topic, group string, logger *slog.Logger) (*KafkaConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka consumer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{client: client, logger: logger}, nil
}

// Run polls until ctx is cancelled. Records whose payload cannot be decoded
// are committed and dropped; a handler error leaves the record uncommitted so
// the broker redelivers it.
func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("kafka fetch error",
				"topic", topic, "partition", partition, "error", err)
		})

		var done []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			var item Item
			if err := json.Unmarshal(record.Value, &item); err != nil {
				c.logger.Error("dropping undecodable work item",
					"topic", record.Topic, "offset", record.Offset, "error", err)
				done = append(done, record)
				return
			}
			if err := handler(ctx, item); err != nil {
				c.logger.Warn("work item failed, leaving uncommitted for redelivery",
					"request_id", item.RequestID.String(),
					"shard_id", item.ShardID.String(),
					"error", err)
				return
			}
			done = append(done, record)
		})

		if len(done) > 0 {
			if err := c.client.CommitRecords(ctx, done...); err != nil {
				c.logger.Error("commit work offsets", "error", err)
			}
		}
	}
}

func (c *KafkaConsumer) Close() {
	c.client.Close()
}
