package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/chicplay/internal/service/outbox"
)

type offsetClient interface {
	GetOffset(topic string, partition int32, at int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
}

// replaySink — *kafka.Producer.
type replaySink interface {
	PublishRaw(topic, key string, value []byte, headers map[string]string) error
}

var errPoison = errors.New("retry budget exhausted")

// replayMessage — сообщение, готовое к возврату в исходный топик.
type replayMessage struct {
	topic     string
	key       string
	value     []byte
	aggregate string
	retries   int
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

type replayer struct {
	cfg    config
	client offsetClient
	source partitionSource
	sink   replaySink
	logger *log.Entry
}

// Run читает партиции по возрастанию номера, пока не наберёт cfg.limit сообщений.
func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.client == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.sink == nil {
		return total, errors.New("producer is required in execute mode")
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "dlq-reprocess")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	partitions = slices.Clone(partitions)
	slices.Sort(partitions)

	for _, p := range partitions {
		left := r.cfg.limit - total.processed
		if left <= 0 {
			break
		}
		stats, err := r.partition(ctx, p, left)
		total.processed += stats.processed
		total.replayed += stats.replayed
		total.skipped += stats.skipped
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":   r.cfg.execute,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

func (r *replayer) partition(ctx context.Context, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if end <= oldest {
		return stats, nil
	}
	start := oldest
	if r.cfg.fromNewest {
		start = max(end-int64(limit), oldest)
	}

	stream, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = stream.Close() }()

	for stats.processed < limit {
		var msg *sarama.ConsumerMessage
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr, ok := <-stream.Errors():
			if !ok {
				return stats, nil
			}
			if cerr != nil {
				return stats, fmt.Errorf("partition %d: %w", partition, cerr)
			}
			continue
		case <-time.After(r.cfg.idleTimeout):
			return stats, nil
		case m, ok := <-stream.Messages():
			if !ok || m == nil || m.Offset >= end {
				return stats, nil
			}
			msg = m
		}

		stats.processed++
		replayed, err := r.replay(msg)
		switch {
		case err == nil && replayed:
			stats.replayed++
		case err == nil:
			stats.skipped++
		case errors.Is(err, errPublish):
			return stats, err
		default:
			stats.skipped++
			r.logger.WithError(err).WithFields(log.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("skip dead letter")
		}
		if msg.Offset+1 >= end {
			return stats, nil
		}
	}
	return stats, nil
}

var errPublish = errors.New("publish replay")

// replay возвращает false без ошибки, если сообщение отфильтровано по агрегату.
func (r *replayer) replay(msg *sarama.ConsumerMessage) (bool, error) {
	out, err := extractReplayMessage(msg, r.cfg.fallbackTopic)
	if err != nil {
		return false, err
	}
	if r.cfg.onlyAggregate != "" && out.aggregate != r.cfg.onlyAggregate {
		return false, nil
	}
	if r.cfg.maxRetries > 0 && out.retries >= r.cfg.maxRetries {
		return false, fmt.Errorf("%w: %d attempts", errPoison, out.retries)
	}

	entry := r.logger.WithFields(log.Fields{
		"offset":       msg.Offset,
		"target_topic": out.topic,
		"aggregate":    out.aggregate,
		"key":          out.key,
	})
	if !r.cfg.execute {
		entry.Info("dlq replay candidate")
		return true, nil
	}

	var headers map[string]string
	if out.retries > 0 {
		headers = map[string]string{kafka.HeaderRetryCount: strconv.Itoa(out.retries)}
	}
	if err := r.sink.PublishRaw(out.topic, out.key, out.value, headers); err != nil {
		return false, fmt.Errorf("%w to %s: %w", errPublish, out.topic, err)
	}
	entry.Debug("dlq message replayed")
	return true, nil
}

// extractReplayMessage понимает два формата: kafka.DeadLetter от консьюмеров
// и outbox-конверт с outbox.DeadLetterRecord от outbox worker.
func extractReplayMessage(msg *sarama.ConsumerMessage, fallbackTopic string) (replayMessage, error) {
	if letter, err := kafka.ParseDeadLetter(msg); err == nil && letter.OriginalValue != "" {
		out := replayMessage{
			topic:   strings.TrimSpace(letter.OriginalTopic),
			key:     letter.OriginalKey,
			value:   []byte(letter.OriginalValue),
			retries: letter.RetryCount,
		}
		if out.topic == "" {
			out.topic = fallbackTopic
		}
		if envelope, err := kafka.DecodeOutboxEnvelope(out.value); err == nil {
			out.aggregate = envelope.AggregateType
		}
		return out, nil
	}

	envelope, err := kafka.DecodeOutboxEnvelope(msg.Value)
	if err != nil {
		return replayMessage{}, err
	}
	if len(envelope.Payload) == 0 {
		return replayMessage{}, errors.New("dead letter envelope has no payload")
	}
	record, err := outbox.ParseDeadLetterRecord(envelope.Payload)
	if err != nil {
		return replayMessage{}, err
	}
	if len(record.Payload) == 0 {
		return replayMessage{}, fmt.Errorf("dead letter %s has no original payload", record.OutboxID)
	}

	original := record.Message()
	value, err := json.Marshal(kafka.OutboxEnvelope{
		ID:            original.ID,
		AggregateType: original.AggregateType,
		AggregateID:   original.AggregateID,
		EventType:     original.EventType,
		Payload:       json.RawMessage(original.Payload),
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return replayMessage{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	out := replayMessage{
		topic:     kafka.NewRouter(fallbackTopic, kafka.DefaultOutboxRoutes()).Route(original.AggregateType),
		key:       original.AggregateID,
		value:     value,
		aggregate: original.AggregateType,
	}
	if out.key == "" {
		out.key = original.ID
	}
	return out, nil
}
