// Команда dlq-reprocess перечитывает chicplay.dlq и возвращает сообщения в исходные топики.
// По умолчанию работает как dry-run и только печатает кандидатов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
)

const brokersEnv = "CHICPLAY_KAFKA_BROKERS"

type config struct {
	brokers       []string
	sourceTopic   string
	fallbackTopic string // для агрегатов без маршрута
	onlyAggregate string
	limit         int
	maxRetries    int // 0 — без ограничения
	execute       bool
	fromNewest    bool
	idleTimeout   time.Duration
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg     config
		brokers string
	)
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default $"+brokersEnv+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&cfg.fallbackTopic, "fallback-topic", kafka.TopicOrderEvents, "target for aggregates without a route")
	fs.StringVar(&cfg.onlyAggregate, "aggregate", "", "replay a single aggregate type (order|notification)")
	fs.IntVar(&cfg.limit, "limit", 100, "messages to scan")
	fs.IntVar(&cfg.maxRetries, "max-retries", 0, "skip consumer dead letters that already failed this many times")
	fs.BoolVar(&cfg.execute, "execute", false, "publish instead of dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", 2*time.Second, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(brokersEnv)
	}
	cfg.brokers = parseBrokers(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.fallbackTopic = strings.TrimSpace(cfg.fallbackTopic)
	cfg.onlyAggregate = strings.TrimSpace(cfg.onlyAggregate)

	var problems []error
	if len(cfg.brokers) == 0 {
		problems = append(problems, fmt.Errorf("kafka brokers are required (-brokers or %s)", brokersEnv))
	}
	if cfg.sourceTopic == "" {
		problems = append(problems, errors.New("source-topic is required"))
	}
	if cfg.fallbackTopic == "" {
		problems = append(problems, errors.New("fallback-topic is required"))
	}
	if cfg.limit <= 0 {
		problems = append(problems, errors.New("limit must be > 0"))
	}
	if cfg.maxRetries < 0 {
		problems = append(problems, errors.New("max-retries must be >= 0"))
	}
	if cfg.idleTimeout <= 0 {
		problems = append(problems, errors.New("idle-timeout must be > 0"))
	}
	if err := errors.Join(problems...); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// dependencies — клиент для оффсетов, источник партиций и (в execute-режиме) продюсер.
type dependencies struct {
	client  offsetClient
	source  partitionSource
	sink    replaySink
	closers []io.Closer
}

func (d dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
}

type consumerSource struct{ sarama.Consumer }

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.Consumer.ConsumePartition(topic, partition, offset)
}

var connect = func(cfg config) (dependencies, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return dependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return dependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := dependencies{client: client, source: consumerSource{consumer}, closers: []io.Closer{client, consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers)
	if err != nil {
		deps.Close()
		return dependencies{}, err
	}
	deps.sink = producer
	deps.closers = append(deps.closers, producer)
	return deps, nil
}

func run(ctx context.Context, cfg config, logger *log.Entry) error {
	deps, err := connect(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	r := &replayer{cfg: cfg, client: deps.client, source: deps.source, sink: deps.sink, logger: logger}
	_, err = r.Run(ctx)
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger := log.WithField("component", "dlq-reprocess")

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		logger.WithError(err).Fatal("invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("dlq replay failed")
	}
}
