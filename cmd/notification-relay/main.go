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

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/chicplay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/chicplay/internal/service/notification"
)

const (
	defaultGroupID  = "chicplay-notification-relay"
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

type options struct {
	brokers  []string
	groupID  string
	topic    string
	attempts int
	backoff  time.Duration
	noDLQ    bool
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	fs := flag.NewFlagSet("notification-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts    options
		brokers string
	)
	fs.StringVar(&brokers, "brokers", getenv("CHICPLAY_KAFKA_BROKERS"), "comma-separated Kafka brokers")
	fs.StringVar(&opts.groupID, "group", defaultGroupID, "consumer group id")
	fs.StringVar(&opts.topic, "topic", kafka.TopicNotificationsEmail, "topic with confirmation requests")
	fs.IntVar(&opts.attempts, "attempts", defaultAttempts, "delivery attempts per message before DLQ")
	fs.DurationVar(&opts.backoff, "backoff", defaultBackoff, "pause between attempts (grows linearly)")
	fs.BoolVar(&opts.noDLQ, "no-dlq", false, "drop undeliverable messages instead of sending them to DLQ")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			opts.brokers = append(opts.brokers, b)
		}
	}
	if len(opts.brokers) == 0 {
		return options{}, errors.New("kafka brokers are required (-brokers or CHICPLAY_KAFKA_BROKERS)")
	}
	if opts.groupID == "" || opts.topic == "" {
		return options{}, errors.New("group and topic must not be empty")
	}
	if opts.attempts <= 0 {
		return options{}, fmt.Errorf("attempts must be positive, got %d", opts.attempts)
	}
	return opts, nil
}

func consumerOptions(opts options, dlq kafka.DeadLetterSink, logger *log.Entry) []kafka.ConsumerOption {
	out := []kafka.ConsumerOption{
		kafka.WithHandleAttempts(opts.attempts),
		kafka.WithHandleBackoff(opts.backoff),
		kafka.WithConsumerLogger(logger),
	}
	if dlq != nil {
		out = append(out, kafka.WithDeadLetters(dlq))
	}
	return out
}

func run(ctx context.Context, opts options, logger *log.Entry) error {
	var dlq kafka.DeadLetterSink
	if !opts.noDLQ {
		producer, err := kafka.NewProducer(opts.brokers)
		if err != nil {
			return fmt.Errorf("dlq producer: %w", err)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.WithError(err).Warn("close dlq producer")
			}
		}()
		dlq = producer
	}

	relay := notification.NewRelay(notification.NewLogMailer(logger.WithField("component", "mailer")), logger)
	consumer, err := kafka.NewConsumer(opts.brokers, opts.groupID, []string{opts.topic}, relay.Handle,
		consumerOptions(opts, dlq, logger.WithField("component", "kafka-consumer"))...)
	if err != nil {
		return err
	}

	runErr := consumer.Run(ctx)
	if err := consumer.Close(); err != nil {
		logger.WithError(err).Warn("close consumer")
	}
	return runErr
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if lvl, err := log.ParseLevel(os.Getenv("CHICPLAY_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		log.WithError(err).Fatal("некорректные параметры")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithField("service", "notification-relay")
	logger.WithFields(log.Fields{
		"brokers": opts.brokers,
		"group":   opts.groupID,
		"topic":   opts.topic,
	}).Info("запускаем notification-relay")

	if err := run(ctx, opts, logger); err != nil {
		stop()
		log.WithError(err).Fatal("notification-relay завершился с ошибкой")
	}
	logger.Info("notification-relay остановлен")
}
