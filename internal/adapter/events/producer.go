// Package events publishes session lifecycle events to a Kafka-compatible
// broker. Delivery is best-effort: the research pipeline never blocks or
// fails on a broker outage, callers log and move on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

// Producer implements domain.EventPublisher on franz-go.
type Producer struct {
	client *kgo.Client
	topic  string
}

var _ domain.EventPublisher = (*Producer)(nil)

// NewProducer connects to the brokers and makes sure the topic exists.
// A failed topic creation is logged, not fatal; the broker may have it
// already or auto-create it on first produce.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewProducer: no seed brokers provided: %w", domain.ErrInternal)
	}
	if topic == "" {
		return nil, fmt.Errorf("op=events.NewProducer: topic cannot be empty: %w", domain.ErrInternal)
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10 * time.Second),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: %v: %w", err, domain.ErrInternal)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("event topic bootstrap failed, continuing",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	slog.Info("event producer ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// Publish sends one event keyed by session id so per-session ordering
// holds across partitions.
func (p *Producer) Publish(ctx domain.Context, ev domain.SessionEvent) error {
	rec, err := recordFor(p.topic, ev)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=events.Publish type=%s: %v: %w", ev.Type, err, domain.ErrInternal)
	}
	slog.Debug("session event published",
		slog.String("type", ev.Type),
		slog.String("session_id", ev.SessionID),
		slog.String("job_id", ev.JobID))
	return nil
}

// Close flushes buffered records before releasing the client.
func (p *Producer) Close() error {
	if p.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		slog.Warn("event producer flush failed", slog.Any("error", err))
	}
	p.client.Close()
	return nil
}

func recordFor(topic string, ev domain.SessionEvent) (*kgo.Record, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=events.recordFor: %v: %w", err, domain.ErrInternal)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(ev.SessionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
