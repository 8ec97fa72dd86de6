package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers    []string
	EventTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, eventTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:    brokerList,
		EventTopic: eventTopic,
	}
}

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

// Producer publishes accepted canonical events for downstream consumers
type Producer struct {
	writer  messageWriter
	logger  ectologger.Logger
	topic   string
	brokers []string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Let dev brokers create the topic on first publish
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:  writer,
		logger:  logger,
		topic:   cfg.EventTopic,
		brokers: cfg.Brokers,
	}
}

// Ping dials the brokers until one answers
func (p *Producer) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no kafka brokers configured")
	}
	return lastErr
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// IntegrationEventMessage is the fan-out form of a canonical event
type IntegrationEventMessage struct {
	EventID        string          `json:"event_id"`
	OrganizationID string          `json:"organization_id"`
	IntegrationID  string          `json:"integration_id,omitempty"`
	SourceTool     string          `json:"source_tool"`
	ExternalID     string          `json:"external_id"`
	Type           string          `json:"type"`
	Category       string          `json:"category"`
	EntityRefs     map[string]any  `json:"entity_refs,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`

	// Tracing
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewIntegrationEventMessage builds the message for a stored event
func NewIntegrationEventMessage(event *models.Event) *IntegrationEventMessage {
	msg := &IntegrationEventMessage{
		EventID:        event.ID.String(),
		OrganizationID: event.OrganizationID.String(),
		SourceTool:     string(event.SourceTool),
		ExternalID:     event.ExternalID,
		Type:           event.Type,
		Category:       string(event.Category),
		EntityRefs:     event.EntityRefs.Data,
		Payload:        event.RawData.Data,
		OccurredAt:     event.OccurredAt,
		Timestamp:      time.Now().UTC(),
	}
	if event.IntegrationID != nil {
		msg.IntegrationID = event.IntegrationID.String()
	}
	return msg
}

// PublishEvent publishes a stored event keyed by organization and tool so one
// organization's events for one tool stay on one partition.
func (p *Producer) PublishEvent(ctx context.Context, event *models.Event) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishEvent")
	defer span.End()

	msg := NewIntegrationEventMessage(event)

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("organization_id", msg.OrganizationID),
		attribute.String("source_tool", msg.SourceTool),
		attribute.String("event_id", msg.EventID),
	)

	msg.TraceID = tracing.GetTraceID(ctx)
	msg.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := fmt.Sprintf("%s:%s", msg.OrganizationID, msg.SourceTool)
	headers := []kafka.Header{
		{Key: "organization_id", Value: []byte(msg.OrganizationID)},
		{Key: "source_tool", Value: []byte(msg.SourceTool)},
		{Key: "category", Value: []byte(msg.Category)},
		{Key: "type", Value: []byte(msg.Type)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: headers,
	})
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.topic)
		return err
	}

	metrics.KafkaMessagesPublished.WithLabelValues(p.topic, "success").Inc()
	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published event to Kafka: event=%s type=%s trace=%s",
		msg.EventID, msg.Type, msg.TraceID)
	return nil
}

// Stats returns producer statistics
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}
