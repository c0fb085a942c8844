package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/paygate/infra/logger"
	"github.com/mstgnz/paygate/provider"
	"github.com/mstgnz/paygate/reconcile"
	"github.com/segmentio/kafka-go"
)

const (
	eventVersion = 1

	EventPaymentSucceeded = "paygate.payment.succeeded"
	EventPaymentFailed    = "paygate.payment.failed"
	EventPaymentExpired   = "paygate.payment.expired"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SettledEvent is the Kafka payload for a settled transaction
type SettledEvent struct {
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	EventVersion  int    `json:"event_version"`
	OccurredAt    string `json:"occurred_at"`
	Reference     string `json:"reference"`
	State         string `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`
	PaymentID     string `json:"payment_id,omitempty"`
	Amount        string `json:"amount"`
	PaidAmount    string `json:"paid_amount"`
	Currency      string `json:"currency"`
}

// KafkaNotifier publishes settlements keyed by local reference
type KafkaNotifier struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaNotifier writes to topic on brokers
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	return &KafkaNotifier{writer: writer, topic: topic, now: time.Now}
}

// Close flushes and closes the writer
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

func (k *KafkaNotifier) OnTransactionSettled(ctx context.Context, s reconcile.Settlement) error {
	event := SettledEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType(s.State),
		EventVersion:  eventVersion,
		OccurredAt:    k.now().UTC().Format(time.RFC3339),
		Reference:     s.Reference,
		State:         string(s.State),
		FailureReason: s.FailureReason,
		PaymentID:     s.PaymentID,
		Amount:        s.Amount.StringFixed(2),
		PaidAmount:    s.PaidAmount.StringFixed(2),
		Currency:      s.Currency,
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal settled event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(s.Reference),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error("failed to publish settled event", err, logger.LogContext{
			Reference: s.Reference,
			Fields:    map[string]any{"topic": k.topic, "event_type": event.EventType},
		})
		return err
	}

	logger.Debug("settled event published", logger.LogContext{
		Reference: s.Reference,
		Fields:    map[string]any{"topic": k.topic, "event_id": event.EventID},
	})
	return nil
}

func eventType(state provider.TxState) string {
	switch state {
	case provider.StateSucceeded:
		return EventPaymentSucceeded
	case provider.StateExpired:
		return EventPaymentExpired
	default:
		return EventPaymentFailed
	}
}

var _ reconcile.Notifier = (*KafkaNotifier)(nil)
