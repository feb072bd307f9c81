package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/bnomei/kart-go/internal/domain"
)

// KafkaEvents publishes completed-order events for downstream consumers
// (fulfillment, mail, analytics). It is a sink beside the job queue, not a
// replacement for it.
type KafkaEvents struct {
	writer *kafka.Writer
}

func NewKafkaEvents(topic string, brokers ...string) *KafkaEvents {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaEvents{writer: w}
}

func (k *KafkaEvents) PublishOrder(ctx context.Context, order *domain.Order) error {
	payload, err := json.Marshal(map[string]interface{}{
		"order_id":       order.ID.String(),
		"invoice_number": order.InvoiceNumber,
		"customer_id":    order.CustomerID,
		"email":          order.Email,
		"payment_method": order.PaymentMethod,
		"total":          order.Total(),
		"lines":          order.Lines,
		"paid_date":      order.PaidDate,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(order.ID.String()), // order id for partition ordering
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("order.completed")},
		},
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEvents) Close() error {
	return k.writer.Close()
}
