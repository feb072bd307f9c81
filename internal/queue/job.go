// Package queue provides a durable at-least-once job log for deferred
// side-effecting work, plus an event publisher for completed orders.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the closed set of job types. Jobs are dispatched through
// a switch on Kind, never by calling a method name from a string.
type Kind string

const (
	KindUpdateStock        Kind = "update_stock"
	KindRecalculateInvoice Kind = "recalculate_invoice"
	KindPublishOrder       Kind = "publish_order"
)

// Job is one durable log entry.
type Job struct {
	Key       string          `json:"key"`
	CreatedAt time.Time       `json:"created_at"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// UpdateStock adjusts a product's stock by Delta.
type UpdateStock struct {
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
}

// RecalculateInvoice re-derives totals for a persisted order.
type RecalculateInvoice struct {
	OrderID string `json:"order_id"`
}

// PublishOrder announces a completed order to downstream consumers.
type PublishOrder struct {
	OrderID string `json:"order_id"`
}

func newJob(kind Kind, payload any) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Job{
		Key:       uuid.New().String(),
		CreatedAt: time.Now(),
		Kind:      kind,
		Payload:   data,
	}, nil
}

func NewUpdateStock(productID string, delta int) (Job, error) {
	return newJob(KindUpdateStock, UpdateStock{ProductID: productID, Delta: delta})
}

func NewRecalculateInvoice(orderID string) (Job, error) {
	return newJob(KindRecalculateInvoice, RecalculateInvoice{OrderID: orderID})
}

func NewPublishOrder(orderID string) (Job, error) {
	return newJob(KindPublishOrder, PublishOrder{OrderID: orderID})
}

// UpdateStock decodes the payload; it errors when the job has another kind.
func (j Job) UpdateStock() (UpdateStock, error) {
	if j.Kind != KindUpdateStock {
		return UpdateStock{}, fmt.Errorf("job %s is %s, not %s", j.Key, j.Kind, KindUpdateStock)
	}
	var p UpdateStock
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return UpdateStock{}, fmt.Errorf("unmarshal %s payload: %w", j.Kind, err)
	}
	return p, nil
}

func (j Job) RecalculateInvoice() (RecalculateInvoice, error) {
	if j.Kind != KindRecalculateInvoice {
		return RecalculateInvoice{}, fmt.Errorf("job %s is %s, not %s", j.Key, j.Kind, KindRecalculateInvoice)
	}
	var p RecalculateInvoice
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return RecalculateInvoice{}, fmt.Errorf("unmarshal %s payload: %w", j.Kind, err)
	}
	return p, nil
}

func (j Job) PublishOrder() (PublishOrder, error) {
	if j.Kind != KindPublishOrder {
		return PublishOrder{}, fmt.Errorf("job %s is %s, not %s", j.Key, j.Kind, KindPublishOrder)
	}
	var p PublishOrder
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return PublishOrder{}, fmt.Errorf("unmarshal %s payload: %w", j.Kind, err)
	}
	return p, nil
}

// Handler processes one claimed job. A returned error moves the job to the
// failed bucket, it is not retried in place.
type Handler func(ctx context.Context, job Job) error

// Queue is the durable job log. Drain claims each pending job exclusively;
// a job another drainer already claimed is skipped without error.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Drain(ctx context.Context, handle Handler) (int, error)
}
