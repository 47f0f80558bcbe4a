// Package ledger tracks billable usage events, computes per-calendar-day
// spend, and manages the batch-invoice lifecycle. Storage is behind the Store
// interface: MemStore is the in-process reference implementation and
// RedisStore the pluggable persistent one.
package ledger

import (
	"context"

	ap2 "github.com/agentpay/ap2-go"
)

// Store persists usage events and batch invoices. Implementations must keep
// the per-user and per-mandate listings in insertion order: daily-window
// filtering and batch snapshots depend on seeing events in creation order.
type Store interface {
	// PutEvent inserts a new event or updates an existing one. Secondary
	// indices are built on first insert only.
	PutEvent(ctx context.Context, ev *ap2.UsageEvent) error

	// Event returns the event with the given id, or ap2.ErrEventNotFound.
	Event(ctx context.Context, eventID string) (*ap2.UsageEvent, error)

	// EventsByUser returns all events for a user in insertion order.
	// User addresses are matched case-insensitively.
	EventsByUser(ctx context.Context, userAddress string) ([]*ap2.UsageEvent, error)

	// EventsByMandate returns all events for a mandate in insertion order.
	EventsByMandate(ctx context.Context, mandateID string) ([]*ap2.UsageEvent, error)

	// PutBatch inserts a new batch invoice or updates an existing one.
	PutBatch(ctx context.Context, b *ap2.BatchInvoice) error

	// Batch returns the invoice with the given id, or ap2.ErrBatchNotFound.
	Batch(ctx context.Context, batchID string) (*ap2.BatchInvoice, error)

	// BatchesByUser returns all invoices for a user in creation order.
	BatchesByUser(ctx context.Context, userAddress string) ([]*ap2.BatchInvoice, error)

	// BatchesByMandate returns all invoices for a mandate in creation order.
	BatchesByMandate(ctx context.Context, mandateID string) ([]*ap2.BatchInvoice, error)
}
