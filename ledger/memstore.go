package ledger

import (
	"context"
	"strings"
	"sync"

	ap2 "github.com/agentpay/ap2-go"
)

// MemStore is the in-memory reference Store. It copies values on the way in
// and out, so callers never share mutable state with the store.
type MemStore struct {
	mu sync.RWMutex

	events  map[string]ap2.UsageEvent
	batches map[string]ap2.BatchInvoice

	userEvents     map[string][]string
	mandateEvents  map[string][]string
	userBatches    map[string][]string
	mandateBatches map[string][]string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:         make(map[string]ap2.UsageEvent),
		batches:        make(map[string]ap2.BatchInvoice),
		userEvents:     make(map[string][]string),
		mandateEvents:  make(map[string][]string),
		userBatches:    make(map[string][]string),
		mandateBatches: make(map[string][]string),
	}
}

func (s *MemStore) PutEvent(_ context.Context, ev *ap2.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[ev.EventID]; !exists {
		user := strings.ToLower(ev.UserAddress)
		s.userEvents[user] = append(s.userEvents[user], ev.EventID)
		s.mandateEvents[ev.MandateID] = append(s.mandateEvents[ev.MandateID], ev.EventID)
	}
	s.events[ev.EventID] = *ev
	return nil
}

func (s *MemStore) Event(_ context.Context, eventID string) (*ap2.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, ap2.ErrEventNotFound
	}
	return &ev, nil
}

func (s *MemStore) EventsByUser(_ context.Context, userAddress string) ([]*ap2.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEvents(s.userEvents[strings.ToLower(userAddress)]), nil
}

func (s *MemStore) EventsByMandate(_ context.Context, mandateID string) ([]*ap2.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectEvents(s.mandateEvents[mandateID]), nil
}

func (s *MemStore) PutBatch(_ context.Context, b *ap2.BatchInvoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.batches[b.BatchID]; !exists {
		user := strings.ToLower(b.UserAddress)
		s.userBatches[user] = append(s.userBatches[user], b.BatchID)
		s.mandateBatches[b.MandateID] = append(s.mandateBatches[b.MandateID], b.BatchID)
	}
	stored := *b
	stored.EventIDs = append([]string(nil), b.EventIDs...)
	s.batches[b.BatchID] = stored
	return nil
}

func (s *MemStore) Batch(_ context.Context, batchID string) (*ap2.BatchInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID]
	if !ok {
		return nil, ap2.ErrBatchNotFound
	}
	out := b
	out.EventIDs = append([]string(nil), b.EventIDs...)
	return &out, nil
}

func (s *MemStore) BatchesByUser(_ context.Context, userAddress string) ([]*ap2.BatchInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectBatches(s.userBatches[strings.ToLower(userAddress)]), nil
}

func (s *MemStore) BatchesByMandate(_ context.Context, mandateID string) ([]*ap2.BatchInvoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectBatches(s.mandateBatches[mandateID]), nil
}

func (s *MemStore) collectEvents(ids []string) []*ap2.UsageEvent {
	out := make([]*ap2.UsageEvent, 0, len(ids))
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			e := ev
			out = append(out, &e)
		}
	}
	return out
}

func (s *MemStore) collectBatches(ids []string) []*ap2.BatchInvoice {
	out := make([]*ap2.BatchInvoice, 0, len(ids))
	for _, id := range ids {
		if b, ok := s.batches[id]; ok {
			batch := b
			batch.EventIDs = append([]string(nil), b.EventIDs...)
			out = append(out, &batch)
		}
	}
	return out
}
