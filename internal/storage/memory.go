package storage

import (
	"context"
	"errors"
	"sync"
)

// memStore is the volatile fallback driver. It exists so tests and
// storage-less dev setups share the exact semantics of the durable drivers.
type memStore struct {
	mu         sync.Mutex
	msgs       map[string]Message
	deliveries []DeliveryEntry
	cap        int
}

func newMemStore(cfg Config) *memStore {
	return &memStore{msgs: map[string]Message{}, cap: cfg.deliveryCap()}
}

func (s *memStore) ListMessages(ctx context.Context) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *memStore) GetMessage(ctx context.Context, id string) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return Message{}, false, nil
	}
	return cloneMessage(m), true, nil
}

func (s *memStore) AddMessage(ctx context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgs[m.ID]; exists {
		return errors.New("duplicate message id: " + m.ID)
	}
	s.msgs[m.ID] = cloneMessage(m)
	return nil
}

func (s *memStore) UpdateMessage(ctx context.Context, m Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgs[m.ID]; !exists {
		return false, nil
	}
	s.msgs[m.ID] = cloneMessage(m)
	return true, nil
}

func (s *memStore) RemoveMessage(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.msgs[id]; !exists {
		return false, nil
	}
	delete(s.msgs, id)
	return true, nil
}

func (s *memStore) ReplaceMessages(ctx context.Context, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		next[m.ID] = cloneMessage(m)
	}
	s.msgs = next
	return nil
}

func (s *memStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, e)
	if len(s.deliveries) > s.cap {
		s.deliveries = s.deliveries[len(s.deliveries)-s.cap:]
	}
	return nil
}

func (s *memStore) RecentDeliveries(ctx context.Context, n int) ([]DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.deliveries) {
		n = len(s.deliveries)
	}
	out := make([]DeliveryEntry, 0, n)
	for i := len(s.deliveries) - 1; i >= len(s.deliveries)-n; i-- {
		out = append(out, s.deliveries[i])
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func cloneMessage(m Message) Message {
	cp := m
	if m.Target != nil {
		t := *m.Target
		cp.Target = &t
	}
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return cp
}
