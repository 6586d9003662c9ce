package actionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu     sync.Mutex
	opts   Options
	now    func() time.Time
	items  []Action
	closed bool
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:  opts.withDefaults(),
		now:   time.Now,
		items: []Action{},
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	action, err := newAction(kind, payload, s.now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	if len(s.items) >= s.opts.MaxActions {
		return "", quotaError("%d pending actions", len(s.items))
	}
	s.items = append(s.items, action)
	return action.ID, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return cloneActions(s.items), nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) IncrementAttempts(ctx context.Context, id, lastErr string) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Action{}, ErrClosed
	}
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Attempts++
			s.items[i].LastError = truncateLastError(lastErr)
			return cloneActions(s.items[i : i+1])[0], nil
		}
	}
	return Action{}, fmt.Errorf("%w: action %s", ErrNotFound, id)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
