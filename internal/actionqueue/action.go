// Package actionqueue holds the durable FIFO of actions a user performed while
// offline. Every backend keeps enqueue order and survives process restarts
// except the memory backend, which exists for tests and ephemeral hosts.
package actionqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrNotImplemented       = errors.New("not implemented")
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrClosed               = errors.New("store closed")
)

const (
	DefaultMaxActions = 1024
	DefaultMaxBytes   = 5 << 20
	// MaxLastErrorBytes bounds Action.LastError in every backend.
	MaxLastErrorBytes = 512
)

// Action is a mutation recorded while offline. Only Attempts and LastError
// change after enqueue.
type Action struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
}

// EnqueuedTime returns EnqueuedAt as a time.
func (a Action) EnqueuedTime() time.Time {
	return time.UnixMilli(a.EnqueuedAt).UTC()
}

type Store interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error)
	List(ctx context.Context) ([]Action, error)
	Remove(ctx context.Context, id string) error
	IncrementAttempts(ctx context.Context, id, lastErr string) (Action, error)
	Close() error
}

// Watcher is implemented by stores that can report changes made by other
// processes sharing the same storage.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type Options struct {
	// MaxActions bounds the number of pending actions.
	MaxActions int
	// MaxBytes bounds the encoded size of the file backend.
	MaxBytes int
}

func (o Options) withDefaults() Options {
	if o.MaxActions <= 0 {
		o.MaxActions = DefaultMaxActions
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	return o
}

func newAction(kind string, payload json.RawMessage, now time.Time) (Action, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return Action{}, fmt.Errorf("%w: action kind is required", ErrInvalidInput)
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Action{}, fmt.Errorf("%w: action payload is not valid JSON", ErrInvalidInput)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Action{}, err
	}
	return Action{
		ID:         id.String(),
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: now.UnixMilli(),
	}, nil
}

func quotaError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStorageQuotaExceeded, fmt.Sprintf(format, args...))
}

// truncateLastError cuts msg to MaxLastErrorBytes without splitting a rune.
func truncateLastError(msg string) string {
	if len(msg) <= MaxLastErrorBytes {
		return msg
	}
	cut := MaxLastErrorBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func cloneActions(items []Action) []Action {
	out := make([]Action, len(items))
	for i, item := range items {
		item.Payload = append(json.RawMessage(nil), item.Payload...)
		out[i] = item
	}
	return out
}
