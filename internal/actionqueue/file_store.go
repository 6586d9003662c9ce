package actionqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore keeps the queue as one JSON document. Every operation reloads the
// document under an exclusive file lock, so processes sharing the path never
// overwrite each other's read-modify-write cycles.
type FileStore struct {
	path     string
	lockPath string
	opts     Options
	now      func() time.Time

	mu     sync.Mutex
	items  []Action
	closed bool
}

type fileStoreState struct {
	Actions []Action `json:"actions"`
}

func NewFileStore(path string, opts Options) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &FileStore{
		path:     path,
		lockPath: path + ".lock",
		opts:     opts.withDefaults(),
		now:      time.Now,
		items:    []Action{},
	}
	if err := s.withLock(func() error { return nil }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	action, err := newAction(kind, payload, s.now())
	if err != nil {
		return "", err
	}
	err = s.withLock(func() error {
		if len(s.items) >= s.opts.MaxActions {
			return quotaError("%d pending actions", len(s.items))
		}
		s.items = append(s.items, action)
		if err := s.saveLocked(true); err != nil {
			s.items = s.items[:len(s.items)-1]
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return action.ID, nil
}

func (s *FileStore) List(ctx context.Context) ([]Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Action
	err := s.withLock(func() error {
		out = cloneActions(s.items)
		return nil
	})
	return out, err
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withLock(func() error {
		idx := s.indexLocked(id)
		if idx < 0 {
			return nil
		}
		previous := s.items
		s.items = append(append([]Action(nil), s.items[:idx]...), s.items[idx+1:]...)
		if err := s.saveLocked(false); err != nil {
			s.items = previous
			return err
		}
		return nil
	})
}

func (s *FileStore) IncrementAttempts(ctx context.Context, id, lastErr string) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	var updated Action
	err := s.withLock(func() error {
		idx := s.indexLocked(id)
		if idx < 0 {
			return fmt.Errorf("%w: action %s", ErrNotFound, id)
		}
		previous := s.items[idx]
		s.items[idx].Attempts++
		s.items[idx].LastError = truncateLastError(lastErr)
		if err := s.saveLocked(false); err != nil {
			s.items[idx] = previous
			return err
		}
		updated = cloneActions(s.items[idx : idx+1])[0]
		return nil
	})
	return updated, err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FileStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return fmt.Errorf("lock action store: %w", err)
	}
	defer unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	return fn()
}

func (s *FileStore) indexLocked(id string) int {
	id = strings.TrimSpace(id)
	for i, item := range s.items {
		if item.ID == id {
			return i
		}
	}
	return -1
}

func (s *FileStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.items = []Action{}
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		s.items = []Action{}
		return nil
	}
	var snapshot fileStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode action store %s: %w", s.path, err)
	}
	if snapshot.Actions == nil {
		snapshot.Actions = []Action{}
	}
	s.items = snapshot.Actions
	return nil
}

// saveLocked writes the document. Only Enqueue is held to MaxBytes; removals
// and attempt bumps always persist.
func (s *FileStore) saveLocked(enforceQuota bool) error {
	data, err := json.Marshal(fileStoreState{Actions: s.items})
	if err != nil {
		return err
	}
	if enforceQuota && len(data) > s.opts.MaxBytes {
		return quotaError("%d bytes exceeds limit of %d", len(data), s.opts.MaxBytes)
	}
	if err := s.replaceFile(data); err != nil {
		if isNoSpace(err) {
			return fmt.Errorf("%w: %v", ErrStorageQuotaExceeded, err)
		}
		return err
	}
	return nil
}

// replaceFile swaps the queue document in one rename so readers in other
// processes see either the old or the new queue, never a partial one.
func (s *FileStore) replaceFile(data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
