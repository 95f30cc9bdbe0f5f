// Package payload moves task arguments and results that are too large to
// copy inline through the worker IPC channel. Producers Put the encoded
// bytes and send only the returned reference; the other side of the process
// boundary resolves the reference with Get.
package payload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reactor/internal/safeio"
)

// ErrNotFound is returned when a reference does not resolve, typically
// because the payload was already consumed or swept.
var ErrNotFound = errors.New("payload: not found")

// Store is the hand-off surface shared by the pool and the worker runtime.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// FileStore keeps payloads as flat files under a shared directory. Both the
// server process and its worker processes must see the same directory.
// References are untrusted input from the worker pipe, so all access is
// confined to the directory root.
type FileStore struct {
	root *safeio.Root

	sweepOnce sync.Once
	maxAge    time.Duration
}

// NewFileStore creates the directory if needed. maxAge bounds how long an
// orphaned payload survives (a worker that died between Put and Get leaves
// its payload behind); zero disables sweeping.
func NewFileStore(dir string, maxAge time.Duration) (*FileStore, error) {
	root, err := safeio.New(dir)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return &FileStore{root: root, maxAge: maxAge}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if s == nil {
		return "", fmt.Errorf("payload: store is nil")
	}
	s.sweepOnce.Do(s.sweep)
	name := uuid.NewString() + ".bin"
	if err := s.root.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("payload: write: %w", err)
	}
	return "file:" + name, nil
}

func (s *FileStore) Get(ctx context.Context, ref string) ([]byte, error) {
	name, err := s.fileName(ref)
	if err != nil {
		return nil, err
	}
	data, err := s.root.ReadFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("payload: read: %w", err)
	}
	return data, nil
}

func (s *FileStore) Delete(ctx context.Context, ref string) error {
	name, err := s.fileName(ref)
	if err != nil {
		return err
	}
	if err := s.root.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payload: remove: %w", err)
	}
	return nil
}

func (s *FileStore) fileName(ref string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("payload: store is nil")
	}
	name, ok := strings.CutPrefix(strings.TrimSpace(ref), "file:")
	if !ok || name == "" {
		return "", fmt.Errorf("payload: malformed ref %q", ref)
	}
	if _, err := s.root.Resolve(name); err != nil {
		return "", fmt.Errorf("payload: malformed ref %q: %w", ref, err)
	}
	return name, nil
}

// sweep removes payloads older than maxAge. Best effort; runs once per
// process on first Put.
func (s *FileStore) sweep() {
	if s.maxAge <= 0 {
		return
	}
	entries, err := s.root.Entries()
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.maxAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = s.root.Remove(e.Name())
		}
	}
}
