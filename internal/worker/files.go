package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

var errBadFileName = errors.New("invalid run file name")

// fileStore keeps staged run files under <root>/<run_id>/<name>. Presence is
// cached so jobs of the same run skip the disk check.
type fileStore struct {
	root    string
	present *cache.Cache

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newFileStore(root string, ttl time.Duration) *fileStore {
	return &fileStore{
		root:    root,
		present: cache.New(ttl, 2*ttl),
		waiters: make(map[string][]chan struct{}),
	}
}

func fileKey(runID, name string) string {
	return runID + "/" + name
}

func checkName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: %q", errBadFileName, s)
	}
	return nil
}

func (s *fileStore) path(runID, name string) string {
	return filepath.Join(s.root, runID, name)
}

func (s *fileStore) has(runID, name string) bool {
	key := fileKey(runID, name)
	if _, ok := s.present.Get(key); ok {
		return true
	}
	if fi, err := os.Stat(s.path(runID, name)); err == nil && fi.Mode().IsRegular() {
		s.present.SetDefault(key, struct{}{})
		return true
	}
	return false
}

// put writes a file atomically and wakes every job waiting for it.
func (s *fileStore) put(runID, name string, payload []byte) error {
	if err := checkName(runID); err != nil {
		return err
	}
	if err := checkName(name); err != nil {
		return err
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path(runID, name)); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	key := fileKey(runID, name)
	s.present.SetDefault(key, struct{}{})
	s.mu.Lock()
	waiting := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
	return nil
}

// wait blocks until the file is present or ctx ends.
func (s *fileStore) wait(ctx context.Context, runID, name string) error {
	key := fileKey(runID, name)
	for {
		s.mu.Lock()
		if s.has(runID, name) {
			s.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		s.waiters[key] = append(s.waiters[key], ch)
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			s.dropWaiter(key, ch)
			return fmt.Errorf("waiting for %s: %w", key, ctx.Err())
		}
	}
}

func (s *fileStore) dropWaiter(key string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiting := s.waiters[key]
	for i, c := range waiting {
		if c == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(s.waiters, key)
		return
	}
	s.waiters[key] = waiting
}
