package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
)

// lockFileName is the advisory workspace lock under the cache directory.
const lockFileName = "daemon.lock"

// lockRecord is the JSON content of the lock file.
type lockRecord struct {
	PID         int       `json:"pid"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// fileLock is the single-writer advisory lock per workspace. A stale lock
// (no refresh within the TTL and a dead owner) is broken to recover from
// abandoned daemons.
type fileLock struct {
	path string
	ttl  time.Duration

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// acquireLock takes the workspace lock or fails with store.lock_held.
func acquireLock(dir string, ttl time.Duration) (*fileLock, error) {
	l := &fileLock{
		path: filepath.Join(dir, lockFileName),
		ttl:  ttl,
		done: make(chan struct{}),
	}

	if err := l.tryAcquire(); err != nil {
		return nil, err
	}

	go l.refreshLoop()
	return l, nil
}

func (l *fileLock) tryAcquire() error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644) //nolint:gosec // G304: store-internal path
		if err == nil {
			now := time.Now()
			rec := lockRecord{PID: os.Getpid(), AcquiredAt: now, RefreshedAt: now}
			data, _ := json.Marshal(rec)
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(l.path)
				return loomerr.Wrap(loomerr.CodeStoreIO, errors.Join(werr, cerr), "writing lock file")
			}
			return nil
		}
		if !os.IsExist(err) {
			return loomerr.Wrap(loomerr.CodeStoreIO, err, "creating lock file")
		}

		// Lock exists: stale if the owner stopped refreshing and is dead.
		var rec lockRecord
		if rerr := readJSON(l.path, &rec); rerr == nil {
			fresh := time.Since(rec.RefreshedAt) < l.ttl
			if fresh && processAlive(rec.PID) {
				return loomerr.New(loomerr.CodeLockHeld,
					"workspace lock held by pid %d", rec.PID)
			}
		}
		log.Warn(log.CatStore, "Breaking stale workspace lock", "path", l.path)
		if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
			return loomerr.Wrap(loomerr.CodeStoreIO, rerr, "removing stale lock")
		}
	}
	return loomerr.New(loomerr.CodeLockHeld, "could not acquire workspace lock")
}

// refreshLoop keeps the lock fresh so other daemons see it as live.
func (l *fileLock) refreshLoop() {
	interval := l.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.refresh()
		}
	}
}

func (l *fileLock) refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	now := time.Now()
	rec := lockRecord{PID: os.Getpid(), AcquiredAt: now, RefreshedAt: now}
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(l.path, data, 0644); err != nil { //nolint:gosec // G306: lock file is not sensitive
		log.ErrorErr(log.CatStore, "Failed to refresh workspace lock", err)
	}
}

// release stops the refresh loop and removes the lock file.
func (l *fileLock) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}
