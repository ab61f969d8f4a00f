package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"
)

// Default tuning values.
const (
	// DefaultNotifyDebounce is the minimum spacing of change notifications
	// sent to watchers. The spec floor is 250ms.
	DefaultNotifyDebounce = 250 * time.Millisecond
	// DefaultLockTTL is the stale-lock TTL when none is configured.
	DefaultLockTTL = 30 * time.Second
	// DefaultHistoryCap bounds the completed-workflow history per session.
	DefaultHistoryCap = 20
)

// Options configures Open.
type Options struct {
	// WorkingDir is the subpath under the workspace root (default _AiDevLog).
	WorkingDir string
	// LockTTL is the stale-lock TTL.
	LockTTL time.Duration
	// NotifyDebounce is the change-notification debounce; values below the
	// 250ms floor are raised to it.
	NotifyDebounce time.Duration
	// HistoryCap bounds completed-workflow history per session.
	HistoryCap int
	// SkipLock opens the store without taking the workspace lock. Used by
	// read-only CLI clients; the daemon always locks.
	SkipLock bool
}

// Store owns the on-disk state tree for one workspace and the in-memory
// indices over it. All mutation goes through the store; outside components
// obtain snapshots.
type Store struct {
	root       string // <workspace>/<workingDir>
	historyCap int
	debounce   time.Duration

	lock    *fileLock
	archive *Archive

	mu       sync.RWMutex // guards sessions index
	sessions map[string]*Session

	writeMu sync.Mutex // serializes all file writes

	notifyMu   sync.Mutex
	notifyCh   chan struct{}
	lastNotify time.Time
	notifyTmr  *time.Timer

	watcher *Watcher
	closed  bool
}

// Open prepares the workspace state directory, takes the single-writer lock,
// opens the archive index, and loads all persisted state.
func Open(workspace string, opts Options) (*Store, error) {
	if opts.WorkingDir == "" {
		opts.WorkingDir = "_AiDevLog"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.NotifyDebounce < DefaultNotifyDebounce {
		opts.NotifyDebounce = DefaultNotifyDebounce
	}
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}

	root := filepath.Join(workspace, opts.WorkingDir)
	for _, dir := range []string{root, filepath.Join(root, ".cache"), filepath.Join(root, "Plans")} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "creating state directory")
		}
	}

	s := &Store{
		root:       root,
		historyCap: opts.HistoryCap,
		debounce:   opts.NotifyDebounce,
		sessions:   make(map[string]*Session),
		notifyCh:   make(chan struct{}, 1),
	}

	if !opts.SkipLock {
		lock, err := acquireLock(s.CacheDir(), opts.LockTTL)
		if err != nil {
			return nil, err
		}
		s.lock = lock
	}

	archive, err := OpenArchive(filepath.Join(s.CacheDir(), "archive.db"))
	if err != nil {
		if s.lock != nil {
			_ = s.lock.release()
		}
		return nil, err
	}
	s.archive = archive

	if err := s.Load(); err != nil {
		_ = s.Close()
		return nil, err
	}

	log.Info(log.CatStore, "Store opened", "root", root, "sessions", len(s.sessions))
	return s, nil
}

// Dir returns the state root (<workspace>/<workingDir>).
func (s *Store) Dir() string { return s.root }

// CacheDir returns the .cache directory.
func (s *Store) CacheDir() string { return filepath.Join(s.root, ".cache") }

// PlansDir returns the Plans directory.
func (s *Store) PlansDir() string { return filepath.Join(s.root, "Plans") }

// SessionDir returns the directory for one session.
func (s *Store) SessionDir(id string) string { return filepath.Join(s.PlansDir(), id) }

// PortFilePath returns the well-known IPC endpoint file.
func (s *Store) PortFilePath() string { return filepath.Join(s.CacheDir(), "daemon.port") }

// Load reads every session directory into the in-memory index.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.PlansDir())
	if err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "reading plans directory")
	}

	sessions := make(map[string]*Session)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.SessionDir(entry.Name()), "session.json")
		var sess Session
		if err := readJSON(path, &sess); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Warn(log.CatStore, "Skipping unreadable session", "dir", entry.Name(), "error", err)
			continue
		}
		sessions[sess.ID] = &sess
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()
	return nil
}

// ReloadFromFiles rebuilds the in-memory indices and the archive index from
// the on-disk files. After it returns, memory and disk agree.
func (s *Store) ReloadFromFiles() error {
	if err := s.Load(); err != nil {
		return err
	}

	s.mu.RLock()
	terminal := make([]*Session, 0)
	for _, sess := range s.sessions {
		if sess.Status.IsTerminal() {
			terminal = append(terminal, sess.Clone())
		}
	}
	s.mu.RUnlock()

	if err := s.archive.Rebuild(terminal); err != nil {
		return err
	}
	s.scheduleNotify()
	return nil
}

// Sessions returns a snapshot of every session, newest first.
func (s *Store) Sessions() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Get returns a snapshot of one session.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, loomerr.New(loomerr.CodeSessionNotFound, "session %s not found", id)
	}
	return sess.Clone(), nil
}

// SaveSession persists a session record and updates the index. Completed
// workflow history is capped; terminal sessions are mirrored into the
// archive index.
func (s *Store) SaveSession(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id must not be empty")
	}
	sess.UpdatedAt = time.Now()
	if len(sess.CompletedWorkflows) > s.historyCap {
		sess.CompletedWorkflows = sess.CompletedWorkflows[len(sess.CompletedWorkflows)-s.historyCap:]
	}

	dir := s.SessionDir(sess.ID)
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0750); err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "creating session directory")
	}

	s.writeMu.Lock()
	err := writeJSONAtomic(filepath.Join(dir, "session.json"), sess)
	s.writeMu.Unlock()
	if err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "saving session %s", sess.ID)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()

	if sess.Status.IsTerminal() {
		if aerr := s.archive.Record(sess); aerr != nil {
			log.ErrorErr(log.CatStore, "Failed to index completed session", aerr, "session", sess.ID)
		}
	}

	s.scheduleNotify()
	return nil
}

// DeleteSession removes a session directory. Deleting is only permitted when
// no live workflow references the session.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return loomerr.New(loomerr.CodeSessionNotFound, "session %s not found", id)
	}
	if sess.LiveWorkflowID != "" {
		s.mu.Unlock()
		return fmt.Errorf("session %s has a live workflow %s", id, sess.LiveWorkflowID)
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	s.writeMu.Lock()
	err := os.RemoveAll(s.SessionDir(id))
	s.writeMu.Unlock()
	if err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "deleting session %s", id)
	}
	s.scheduleNotify()
	return nil
}

// GetCompletedSessions returns up to limit archived sessions, most recently
// completed first.
func (s *Store) GetCompletedSessions(limit int) ([]ArchiveEntry, error) {
	return s.archive.Completed(limit)
}

// SavePool persists the pool snapshot to .cache/pool.json.
func (s *Store) SavePool(state PoolState) error {
	state.UpdatedAt = time.Now()
	s.writeMu.Lock()
	err := writeJSONAtomic(filepath.Join(s.CacheDir(), "pool.json"), state)
	s.writeMu.Unlock()
	if err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "saving pool state")
	}
	s.scheduleNotify()
	return nil
}

// LoadPool reads the pool snapshot. ok is false when none exists yet.
func (s *Store) LoadPool() (state PoolState, ok bool, err error) {
	rerr := readJSON(filepath.Join(s.CacheDir(), "pool.json"), &state)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return PoolState{}, false, nil
		}
		return PoolState{}, false, loomerr.Wrap(loomerr.CodeStoreIO, rerr, "reading pool state")
	}
	return state, true, nil
}

// SaveCheckpoint persists a workflow checkpoint blob.
func (s *Store) SaveCheckpoint(ck *Checkpoint) error {
	if ck.SessionID == "" || ck.WorkflowID == "" {
		return fmt.Errorf("checkpoint requires session and workflow ids")
	}
	ck.Time = time.Now()
	dir := filepath.Join(s.SessionDir(ck.SessionID), "checkpoints")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "creating checkpoints directory")
	}

	s.writeMu.Lock()
	err := writeJSONAtomic(filepath.Join(dir, ck.WorkflowID+".json"), ck)
	s.writeMu.Unlock()
	if err != nil {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "saving checkpoint %s", ck.WorkflowID)
	}
	s.scheduleNotify()
	return nil
}

// LoadCheckpoint reads one workflow's checkpoint. ok is false when absent.
func (s *Store) LoadCheckpoint(sessionID, workflowID string) (*Checkpoint, bool, error) {
	var ck Checkpoint
	path := filepath.Join(s.SessionDir(sessionID), "checkpoints", workflowID+".json")
	if err := readJSON(path, &ck); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, loomerr.Wrap(loomerr.CodeStoreIO, err, "reading checkpoint %s", workflowID)
	}
	return &ck, true, nil
}

// DeleteCheckpoint removes a checkpoint after its workflow reaches a
// terminal status.
func (s *Store) DeleteCheckpoint(sessionID, workflowID string) error {
	path := filepath.Join(s.SessionDir(sessionID), "checkpoints", workflowID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return loomerr.Wrap(loomerr.CodeStoreIO, err, "deleting checkpoint %s", workflowID)
	}
	return nil
}

// Checkpoints lists the checkpoints persisted for a session.
func (s *Store) Checkpoints(sessionID string) ([]*Checkpoint, error) {
	dir := filepath.Join(s.SessionDir(sessionID), "checkpoints")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "reading checkpoints")
	}

	var out []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var ck Checkpoint
		if err := readJSON(filepath.Join(dir, entry.Name()), &ck); err != nil {
			continue
		}
		out = append(out, &ck)
	}
	return out, nil
}

// WritePlan writes a plan artifact and returns its path. Plan files are
// append-only history; an existing version is never overwritten.
func (s *Store) WritePlan(sessionID string, version int, content []byte) (string, error) {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", loomerr.Wrap(loomerr.CodeStoreIO, err, "creating session directory")
	}
	path := filepath.Join(dir, fmt.Sprintf("plan-v%d.md", version))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("plan version %d already exists for session %s", version, sessionID)
	}

	s.writeMu.Lock()
	err := writeFileAtomic(path, content, 0644)
	s.writeMu.Unlock()
	if err != nil {
		return "", loomerr.Wrap(loomerr.CodeStoreIO, err, "writing plan v%d", version)
	}
	s.scheduleNotify()
	return path, nil
}

// ReadPlan reads a plan artifact by path.
func (s *Store) ReadPlan(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: plan paths come from session records
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "reading plan")
	}
	return data, nil
}

// TasksPath returns the expanded task list path for a session.
func (s *Store) TasksPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), "tasks.json")
}

// AppendProgress appends one line to the session's progress log.
func (s *Store) AppendProgress(sessionID, line string) {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return
	}
	path := filepath.Join(dir, "progress.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: store-internal path
	if err != nil {
		log.ErrorErr(log.CatStore, "Failed to open progress log", err, "session", sessionID)
		return
	}
	defer f.Close()
	stamp := time.Now().Format(time.RFC3339)
	_, _ = fmt.Fprintf(f, "%s %s\n", stamp, line)
}

// AgentLogPath returns the per-agent log file for a session.
func (s *Store) AgentLogPath(sessionID, agentName string) string {
	return filepath.Join(s.SessionDir(sessionID), "agent-"+agentName+".log")
}

// WritePortFile records the chosen IPC endpoint for client discovery.
func (s *Store) WritePortFile(endpoint string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFileAtomic(s.PortFilePath(), []byte(endpoint+"\n"), 0644)
}

// Changes returns a channel that receives a signal (debounced to at least
// the configured interval) after state mutations.
func (s *Store) Changes() <-chan struct{} {
	return s.notifyCh
}

// WatchExternal starts an fsnotify watcher over the Plans directory so
// changes made by other processes also surface on Changes().
func (s *Store) WatchExternal() error {
	w, err := NewWatcher(WatcherConfig{Dir: s.PlansDir(), Debounce: s.debounce})
	if err != nil {
		return err
	}
	ch, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}
	s.watcher = w
	go func() {
		for range ch {
			s.scheduleNotify()
		}
	}()
	return nil
}

// scheduleNotify coalesces change notifications, spacing them by at least
// the debounce interval to avoid refresh storms in watchers.
func (s *Store) scheduleNotify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if s.closed {
		return
	}

	since := time.Since(s.lastNotify)
	if since >= s.debounce {
		s.lastNotify = time.Now()
		select {
		case s.notifyCh <- struct{}{}:
		default:
		}
		return
	}
	if s.notifyTmr != nil {
		return // A delayed notification is already pending.
	}
	s.notifyTmr = time.AfterFunc(s.debounce-since, func() {
		s.notifyMu.Lock()
		s.notifyTmr = nil
		closed := s.closed
		s.lastNotify = time.Now()
		s.notifyMu.Unlock()
		if closed {
			return
		}
		select {
		case s.notifyCh <- struct{}{}:
		default:
		}
	})
}

// Close releases the watcher, archive, and workspace lock.
func (s *Store) Close() error {
	s.notifyMu.Lock()
	s.closed = true
	if s.notifyTmr != nil {
		s.notifyTmr.Stop()
		s.notifyTmr = nil
	}
	s.notifyMu.Unlock()

	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	if s.archive != nil {
		_ = s.archive.Close()
	}
	if s.lock != nil {
		return s.lock.release()
	}
	return nil
}
