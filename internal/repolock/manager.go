// Package repolock serializes stage execution per repository. At most one
// task holds a repository's lock; contenders queue FIFO and are granted the
// lock in arrival order as it frees. A requeued task keeps its original
// queue position: Acquire never re-appends a task already waiting.
package repolock

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNotHolder is returned when a task releases a lock it does not hold.
// That is a programming error in the caller, never silently accepted.
var ErrNotHolder = errors.New("repolock: task does not hold lock")

// GrantFunc is invoked (outside the manager's mutex) when a waiting task is
// granted a freed lock. The orchestrator uses it to re-offer the task.
type GrantFunc func(repoID, taskID string)

type lockEntry struct {
	holder  string
	waiters []string
}

// Manager owns all repository lock state. Constructed once and passed in
// explicitly; no other component may mutate lock state.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]*lockEntry
	onGrant GrantFunc
	logger  *zap.Logger
}

// NewManager creates a lock manager. onGrant may be nil if no hand-off
// notification is needed (tests).
func NewManager(onGrant GrantFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		locks:   make(map[string]*lockEntry),
		onGrant: onGrant,
		logger:  logger,
	}
}

// Acquire attempts to take the repository lock for taskID. It returns true
// when the lock is held by taskID on return (including when taskID already
// held it), false when taskID has been queued behind the current holder.
func (m *Manager) Acquire(repoID, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.locks[repoID]
	if !ok {
		m.locks[repoID] = &lockEntry{holder: taskID}
		return true
	}
	if entry.holder == taskID {
		return true
	}
	if entry.holder == "" {
		entry.holder = taskID
		return true
	}
	for _, w := range entry.waiters {
		if w == taskID {
			// Already queued; retries must not subvert arrival order.
			return false
		}
	}
	entry.waiters = append(entry.waiters, taskID)
	m.logger.Debug("lock contended",
		zap.String("repo_id", repoID),
		zap.String("task_id", taskID),
		zap.Int("queue_position", len(entry.waiters)),
	)
	return false
}

// Release frees the repository lock held by taskID and hands it to the next
// waiter in FIFO order, if any. Releasing a lock not held by taskID returns
// ErrNotHolder.
func (m *Manager) Release(repoID, taskID string) error {
	m.mu.Lock()
	entry, ok := m.locks[repoID]
	if !ok || entry.holder != taskID {
		m.mu.Unlock()
		return fmt.Errorf("%w: repo=%s task=%s", ErrNotHolder, repoID, taskID)
	}

	var granted string
	if len(entry.waiters) > 0 {
		granted = entry.waiters[0]
		entry.waiters = entry.waiters[1:]
		entry.holder = granted
	} else {
		delete(m.locks, repoID)
	}
	m.mu.Unlock()

	if granted != "" && m.onGrant != nil {
		m.onGrant(repoID, granted)
	}
	return nil
}

// Holder returns the task currently holding the repository lock.
func (m *Manager) Holder(repoID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[repoID]
	if !ok || entry.holder == "" {
		return "", false
	}
	return entry.holder, true
}

// Waiters returns a copy of the FIFO wait list for the repository.
func (m *Manager) Waiters(repoID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.locks[repoID]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.waiters...)
}
