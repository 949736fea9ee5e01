// Package store provides the in-memory task and transition record consumed
// by the HTTP surface, plus transition sinks (log fan-out, NATS publishing).
// Durable persistence would replace Store behind the same TransitionSink
// seam; the engine does not care.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/harrowlabs/taskforge/internal/task"
)

// Store keeps task snapshots and the append-only transition log.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*task.Task
	transitions map[string][]task.Transition
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:       make(map[string]*task.Task),
		transitions: make(map[string][]task.Transition),
	}
}

// PutTask stores a snapshot of t, replacing any previous snapshot.
func (s *Store) PutTask(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Snapshot()
}

// Task returns the latest snapshot of the task, or false.
func (s *Store) Task(id string) (*task.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Snapshot(), true
}

// Tasks returns snapshots of all known tasks, newest first.
func (s *Store) Tasks() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// RecordTransition implements task.TransitionSink.
func (s *Store) RecordTransition(_ context.Context, tr task.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[tr.TaskID] = append(s.transitions[tr.TaskID], tr)
}

// Transitions returns the transition history for a task in emission order.
func (s *Store) Transitions(taskID string) []task.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]task.Transition(nil), s.transitions[taskID]...)
}
