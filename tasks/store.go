package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrTaskNotFound is returned for unknown or expired task IDs
var ErrTaskNotFound = errors.New("task not found")

// DefaultTaskTTL is how long a snapshot is kept after its last update
const DefaultTaskTTL = time.Hour

// TaskStore keeps the latest snapshot of recently seen tasks in memory.
// Entries expire ttl after their last update.
type TaskStore struct {
	mu      sync.RWMutex
	tasks   map[string]Task
	created map[string]time.Time
	expiry  map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewTaskStore creates a task store
func NewTaskStore(ttl time.Duration) *TaskStore {
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	return &TaskStore{
		tasks:   make(map[string]Task),
		created: make(map[string]time.Time),
		expiry:  make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Record stores t as the latest snapshot for its ID and extends its expiry
func (s *TaskStore) Record(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("task ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.created[t.ID]; !exists {
		s.created[t.ID] = now
	}
	s.tasks[t.ID] = t.Clone()
	s.expiry[t.ID] = now.Add(s.ttl)
	return nil
}

// Get retrieves a task by ID
func (s *TaskStore) Get(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists || s.expired(taskID, s.now()) {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// List returns tasks newest first. cursor is the ID of the last task of the
// previous page; the returned cursor is empty on the last page.
func (s *TaskStore) List(cursor string, limit int) ([]Task, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	ids := make([]string, 0, len(s.tasks))
	for taskID := range s.tasks {
		if s.expired(taskID, now) {
			continue
		}
		ids = append(ids, taskID)
	}

	sort.Slice(ids, func(i, j int) bool {
		ci, cj := s.created[ids[i]], s.created[ids[j]]
		if !ci.Equal(cj) {
			return ci.After(cj)
		}
		return ids[i] < ids[j]
	})

	startIdx := 0
	if cursor != "" {
		found := false
		for i, id := range ids {
			if id == cursor {
				startIdx = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, "", fmt.Errorf("invalid cursor %q", cursor)
		}
	}

	if limit <= 0 {
		limit = 50
	}
	endIdx := startIdx + limit
	if endIdx > len(ids) {
		endIdx = len(ids)
	}

	result := make([]Task, 0, endIdx-startIdx)
	for _, id := range ids[startIdx:endIdx] {
		result = append(result, s.tasks[id].Clone())
	}

	nextCursor := ""
	if endIdx < len(ids) {
		nextCursor = ids[endIdx-1]
	}
	return result, nextCursor, nil
}

// Active returns all non-terminal tasks
func (s *TaskStore) Active() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var active []Task
	for taskID, task := range s.tasks {
		if s.expired(taskID, now) || task.IsTerminal() {
			continue
		}
		active = append(active, task.Clone())
	}
	return active
}

// CleanExpired removes expired tasks and returns how many were dropped
func (s *TaskStore) CleanExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for taskID := range s.expiry {
		if s.expired(taskID, now) {
			delete(s.tasks, taskID)
			delete(s.created, taskID)
			delete(s.expiry, taskID)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tasks, expired ones included
func (s *TaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *TaskStore) expired(taskID string, now time.Time) bool {
	expiry, ok := s.expiry[taskID]
	return ok && now.After(expiry)
}
