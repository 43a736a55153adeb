package dispatcher

import (
	"context"
	"sort"
	"sync"
)

// TaskSet tracks a bounded number of running tasks by key and lets callers
// wait for all of them to settle.
type TaskSet struct {
	mu    sync.Mutex
	limit int
	tasks map[string]struct{}
	wg    sync.WaitGroup
}

// NewTaskSet creates a set that holds at most limit tasks.
func NewTaskSet(limit int) *TaskSet {
	return &TaskSet{limit: limit, tasks: make(map[string]struct{})}
}

// Go runs fn in a goroutine under key. It returns false without running fn
// when the set is full or key is already tracked.
func (s *TaskSet) Go(key string, fn func()) bool {
	s.mu.Lock()
	if len(s.tasks) >= s.limit {
		s.mu.Unlock()
		return false
	}
	if _, dup := s.tasks[key]; dup {
		s.mu.Unlock()
		return false
	}
	s.tasks[key] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.tasks, key)
			s.mu.Unlock()
			s.wg.Done()
		}()
		fn()
	}()
	return true
}

// Len returns the number of running tasks.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Free returns the remaining capacity.
func (s *TaskSet) Free() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - len(s.tasks)
}

// Keys returns the running task keys in sorted order.
func (s *TaskSet) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.tasks))
	for k := range s.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Wait blocks until every task has returned or ctx is done.
func (s *TaskSet) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
