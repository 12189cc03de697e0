package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Each session carries its own
// lock, so appends for different participants never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

type memorySession struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) CreateSession(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneState(state)
	m.sessions[state.ID] = &memorySession{state: cp}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*State, error) {
	ms, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return cloneState(ms.state), nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*State, error) {
	m.mu.RLock()
	all := make([]*memorySession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		all = append(all, ms)
	}
	m.mu.RUnlock()

	out := make([]*State, 0, len(all))
	for _, ms := range all {
		ms.mu.Lock()
		out = append(out, cloneState(ms.state))
		ms.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AppendTrial(_ context.Context, id string, trial Trial) error {
	return m.update(id, func(s *State) {
		s.Trials = append(s.Trials, trial)
	})
}

func (m *MemoryStore) AppendResponse(_ context.Context, id string, event ResponseEvent) error {
	return m.update(id, func(s *State) {
		s.Responses = append(s.Responses, event)
	})
}

func (m *MemoryStore) AppendCapture(_ context.Context, id string, ref CaptureRef) error {
	return m.update(id, func(s *State) {
		s.Captures = append(s.Captures, ref)
	})
}

func (m *MemoryStore) UpsertCompletion(_ context.Context, id string, completion Completion) error {
	return m.update(id, func(s *State) {
		for i, c := range s.Completions {
			if c.Task == completion.Task {
				s.Completions[i] = completion
				return
			}
		}
		s.Completions = append(s.Completions, completion)
	})
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	return m.update(id, func(s *State) {
		s.Status = status
	})
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) lookup(id string) (*memorySession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms, nil
}

func (m *MemoryStore) update(id string, fn func(*State)) error {
	ms, err := m.lookup(id)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	fn(ms.state)
	ms.state.UpdatedAt = time.Now()
	ms.mu.Unlock()
	return nil
}

// cloneState deep-copies a session so callers can never mutate the
// stored history.
func cloneState(s *State) *State {
	cp := *s
	cp.Trials = make([]Trial, len(s.Trials))
	copy(cp.Trials, s.Trials)
	for i, t := range s.Trials {
		if t.Digits != nil {
			cp.Trials[i].Digits = append([]int(nil), t.Digits...)
		}
	}
	cp.Responses = append([]ResponseEvent(nil), s.Responses...)
	cp.Captures = make([]CaptureRef, len(s.Captures))
	copy(cp.Captures, s.Captures)
	for i, c := range s.Captures {
		if c.Main != nil {
			ref := *c.Main
			cp.Captures[i].Main = &ref
		}
		if c.Secondary != nil {
			ref := *c.Secondary
			cp.Captures[i].Secondary = &ref
		}
	}
	cp.Completions = make([]Completion, len(s.Completions))
	copy(cp.Completions, s.Completions)
	for i, c := range s.Completions {
		if c.Metadata != nil {
			md := make(map[string]string, len(c.Metadata))
			for k, v := range c.Metadata {
				md[k] = v
			}
			cp.Completions[i].Metadata = md
		}
	}
	return &cp
}
