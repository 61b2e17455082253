// Package statestore holds the last reported state of every member device.
// Groups read from it on refresh; the ingest surface writes to it.
package statestore

import (
	"maps"
	"sync"

	"github.com/dokzlo13/fand/internal/fan"
)

// Reader provides read access to member states.
type Reader interface {
	// Get returns the state for a member id. The second return is false when
	// no state has ever been reported for the id.
	Get(id string) (fan.MemberState, bool, error)
}

// Store is the full member state store.
type Store interface {
	Reader

	// Set stores a member state, replacing any previous one.
	Set(state fan.MemberState) error

	// Delete removes a member state. Returns true if it existed.
	Delete(id string) (bool, error)

	// All returns every stored member state.
	All() ([]fan.MemberState, error)

	// Close releases the backing resources.
	Close() error
}

// Memory is an in-memory store, used when no database path is configured
// and throughout the tests.
type Memory struct {
	mu     sync.RWMutex
	states map[string]fan.MemberState
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]fan.MemberState)}
}

// Get returns the state for a member id.
func (m *Memory) Get(id string) (fan.MemberState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[id]
	if !ok {
		return fan.MemberState{}, false, nil
	}
	return cloneState(state), true, nil
}

// Set stores a member state keyed by its ID.
func (m *Memory) Set(state fan.MemberState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.ID] = cloneState(state)
	return nil
}

// Delete removes a member state.
func (m *Memory) Delete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.states[id]
	if ok {
		delete(m.states, id)
	}
	return ok, nil
}

// All returns every stored member state.
func (m *Memory) All() ([]fan.MemberState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]fan.MemberState, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, cloneState(state))
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// cloneState copies the attribute map so callers cannot mutate stored state.
func cloneState(state fan.MemberState) fan.MemberState {
	if state.Attributes != nil {
		state.Attributes = maps.Clone(state.Attributes)
	}
	return state
}
