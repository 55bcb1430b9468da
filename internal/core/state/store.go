// Package state is the shared device-state store. Shadow reconciliation and
// UI-driven changes both mutate it, so every write goes through the single
// Dispatch path; there is no other mutation entry point.
package state

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Action is one state mutation. FromCloud marks mutations that originated in
// a shadow delta, so the shadow publisher does not echo them back out.
type Action struct {
	Key       string
	Value     any
	FromCloud bool
}

type Store struct {
	mu     sync.Mutex
	values map[string]any
	subs   []func(Action)
	lg     zerolog.Logger
}

func New(lg zerolog.Logger) *Store {
	return &Store{
		values: make(map[string]any),
		lg:     lg.With().Str("component", "state").Logger(),
	}
}

// Subscribe registers fn for every applied (value-changing) action.
func (s *Store) Subscribe(fn func(Action)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Dispatch applies a. A value deep-equal to the current one is a no-op and
// notifies nobody; replaying an identical delta must not toggle anything.
func (s *Store) Dispatch(a Action) bool {
	s.mu.Lock()
	if cur, ok := s.values[a.Key]; ok && reflect.DeepEqual(cur, a.Value) {
		s.mu.Unlock()
		return false
	}
	s.values[a.Key] = a.Value
	subs := s.subs
	s.mu.Unlock()

	s.lg.Debug().Str("key", a.Key).Bool("fromCloud", a.FromCloud).Msg("state changed")
	for _, fn := range subs {
		fn(a)
	}
	return true
}

// Get returns the current value for key, or nil.
func (s *Store) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// GetString returns the value for key if it is a string.
func (s *Store) GetString(key string) string {
	v, _ := s.Get(key).(string)
	return v
}

// Equal reports whether the stored value for key deep-equals v.
func (s *Store) Equal(key string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reflect.DeepEqual(s.values[key], v)
}

// Snapshot copies the full state map, for boot-time shadow reporting.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
