// Package connectivity provides the environment signals that drive queue replay: whether
// the backend is currently reachable, and notifications when it likely became reachable
// again.
package connectivity

import (
	"sort"
	"sync"
)

// Signal reports reachability and notifies subscribers when the environment signals that
// a replay is likely to succeed (connectivity restored, application resumed, timer).
type Signal interface {
	IsOnline() bool
	OnBecameReachable(fn func()) (unsubscribe func())
}

type subscribers struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

func (s *subscribers) add(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func())
	}
	s.nextID++
	id := s.nextID
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// fire calls every subscriber outside the lock, in subscription order.
func (s *subscribers) fire() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Manual is a Signal driven explicitly by the host application, e.g. from browser
// online/visibilitychange events forwarded over RPC, or from tests.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   subscribers
}

func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

func (m *Manual) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the connectivity state and notifies subscribers on an
// offline to online transition.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	restored := online && !m.online
	m.online = online
	m.mu.Unlock()

	if restored {
		m.subs.fire()
	}
}

// BecameVisible notifies subscribers regardless of the connectivity state; subscribers
// are expected to check IsOnline themselves.
func (m *Manual) BecameVisible() {
	m.subs.fire()
}

func (m *Manual) OnBecameReachable(fn func()) func() {
	return m.subs.add(fn)
}

// Subscribers returns the number of active subscriptions.
func (m *Manual) Subscribers() int {
	return m.subs.len()
}

type joined struct {
	signals []Signal
}

// Join combines signals: the result is online only when every signal is online, and
// notifies whenever any of them does.
func Join(signals ...Signal) Signal {
	return &joined{signals: signals}
}

func (j *joined) IsOnline() bool {
	for _, s := range j.signals {
		if !s.IsOnline() {
			return false
		}
	}
	return true
}

func (j *joined) OnBecameReachable(fn func()) func() {
	unsubscribes := make([]func(), 0, len(j.signals))
	for _, s := range j.signals {
		unsubscribes = append(unsubscribes, s.OnBecameReachable(fn))
	}
	return func() {
		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}
	}
}
