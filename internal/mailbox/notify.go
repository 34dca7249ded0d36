package mailbox

import (
	"sync"

	"pkt.systems/attractor/address"
)

// Subscription delivers in-process wakeups for one address.
type Subscription struct {
	m    *Mailbox
	key  string
	ch   chan struct{}
	once sync.Once
}

// C fires after an Enqueue or Release on the subscribed address.
func (s *Subscription) C() <-chan struct{} { return s.ch }

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.m.subsMu.Lock()
		defer s.m.subsMu.Unlock()
		if set := s.m.subs[s.key]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.m.subs, s.key)
			}
		}
	})
}

// Subscribe registers for local wakeups on addr.
func (m *Mailbox) Subscribe(addr address.Address) *Subscription {
	sub := &Subscription{m: m, key: addr.String(), ch: make(chan struct{}, 1)}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	set := m.subs[sub.key]
	if set == nil {
		set = make(map[*Subscription]struct{})
		m.subs[sub.key] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Notify wakes local subscribers of addr without blocking.
func (m *Mailbox) Notify(addr address.Address) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for sub := range m.subs[addr.String()] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}
