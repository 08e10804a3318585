// Package subscription implements the ordered set of topic prefixes a
// module has asked to receive as events.
package subscription

import "sync"

// Set is an ordered set of topic prefixes. Insertion order is preserved so
// iteration (used only by diagnostics) is deterministic; lookups used by
// event fan-out are O(n) over a typically small set, a plain slice being
// simpler than a trie at this N.
type Set struct {
	mu     sync.RWMutex
	topics []string
}

// New returns an empty subscription Set.
func New() *Set {
	return &Set{}
}

// Add inserts topic. Duplicates are allowed: a single Remove only takes
// out the first match, so callers that subscribe twice must unsubscribe
// twice to fully clear it.
func (s *Set) Add(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
}

// Remove deletes the first occurrence of topic, if present. Removing a
// topic that was never added is a no-op.
func (s *Set) Remove(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.topics {
		if t == topic {
			s.topics = append(s.topics[:i], s.topics[i+1:]...)
			return
		}
	}
}

// MatchesAny reports whether any subscribed topic is a prefix of topic,
// the rule event_cast uses to decide whether to deliver.
func (s *Set) MatchesAny(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, prefix := range s.topics {
		if len(topic) >= len(prefix) && topic[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Topics returns a snapshot of the currently subscribed prefixes, in
// insertion order.
func (s *Set) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}
