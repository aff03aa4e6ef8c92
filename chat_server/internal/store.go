package internal

import (
	"sync"

	"chatrelay/tools/logging"
)

// MessageStore keeps the chat history and the roster of sessions with their liveness.
// All methods are safe for concurrent use; the lock is never held across network I/O.
type MessageStore struct {
	mu       sync.Mutex
	history  []string
	roster   []*Session
	liveness map[*Session]bool
	logger   *logging.Logger
}

// NewMessageStore creates an empty store.
func NewMessageStore(logger *logging.Logger) *MessageStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &MessageStore{
		history:  make([]string, 0, 64),
		liveness: make(map[*Session]bool),
		logger:   logger,
	}
}

// Append adds line to the end of the history.
func (m *MessageStore) Append(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, line)
}

// LastLine returns the most recently appended line, or ErrEmptyStore.
func (m *MessageStore) LastLine() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return "", ErrEmptyStore
	}
	return m.history[len(m.history)-1], nil
}

// Len returns the number of lines in the history.
func (m *MessageStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// Publish appends line and returns the sessions live at that moment, in registration order.
// A session joining afterwards gets line from Join instead, never from both.
func (m *MessageStore) Publish(line string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, line)
	return m.liveSessionsLocked()
}

// Tail makes a copy of the last n lines. The first item is the oldest one.
func (m *MessageStore) Tail(n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tailLocked(n)
}

func (m *MessageStore) tailLocked(n int) []string {
	if n <= 0 || len(m.history) == 0 {
		return []string{}
	}
	if n > len(m.history) {
		n = len(m.history)
	}
	tail := make([]string, n)
	copy(tail, m.history[len(m.history)-n:])
	return tail
}

// AddSession registers s as live. Adding a known session again is a no-op.
func (m *MessageStore) AddSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addSessionLocked(s)
}

// Join queues the last n lines on s and registers it as live in one step.
// Together with Publish this hands every line to s exactly once and in history order.
func (m *MessageStore) Join(s *Session, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, line := range m.tailLocked(n) {
		// outbox overflow truncates the replay
		if s.Deliver(line) != nil {
			break
		}
	}
	m.addSessionLocked(s)
}

func (m *MessageStore) addSessionLocked(s *Session) {
	if _, known := m.liveness[s]; known {
		return
	}
	m.roster = append(m.roster, s)
	m.liveness[s] = true
	m.logger.Info("new connection", logging.Fields{
		"session": s.ID(),
		"remote":  s.RemoteAddr(),
		"live":    m.liveCountLocked(),
	})
}

// MarkInactive flips the liveness of s to false.
// It reports whether the flip happened; marking an inactive or unknown session is a no-op.
func (m *MessageStore) MarkInactive(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live, known := m.liveness[s]; !known || !live {
		return false
	}
	m.liveness[s] = false
	m.logger.Info("connection removed", logging.Fields{
		"session": s.ID(),
		"name":    s.Name(),
		"live":    m.liveCountLocked(),
	})
	return true
}

// Forget drops an inactive session from the roster. Live sessions are kept.
func (m *MessageStore) Forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if live, known := m.liveness[s]; !known || live {
		return
	}
	delete(m.liveness, s)
	for i, candidate := range m.roster {
		if candidate == s {
			m.roster = append(m.roster[:i], m.roster[i+1:]...)
			break
		}
	}
}

// LiveCount counts sessions currently marked live.
func (m *MessageStore) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountLocked()
}

// LiveSessions returns the live sessions in registration order.
func (m *MessageStore) LiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveSessionsLocked()
}

func (m *MessageStore) liveSessionsLocked() []*Session {
	live := make([]*Session, 0, len(m.roster))
	for _, s := range m.roster {
		if m.liveness[s] {
			live = append(live, s)
		}
	}
	return live
}

func (m *MessageStore) liveCountLocked() int {
	count := 0
	for _, live := range m.liveness {
		if live {
			count++
		}
	}
	return count
}
