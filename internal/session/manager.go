package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// cleanupInterval is how often idle sessions are swept.
const cleanupInterval = time.Minute

// Manager owns the live sessions of the process: creation, lookup, explicit
// close and idle expiry.
type Manager struct {
	deps    Deps
	idleTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stopCleaner chan struct{}
	cleanerDone chan struct{}
}

// NewManager creates a session manager. A non-positive idleTTL disables
// expiry.
func NewManager(deps Deps, idleTTL time.Duration) *Manager {
	return &Manager{
		deps:        deps,
		idleTTL:     idleTTL,
		sessions:    make(map[string]*Session),
		stopCleaner: make(chan struct{}),
		cleanerDone: make(chan struct{}),
	}
}

// Start launches the idle-session cleaner.
func (m *Manager) Start() {
	go m.cleanupLoop()
	log.Printf("[Sessions] manager started (idle TTL %v)", m.idleTTL)
}

// Stop halts the cleaner and closes every live session.
func (m *Manager) Stop() {
	close(m.stopCleaner)
	<-m.cleanerDone

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
	log.Printf("[Sessions] manager stopped")
}

// Create opens a new session. A non-empty deepLink naming a catalog dataset
// initializes the session as if the user had selected it; an unknown label is
// ignored and the session starts empty.
func (m *Manager) Create(ctx context.Context, deepLink string) *Session {
	s := newSession(uuid.NewString(), m.deps)

	if deepLink != "" {
		if _, ok := m.deps.catalogEntry(deepLink); ok {
			if err := s.SelectDataset(ctx, deepLink); err != nil {
				log.Printf("[Sessions] deep-link load of %q failed: %v", deepLink, err)
			}
		} else {
			log.Printf("[Sessions] ignoring unknown deep-link dataset %q", deepLink)
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	log.Printf("[Sessions] created session %s (%d live)", s.ID, n)
	return s
}

// Get looks up a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close removes a session, stopping its debounce timers. Returns false when
// the session does not exist.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	log.Printf("[Sessions] closed session %s", id)
	return true
}

func (m *Manager) cleanupLoop() {
	defer close(m.cleanerDone)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.expireIdle()
		case <-m.stopCleaner:
			return
		}
	}
}

func (m *Manager) expireIdle() {
	if m.idleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
		log.Printf("[Sessions] expired idle session %s", s.ID)
	}
}
