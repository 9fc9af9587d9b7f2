package treesrv

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/treemirror/internal/memtree"
)

var (
	ErrSessionBusy    = errors.New("treesrv: session attached to another socket")
	ErrUnknownSession = errors.New("treesrv: unknown session")
)

type sessionEntry struct {
	id       string
	sess     *memtree.Session
	attached bool
	expiry   *time.Timer
}

// sessionStore keeps socket sessions alive for a grace period after their socket drops.
type sessionStore struct {
	tree  *memtree.Tree
	grace time.Duration

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

func newSessionStore(tree *memtree.Tree, grace time.Duration) *sessionStore {
	return &sessionStore{
		tree:    tree,
		grace:   grace,
		entries: make(map[string]*sessionEntry),
	}
}

// attach resumes id or starts a new session. resumed is false when id was empty
// or already expired.
func (s *sessionStore) attach(id string) (e *sessionEntry, resumed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok && id != "" {
		if e.attached {
			return nil, false, ErrSessionBusy
		}
		if e.expiry != nil {
			e.expiry.Stop()
			e.expiry = nil
		}
		e.sess.Reconnect()
		e.attached = true
		slog.Debug("treesrv session resumed", "session", e.id)
		return e, true, nil
	}

	e = &sessionEntry{
		id:       uuid.NewString(),
		sess:     s.tree.NewSession(),
		attached: true,
	}
	s.entries[e.id] = e
	slog.Debug("treesrv session created", "session", e.id, "tree", e.sess.ID(), "requested", id)
	return e, false, nil
}

// detach disconnects the session and expires it unless it is resumed in time.
func (s *sessionStore) detach(e *sessionEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.id]; !ok || !e.attached {
		return
	}
	e.attached = false
	e.sess.Disconnect()
	e.expiry = time.AfterFunc(s.grace, func() { s.expire(e.id) })
}

func (s *sessionStore) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.attached {
		return
	}
	delete(s.entries, id)
	e.sess.Expire()
	slog.Info("treesrv session expired", "session", id)
}

// close ends a session for good, whether attached or not.
func (s *sessionStore) close(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return ErrUnknownSession
	}
	delete(s.entries, id)
	if e.expiry != nil {
		e.expiry.Stop()
	}
	return e.sess.Close()
}

func (s *sessionStore) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.expiry != nil {
			e.expiry.Stop()
		}
		_ = e.sess.Close()
		delete(s.entries, id)
	}
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
