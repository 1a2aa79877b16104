package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/vendo-server/vendo-server-pro/internal/models"
)

// Ledger is the authoritative in-memory map of MAC to client session. It is
// the single place session mutations are serialized: one lock per MAC, so
// concurrent payment events for the same client cannot interleave and lose
// an increment, while distinct clients never block on each other.
//
// Every method returns detached snapshots; callers never see live rows.
type Ledger struct {
	mu      sync.RWMutex
	entries map[models.MAC]*ledgerEntry
}

type ledgerEntry struct {
	mu      sync.Mutex
	session *models.ClientSession
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[models.MAC]*ledgerEntry)}
}

// Seed loads persisted sessions at startup. The live ledger wins over the
// store for the rest of the process lifetime.
func (l *Ledger) Seed(sessions []*models.ClientSession) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range sessions {
		l.entries[s.MAC] = &ledgerEntry{session: s.Clone()}
	}
}

// getOrCreate returns the entry for a MAC, creating a Pending session row
// if none exists
func (l *Ledger) getOrCreate(mac models.MAC) *ledgerEntry {
	l.mu.RLock()
	e, ok := l.entries[mac]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok = l.entries[mac]; ok {
		return e
	}

	e = &ledgerEntry{session: &models.ClientSession{
		MAC:       mac,
		State:     models.SessionPending,
		CreatedAt: time.Now(),
	}}
	l.entries[mac] = e
	return e
}

func (l *Ledger) get(mac models.MAC) (*ledgerEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[mac]
	return e, ok
}

// Credit adds purchased time to a session, always additively. Duplicate
// hardware pulses are the caller's concern; each call is one unit of
// credit. Expired and disconnected sessions are re-admitted with the new
// balance while totalPaid keeps accumulating. A paused session banks the
// time but stays paused until an explicit resume.
func (l *Ledger) Credit(mac models.MAC, ip string, seconds int64, dlLimit, ulLimit int, paid int64) *models.ClientSession {
	e := l.getOrCreate(mac)

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	now := time.Now()

	s.RemainingSeconds += seconds
	s.TotalPaid += paid
	s.LastCreditAt = &now
	if ip != "" {
		s.IP = ip
	}

	if !s.LimitOverride {
		s.DownloadLimit = dlLimit
		s.UploadLimit = ulLimit
	}

	if s.State != models.SessionPaused {
		s.State = models.SessionActive
	}

	return s.Clone()
}

// Pause freezes a session's countdown. Pausing an already-paused session
// is a no-op returning the current state.
func (l *Ledger) Pause(mac models.MAC) (*models.ClientSession, error) {
	e, ok := l.get(mac)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s.State == models.SessionActive {
		now := time.Now()
		s.State = models.SessionPaused
		s.PausedAt = &now
	}

	return s.Clone(), nil
}

// Resume reactivates a paused session. Resuming a session that is not
// paused is a no-op returning the current state.
func (l *Ledger) Resume(mac models.MAC) (*models.ClientSession, error) {
	e, ok := l.get(mac)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s.State == models.SessionPaused {
		s.PausedAt = nil
		if s.RemainingSeconds > 0 {
			s.State = models.SessionActive
		} else {
			s.State = models.SessionExpired
		}
	}

	return s.Clone(), nil
}

// SessionEdit is an administrator's direct session edit. It bypasses rate
// resolution but goes through the same serialized mutator.
type SessionEdit struct {
	CustomName    *string
	ExtraSeconds  *int64
	DownloadLimit *int
	UploadLimit   *int
}

// Edit applies an admin edit to a session. Setting either bandwidth limit
// marks the session overridden so later credits stop re-resolving limits.
func (l *Ledger) Edit(mac models.MAC, edit SessionEdit) (*models.ClientSession, error) {
	e, ok := l.get(mac)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session

	if edit.CustomName != nil {
		s.CustomName = *edit.CustomName
	}
	if edit.DownloadLimit != nil {
		s.DownloadLimit = *edit.DownloadLimit
		s.LimitOverride = true
	}
	if edit.UploadLimit != nil {
		s.UploadLimit = *edit.UploadLimit
		s.LimitOverride = true
	}
	if edit.ExtraSeconds != nil {
		s.RemainingSeconds += *edit.ExtraSeconds
		if s.RemainingSeconds < 0 {
			s.RemainingSeconds = 0
		}
	}

	// Re-derive the state from the balance, leaving paused sessions paused
	if s.State != models.SessionPaused {
		if s.RemainingSeconds > 0 {
			s.State = models.SessionActive
		} else if s.State == models.SessionActive {
			s.State = models.SessionExpired
		}
	}

	return s.Clone(), nil
}

// Disconnect marks a session disconnected, preserving its balance. A later
// credit re-admits it.
func (l *Ledger) Disconnect(mac models.MAC) (*models.ClientSession, error) {
	e, ok := l.get(mac)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.State = models.SessionDisconnected
	return e.session.Clone(), nil
}

// Delete removes a session row entirely
func (l *Ledger) Delete(mac models.MAC) (*models.ClientSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[mac]
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	snapshot := e.session.Clone()
	e.mu.Unlock()

	delete(l.entries, mac)
	return snapshot, nil
}

// Observe updates connection metadata (latest IP, hostname) without
// touching the balance. Last write wins.
func (l *Ledger) Observe(mac models.MAC, ip, hostname string) {
	e, ok := l.get(mac)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ip != "" {
		e.session.IP = ip
	}
	if hostname != "" {
		e.session.Hostname = hostname
	}
}

// Get returns a snapshot of one session
func (l *Ledger) Get(mac models.MAC) (*models.ClientSession, error) {
	e, ok := l.get(mac)
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// List returns snapshots of all sessions ordered by MAC
func (l *Ledger) List() []*models.ClientSession {
	l.mu.RLock()
	entries := make([]*ledgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	sessions := make([]*models.ClientSession, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sessions = append(sessions, e.session.Clone())
		e.mu.Unlock()
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].MAC.String() < sessions[j].MAC.String()
	})

	return sessions
}

// Age decrements every active session by elapsed seconds, transitioning
// exhausted sessions to Expired. Paused and disconnected sessions are
// never decremented. Returns snapshots of the sessions that expired on
// this pass.
func (l *Ledger) Age(elapsedSeconds int64) []*models.ClientSession {
	if elapsedSeconds <= 0 {
		return nil
	}

	l.mu.RLock()
	entries := make([]*ledgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var expired []*models.ClientSession
	for _, e := range entries {
		e.mu.Lock()
		s := e.session
		if s.State == models.SessionActive {
			s.RemainingSeconds -= elapsedSeconds
			if s.RemainingSeconds <= 0 {
				s.RemainingSeconds = 0
				s.State = models.SessionExpired
				expired = append(expired, s.Clone())
			}
		}
		e.mu.Unlock()
	}

	return expired
}
