package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthud/agenthud/internal/transcript"
)

// Store is the registry of live session records, keyed by session ID, plus
// the per-file read-offset bookkeeping and the outbox of pending
// synchronization state. All methods are safe for concurrent use; in
// practice one watcher goroutine mutates and one sync loop drains.
type Store struct {
	mu          sync.Mutex
	logger      *slog.Logger
	maxSessions int

	sessions map[string]*Session
	offsets  map[string]int64
	pending  *outbox
	now      func() time.Time // test hook
}

// NewStore creates a store that holds at most maxSessions records and at
// most maxPending undelivered change/removal notices.
func NewStore(maxSessions, maxPending int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:      logger,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		offsets:     make(map[string]int64),
		pending:     newOutbox(maxPending),
		now:         time.Now,
	}
}

// Apply folds one decoded event into the session it references, creating
// the record on first sight. A session that reappears under a different
// file is recreated there, not migrated.
func (st *Store) Apply(filePath string, ev *transcript.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, existed := st.sessions[ev.SessionID]
	if !existed || s.FilePath != filePath {
		if !existed {
			st.evictOverCapLocked()
		}
		s = newSession(ev, filePath, st.now())
		st.sessions[ev.SessionID] = s
	}
	s.reduce(ev, st.now())
	st.pending.markChanged(s.ID)
}

// Get returns a deep copy of the named session.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Snapshot returns deep copies of all live sessions, most recently active
// first.
func (st *Store) Snapshot() []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Offset returns the stored read offset for a transcript file, zero when
// the file has never been read.
func (st *Store) Offset(filePath string) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.offsets[filePath]
}

// SetOffset records the byte position up to which filePath has been folded
// into session state.
func (st *Store) SetOffset(filePath string, offset int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.offsets[filePath] = offset
}

// Offsets returns a copy of the full offset map, for snapshotting.
func (st *Store) Offsets() map[string]int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]int64, len(st.offsets))
	for p, o := range st.offsets {
		out[p] = o
	}
	return out
}

// RestoreOffsets seeds the offset map, typically from a snapshot written by
// a previous run. Existing entries are kept when larger.
func (st *Store) RestoreOffsets(offsets map[string]int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for p, o := range offsets {
		if o > st.offsets[p] {
			st.offsets[p] = o
		}
	}
}

// RemoveFile drops the offset for a vanished transcript file and removes
// every session that originated from it.
func (st *Store) RemoveFile(filePath string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.offsets, filePath)
	for id, s := range st.sessions {
		if s.FilePath == filePath {
			st.removeLocked(id)
		}
	}
}

// TouchFile advances LastActivityAt for every session backed by filePath.
// Called after new bytes were consumed from the file, so an actively
// written session is never declared idle on the strength of stale embedded
// timestamps.
func (st *Store) TouchFile(filePath string, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.sessions {
		if s.FilePath == filePath && now.After(s.LastActivityAt) {
			s.LastActivityAt = now
			st.pending.markChanged(s.ID)
		}
	}
}

// SweepIdle walks all sessions whose last activity predates the quiet
// period: active ones transition to idle, already idle ones are evicted.
func (st *Store) SweepIdle(now time.Time, quiet time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := now.Add(-quiet)
	for id, s := range st.sessions {
		if s.LastActivityAt.After(cutoff) {
			continue
		}
		if s.Status == StatusIdle {
			st.removeLocked(id)
			continue
		}
		s.setStatus(StatusIdle)
		st.pending.markChanged(id)
	}
}

// evictOverCapLocked makes room for one new session by evicting the
// globally least recently active record while at capacity.
func (st *Store) evictOverCapLocked() {
	for len(st.sessions) >= st.maxSessions {
		oldestID := ""
		var oldest time.Time
		for id, s := range st.sessions {
			if oldestID == "" || s.LastActivityAt.Before(oldest) {
				oldestID = id
				oldest = s.LastActivityAt
			}
		}
		if oldestID == "" {
			return
		}
		st.logger.Warn("session cap reached, evicting least recently active",
			"session", oldestID, "last_activity", oldest)
		st.removeLocked(oldestID)
	}
}

func (st *Store) removeLocked(id string) {
	delete(st.sessions, id)
	if !st.pending.markRemoved(id) {
		st.logger.Warn("pending-change cap reached, dropping removal notice",
			"session", id)
	}
}

// Batch is one drained unit of pending synchronization state.
type Batch struct {
	ID      string
	Changed []*Session // deep copies, detached from the store
	Removed []string   // session IDs whose records are gone
}

// Empty reports whether the batch carries nothing to deliver.
func (b Batch) Empty() bool {
	return len(b.Changed) == 0 && len(b.Removed) == 0
}

// Drain atomically collects and clears the pending changed and removed
// sets. Changed sessions are returned as deep copies; an ID that changed
// but has since been evicted is reported as removed instead.
func (st *Store) Drain() Batch {
	st.mu.Lock()
	defer st.mu.Unlock()

	changed, removed := st.pending.drain()
	b := Batch{ID: uuid.New().String(), Removed: removed}
	for _, id := range changed {
		if s, ok := st.sessions[id]; ok {
			b.Changed = append(b.Changed, s.Clone())
		} else {
			b.Removed = append(b.Removed, id)
		}
	}
	return b
}

// Requeue hands a batch whose delivery failed back for a later drain. The
// batch is merged as a whole rather than retried entry by entry; entries
// beyond the pending cap are dropped with a warning.
func (st *Store) Requeue(b Batch) {
	st.mu.Lock()
	defer st.mu.Unlock()

	changed := make([]string, 0, len(b.Changed))
	for _, s := range b.Changed {
		changed = append(changed, s.ID)
	}
	if dropped := st.pending.requeue(changed, b.Removed); dropped > 0 {
		st.logger.Warn("pending-change cap reached during requeue",
			"batch", b.ID, "dropped", dropped)
	}
}
