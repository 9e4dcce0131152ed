// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package registry holds the authoritative in-memory state for live
// replay sessions: metadata, a bounded ordered event buffer, and
// accumulated errors. The registry is the single owner of session
// mutation; the connection hub drives it from inbound frames and
// subscribes to its lifecycle notifications, and every mutation is
// mirrored to the store through the write-behind batch sink.
//
// Registry methods never block on I/O. Lifecycle notifications are
// delivered after all locks are released, so an Emitter implementation
// may call back into the registry.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/metrics"
	"github.com/sessionreplay/relay/internal/models"
)

var (
	// ErrUnknownSession is returned when an operation names a session the
	// registry does not hold.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionEnded is returned when events arrive for a session that
	// has been marked inactive.
	ErrSessionEnded = errors.New("session has ended")
)

// Emitter receives session lifecycle notifications. The connection hub
// implements it to fan changes out to viewers. Calls are made after the
// registry has released its locks and are ordered per session.
type Emitter interface {
	SessionStarted(summary models.SessionSummary)
	SessionEnded(sessionID string)
	EventsAdded(sessionID string, events []json.RawMessage)
	ErrorAdded(sessionID string, kind string, data json.RawMessage)
}

// BatchSink is the write-behind queue the registry persists through.
// *batcher.Batcher satisfies it.
type BatchSink interface {
	Enqueue(batch *models.Batch) error
}

// liveSession pairs a Session with its own lock and the connection that
// established it. Per-session locking keeps high-rate trackers from
// contending with each other; the map lock is only held for lookups.
type liveSession struct {
	mu      sync.Mutex
	owner   uint64
	trimmed bool
	session models.Session
}

// Registry is the in-memory session table.
type Registry struct {
	emitter   Emitter
	sink      BatchSink
	maxEvents int

	mu       sync.RWMutex
	sessions map[string]*liveSession

	totalEvents atomic.Int64
}

// New creates a Registry. maxEvents caps the per-session in-memory
// buffer; when an append pushes the buffer past the cap it is trimmed
// to the most recent maxEvents/2 entries.
func New(emitter Emitter, sink BatchSink, maxEvents int) (*Registry, error) {
	if emitter == nil {
		return nil, fmt.Errorf("emitter required")
	}
	if sink == nil {
		return nil, fmt.Errorf("batch sink required")
	}
	if maxEvents < 2 {
		return nil, fmt.Errorf("max events must be at least 2, got %d", maxEvents)
	}
	return &Registry{
		emitter:   emitter,
		sink:      sink,
		maxEvents: maxEvents,
		sessions:  make(map[string]*liveSession),
	}, nil
}

// Create establishes a session for the tracker connection clientID. If
// sessionID is already held by a different connection's active session,
// a fresh ID is minted instead and reassigned=true is returned; the hub
// relays the replacement to the tracker via session_assigned. Starting
// an ended session with the same ID re-activates it in place, and a
// repeated start from the owning connection refreshes metadata without
// duplicating state.
func (r *Registry) Create(clientID uint64, sessionID, userID string, metadata json.RawMessage) (string, bool) {
	now := time.Now()
	reassigned := false

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		existing.mu.Lock()
		conflict := existing.session.IsActive && existing.owner != clientID
		existing.mu.Unlock()
		if conflict {
			sessionID = mintSessionID()
			reassigned = true
			metrics.SessionIDConflicts.Inc()
		}
	}

	ls, ok := r.sessions[sessionID]
	if !ok {
		ls = &liveSession{session: models.Session{
			SessionID: sessionID,
			CreatedAt: now,
		}}
		r.sessions[sessionID] = ls
	}

	// Activate before releasing the map lock so a concurrent Create
	// for the same ID always sees ownership in its conflict check.
	ls.mu.Lock()
	ls.owner = clientID
	ls.session.UserID = userID
	ls.session.Metadata = metadata
	ls.session.IsActive = true
	ls.session.StartTime = now
	ls.session.LastActivity = now
	ls.session.UpdatedAt = now
	summary := summarize(&ls.session)
	ls.mu.Unlock()
	r.mu.Unlock()

	r.updateGauges()
	if reassigned {
		logging.Info().
			Str("session_id", sessionID).
			Uint64("client_id", clientID).
			Msg("session ID conflict resolved by reassignment")
	} else {
		logging.Debug().Str("session_id", sessionID).Str("user_id", userID).Msg("session started")
	}

	r.enqueue(&models.Batch{
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
		IsActive:  true,
	})
	r.emitter.SessionStarted(summary)
	return sessionID, reassigned
}

// AppendEvents appends events to an active session in arrival order and
// enqueues them for persistence. When the buffer grows past the cap it
// is trimmed to the most recent half of the cap; persistence is
// unaffected because the batch carries the new events before trimming.
func (r *Registry) AppendEvents(sessionID string, events []json.RawMessage) error {
	if len(events) == 0 {
		return nil
	}

	ls, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	ls.mu.Lock()
	if !ls.session.IsActive {
		ls.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionEnded, sessionID)
	}
	ls.session.Events = append(ls.session.Events, events...)
	if len(ls.session.Events) > r.maxEvents {
		keep := r.maxEvents / 2
		trimmed := len(ls.session.Events) - keep
		ls.session.Events = append([]json.RawMessage(nil), ls.session.Events[len(ls.session.Events)-keep:]...)
		ls.trimmed = true
		metrics.EventsTrimmedTotal.Add(float64(trimmed))
		logging.Warn().
			Str("session_id", sessionID).
			Int("trimmed", trimmed).
			Int("retained", keep).
			Msg("event buffer exceeded cap, trimmed to most recent half")
	}
	now := time.Now()
	ls.session.LastActivity = now
	ls.session.UpdatedAt = now
	userID := ls.session.UserID
	metadata := ls.session.Metadata
	ls.mu.Unlock()

	r.totalEvents.Add(int64(len(events)))

	r.enqueue(&models.Batch{
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
		IsActive:  true,
		Events:    events,
	})
	r.emitter.EventsAdded(sessionID, events)
	return nil
}

// AppendError records a client-reported error. kind distinguishes the
// wire origin (error, javascript_error, promise_rejection) and is passed
// through to viewers.
func (r *Registry) AppendError(sessionID, kind string, data json.RawMessage) error {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	ls.mu.Lock()
	ls.session.Errors = append(ls.session.Errors, data)
	now := time.Now()
	ls.session.LastActivity = now
	ls.session.UpdatedAt = now
	userID := ls.session.UserID
	metadata := ls.session.Metadata
	active := ls.session.IsActive
	ls.mu.Unlock()

	r.enqueue(&models.Batch{
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
		IsActive:  active,
		Errors:    []json.RawMessage{data},
	})
	r.emitter.ErrorAdded(sessionID, kind, data)
	return nil
}

// End marks a session inactive. Ending is idempotent; a second End is a
// no-op without notification. The session stays in memory until the
// cleanup pass evicts it so viewers can still page its buffer.
func (r *Registry) End(sessionID string) error {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	ls.mu.Lock()
	if !ls.session.IsActive {
		ls.mu.Unlock()
		return nil
	}
	ls.session.IsActive = false
	now := time.Now()
	ls.session.LastActivity = now
	ls.session.UpdatedAt = now
	userID := ls.session.UserID
	metadata := ls.session.Metadata
	ls.mu.Unlock()

	r.updateGauges()
	logging.Debug().Str("session_id", sessionID).Msg("session ended")

	r.enqueue(&models.Batch{
		SessionID: sessionID,
		UserID:    userID,
		Metadata:  metadata,
		IsActive:  false,
	})
	r.emitter.SessionEnded(sessionID)
	return nil
}

// Heartbeat refreshes lastActivity without emitting notifications.
func (r *Registry) Heartbeat(sessionID string) error {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	ls.mu.Lock()
	ls.session.LastActivity = time.Now()
	ls.mu.Unlock()
	return nil
}

// GetEvents returns a page of the current in-memory buffer along with
// the buffered total, whether the buffer has ever been trimmed, and
// whether the session exists. fromIndex indexes the current buffer;
// once trimmed=true the buffer no longer covers the full stream and
// callers needing history must read the store instead.
func (r *Registry) GetEvents(sessionID string, fromIndex, limit int) (events []json.RawMessage, total int, trimmed, ok bool) {
	ls, found := r.lookup(sessionID)
	if !found {
		return nil, 0, false, false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	total = len(ls.session.Events)
	trimmed = ls.trimmed
	if fromIndex < 0 || fromIndex >= total || limit <= 0 {
		return []json.RawMessage{}, total, trimmed, true
	}
	end := fromIndex + limit
	if end > total {
		end = total
	}
	page := make([]json.RawMessage, end-fromIndex)
	copy(page, ls.session.Events[fromIndex:end])
	return page, total, trimmed, true
}

// Summary returns a snapshot of one session, or false if unknown.
func (r *Registry) Summary(sessionID string) (models.SessionSummary, bool) {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return models.SessionSummary{}, false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return summarize(&ls.session), true
}

// ActiveSessions returns summaries of all active sessions, newest
// activity first.
func (r *Registry) ActiveSessions() []models.SessionSummary {
	r.mu.RLock()
	live := make([]*liveSession, 0, len(r.sessions))
	for _, ls := range r.sessions {
		live = append(live, ls)
	}
	r.mu.RUnlock()

	summaries := make([]models.SessionSummary, 0, len(live))
	for _, ls := range live {
		ls.mu.Lock()
		if ls.session.IsActive {
			summaries = append(summaries, summarize(&ls.session))
		}
		ls.mu.Unlock()
	}
	sortSummaries(summaries)
	return summaries
}

// Counts returns the number of sessions in memory and how many of them
// are active.
func (r *Registry) Counts() (live, active int) {
	r.mu.RLock()
	snapshot := make([]*liveSession, 0, len(r.sessions))
	for _, ls := range r.sessions {
		snapshot = append(snapshot, ls)
	}
	r.mu.RUnlock()

	live = len(snapshot)
	for _, ls := range snapshot {
		ls.mu.Lock()
		if ls.session.IsActive {
			active++
		}
		ls.mu.Unlock()
	}
	return live, active
}

// TotalEvents returns the monotonic count of events accepted since
// startup. Trimming does not decrease it.
func (r *Registry) TotalEvents() int64 {
	return r.totalEvents.Load()
}

// Evict removes inactive sessions whose last activity is older than
// maxIdleAge and returns how many were removed. Active sessions are
// never evicted regardless of age.
func (r *Registry) Evict(maxIdleAge time.Duration) int {
	cutoff := time.Now().Add(-maxIdleAge)

	r.mu.RLock()
	candidates := make(map[string]*liveSession, len(r.sessions))
	for id, ls := range r.sessions {
		candidates[id] = ls
	}
	r.mu.RUnlock()

	var stale []string
	for id, ls := range candidates {
		ls.mu.Lock()
		if !ls.session.IsActive && ls.session.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
		ls.mu.Unlock()
	}
	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	for _, id := range stale {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	r.updateGauges()
	logging.Info().Int("evicted", len(stale)).Msg("evicted idle sessions from memory")
	return len(stale)
}

func (r *Registry) lookup(sessionID string) (*liveSession, bool) {
	r.mu.RLock()
	ls, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return ls, ok
}

func (r *Registry) enqueue(batch *models.Batch) {
	if err := r.sink.Enqueue(batch); err != nil {
		logging.Error().Err(err).Str("session_id", batch.SessionID).Msg("failed to enqueue batch")
	}
}

func (r *Registry) updateGauges() {
	live, active := r.Counts()
	metrics.SessionsLive.Set(float64(live))
	metrics.SessionsActive.Set(float64(active))
}

func summarize(s *models.Session) models.SessionSummary {
	return models.SessionSummary{
		SessionID:  s.SessionID,
		UserID:     s.UserID,
		Metadata:   s.Metadata,
		IsActive:   s.IsActive,
		EventCount: len(s.Events),
		ErrorCount: len(s.Errors),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

func sortSummaries(summaries []models.SessionSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
}

// mintSessionID synthesizes a replacement session ID from a monotonic
// timestamp and a random nonce.
func mintSessionID() string {
	return fmt.Sprintf("session-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
