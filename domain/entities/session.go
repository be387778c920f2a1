package entities

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState represents where a session is in its lifecycle.
type SessionState string

const (
	SessionStateConnecting   SessionState = "connecting"
	SessionStateActive       SessionState = "active"
	SessionStateReconnecting SessionState = "reconnecting"
	SessionStateDraining     SessionState = "draining"
	SessionStateClosed       SessionState = "closed"
)

// sessionTransitions lists the allowed lifecycle transitions. Reconnecting
// is reachable only from Active: a session that loses transport while
// draining is closed instead, since the client was stopping anyway.
var sessionTransitions = map[SessionState][]SessionState{
	SessionStateConnecting:   {SessionStateActive, SessionStateClosed},
	SessionStateActive:       {SessionStateReconnecting, SessionStateDraining, SessionStateClosed},
	SessionStateReconnecting: {SessionStateActive, SessionStateClosed},
	SessionStateDraining:     {SessionStateClosed},
	SessionStateClosed:       {},
}

// InvalidTransitionError reports a lifecycle change the session state
// machine does not allow.
type InvalidTransitionError struct {
	From SessionState
	To   SessionState
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// Session is one logical client<->server binding. It survives transport
// loss for a grace period, so its mutable state is guarded: the read pump,
// the pipeline workers and the grace reaper all touch it.
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time

	mu             sync.RWMutex
	state          SessionState
	lastActiveAt   time.Time
	disconnectedAt time.Time
	nextSeq        uint64
	lastUtterance  UtteranceID
	pending        map[UtteranceID]TaskStage
}

// NewSession creates a session in the Connecting state.
func NewSession(id uuid.UUID) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		state:        SessionStateConnecting,
		lastActiveAt: now,
		pending:      make(map[UtteranceID]TaskStage),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Transition moves the session to the given state. Closed is terminal and
// releases the pending-utterance mapping.
func (s *Session) Transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range sessionTransitions[s.state] {
		if allowed != to {
			continue
		}
		s.state = to
		s.lastActiveAt = time.Now()
		switch to {
		case SessionStateReconnecting:
			s.disconnectedAt = time.Now()
		case SessionStateClosed:
			s.pending = nil
		default:
			s.disconnectedAt = time.Time{}
		}
		return nil
	}
	return &InvalidTransitionError{From: s.state, To: to}
}

// AcceptingUtterances reports whether new utterances may still be opened.
func (s *Session) AcceptingUtterances() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == SessionStateActive
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = time.Now()
}

// IdleFor reports whether the session has seen no activity for at least d.
func (s *Session) IdleFor(d time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActiveAt) >= d
}

// GraceExpired reports whether a reconnecting session has been without
// transport longer than the grace period.
func (s *Session) GraceExpired(grace time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == SessionStateReconnecting && time.Since(s.disconnectedAt) > grace
}

// CheckSequence advances the expected inbound sequence number and returns a
// SequenceGapError when chunks were skipped. The stream never stalls on a
// gap; the error is for reporting only.
func (s *Session) CheckSequence(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	expected := s.nextSeq
	s.nextSeq = seq + 1
	s.lastActiveAt = time.Now()
	if seq != expected {
		return &SequenceGapError{Expected: expected, Got: seq}
	}
	return nil
}

// OpenUtterance registers a newly started utterance, enforcing strictly
// increasing ids.
func (s *Session) OpenUtterance(id UtteranceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ErrSessionClosed
	}
	if id <= s.lastUtterance {
		return fmt.Errorf("utterance id %d not increasing (last issued %d)", id, s.lastUtterance)
	}
	s.lastUtterance = id
	s.pending[id] = TaskStageQueued
	return nil
}

// SetStage records the pipeline stage an utterance has reached. Terminal
// stages remove the utterance from the pending mapping.
func (s *Session) SetStage(id UtteranceID, stage TaskStage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	if stage == TaskStageDone || stage == TaskStageFailed {
		delete(s.pending, id)
		return
	}
	s.pending[id] = stage
}

// PendingCount returns the number of utterances not yet done or failed.
func (s *Session) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Pending returns the pending utterance ids in increasing order.
func (s *Session) Pending() []UtteranceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]UtteranceID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LastUtterance returns the highest utterance id observed on the session.
func (s *Session) LastUtterance() UtteranceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUtterance
}
