// Package session tracks the lifecycle and health of one worker's browser identity.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

// Limits bound a session's useful life.
type Limits struct {
	MaxAge                 time.Duration
	MaxIdle                time.Duration
	MaxConsecutiveFailures int
	MaxChallengeAttempts   int
	DoubleChallengeWindow  time.Duration
}

// LimitsFromConfig maps the session configuration section onto Limits.
func LimitsFromConfig(cfg config.SessionConfig) Limits {
	return Limits{
		MaxAge:                 cfg.MaxAge,
		MaxIdle:                cfg.MaxIdle,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		MaxChallengeAttempts:   cfg.MaxChallengeAttempts,
		DoubleChallengeWindow:  cfg.DoubleChallengeWindow,
	}
}

// State is one session's mutable lifecycle record. It is owned by a single
// worker; the mutex only guards concurrent Snapshot reads from status reporting.
type State struct {
	mu sync.Mutex

	id          string
	role        schemas.Role
	workerIndex int
	limits      Limits
	clock       schemas.Clock

	createdAt             time.Time
	lastActivityAt        time.Time
	lastChallengeSolvedAt time.Time

	health            schemas.Health
	failures          int
	consecutiveErrors int
	solveCount        int

	// solvedInFlow is set by a solve and cleared when the worker moves to a new flow.
	solvedInFlow    bool
	inChallengeFlow bool
	poisonReason    string
	lastError       string
}

// New creates a Clean session.
func New(role schemas.Role, workerIndex int, limits Limits, clock schemas.Clock) *State {
	now := clock.Now()
	return &State{
		id:             fmt.Sprintf("%s-%d-%s", strings.ToLower(string(role)), workerIndex, uuid.NewString()[:8]),
		role:           role,
		workerIndex:    workerIndex,
		limits:         limits,
		clock:          clock,
		createdAt:      now,
		lastActivityAt: now,
		health:         schemas.HealthClean,
	}
}

func (s *State) ID() string           { return s.id }
func (s *State) Role() schemas.Role   { return s.role }
func (s *State) WorkerIndex() int     { return s.workerIndex }
func (s *State) CreatedAt() time.Time { return s.createdAt }

// InChallengeFlow reports whether a challenge is being worked on right now.
func (s *State) InChallengeFlow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inChallengeFlow
}

// Health returns the current rung of the health ladder.
func (s *State) Health() schemas.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Touch records activity: the idle clock restarts and the error streak ends.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

func (s *State) touchLocked() {
	s.lastActivityAt = s.clock.Now()
	s.consecutiveErrors = 0
}

// RecordFailure counts a failure and escalates health from the error streak.
// Health never improves here.
func (s *State) RecordFailure(reason string) schemas.Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.consecutiveErrors++
	s.lastError = reason

	derived := schemas.HealthWarning
	switch {
	case s.consecutiveErrors >= s.limits.MaxConsecutiveFailures:
		derived = schemas.HealthPoisoned
		if s.poisonReason == "" {
			s.poisonReason = "consecutive failures: " + reason
		}
	case s.consecutiveErrors >= 2:
		derived = schemas.HealthDegraded
	}
	s.worsen(derived)
	return s.health
}

func (s *State) worsen(h schemas.Health) {
	if h.WorseThan(s.health) {
		s.health = h
	}
}

// StartChallengeFlow marks that the worker is about to solve a challenge.
func (s *State) StartChallengeFlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inChallengeFlow = true
	s.touchLocked()
}

// RecordChallengeSolved counts a solve and remembers when it happened.
func (s *State) RecordChallengeSolved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.solveCount++
	s.lastChallengeSolvedAt = now
	s.solvedInFlow = true
	s.inChallengeFlow = false
	s.touchLocked()
}

// ResetForNewFlow is called when the worker deliberately advances to another
// page. A challenge seen after this point is not a double challenge.
func (s *State) ResetForNewFlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solvedInFlow = false
	s.inChallengeFlow = false
	s.touchLocked()
}

// CheckDoubleChallenge is called when a challenge gate is detected. If a
// challenge was already solved in this flow within the window, the server has
// thrown away the earlier progress and the session is poisoned.
func (s *State) CheckDoubleChallenge() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.solvedInFlow {
		return false
	}
	if s.clock.Now().Sub(s.lastChallengeSolvedAt) >= s.limits.DoubleChallengeWindow {
		return false
	}
	s.poisonLocked("double challenge")
	return true
}

// MarkBounce poisons the session after the server silently sent it back a stage.
func (s *State) MarkBounce(expected, observed schemas.PageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisonLocked(fmt.Sprintf("bounce: expected %s, got %s", expected, observed))
}

// MarkBlackImage poisons the session after a blank challenge image.
func (s *State) MarkBlackImage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisonLocked("black challenge image")
}

// Poison marks the session unusable for reason.
func (s *State) Poison(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisonLocked(reason)
}

func (s *State) poisonLocked(reason string) {
	if s.health != schemas.HealthPoisoned {
		s.poisonReason = reason
	}
	s.health = schemas.HealthPoisoned
}

// SoftRecover forgives one failure and improves health by one step. It is the
// only path that improves health; a poisoned session stays poisoned.
func (s *State) SoftRecover() schemas.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
	}
	switch s.health {
	case schemas.HealthDegraded:
		s.health = schemas.HealthWarning
	case schemas.HealthWarning:
		s.health = schemas.HealthClean
	}
	s.touchLocked()
	return s.health
}

// IsExpired reports whether the session is too old or has been idle too long.
func (s *State) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiredLocked(s.clock.Now())
}

func (s *State) expiredLocked(now time.Time) bool {
	return now.Sub(s.createdAt) > s.limits.MaxAge || now.Sub(s.lastActivityAt) > s.limits.MaxIdle
}

// ShouldTerminate is the single gate consulted before any further navigation.
func (s *State) ShouldTerminate() bool {
	return s.TerminationReason() != ""
}

// TerminationReason explains why ShouldTerminate is true, or returns "".
func (s *State) TerminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	switch {
	case now.Sub(s.createdAt) > s.limits.MaxAge:
		return "max age exceeded"
	case now.Sub(s.lastActivityAt) > s.limits.MaxIdle:
		return "idle too long"
	case s.failures >= s.limits.MaxConsecutiveFailures:
		return "too many failures"
	case s.health == schemas.HealthPoisoned:
		if s.poisonReason != "" {
			return "poisoned: " + s.poisonReason
		}
		return "poisoned"
	case s.solveCount > s.limits.MaxChallengeAttempts:
		return "challenge attempts exhausted"
	}
	return ""
}

// Snapshot returns a consistent read-only copy of the state.
func (s *State) Snapshot() schemas.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	return schemas.SessionSnapshot{
		ID:                    s.id,
		Role:                  s.role,
		WorkerIndex:           s.workerIndex,
		Health:                s.health,
		Age:                   now.Sub(s.createdAt),
		Idle:                  now.Sub(s.lastActivityAt),
		Failures:              s.failures,
		ConsecutiveErrors:     s.consecutiveErrors,
		ChallengeSolveCount:   s.solveCount,
		LastChallengeSolvedAt: s.lastChallengeSolvedAt,
	}
}

// LastError returns the most recent failure reason.
func (s *State) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
