package schemas

import "time"

// PageType is the classification of the page a worker currently looks at.
type PageType string

const (
	PageMonth         PageType = "MONTH_VIEW"
	PageDay           PageType = "DAY_VIEW"
	PageForm          PageType = "FORM_VIEW"
	PageChallengeGate PageType = "CHALLENGE_GATE"
	PageSuccess       PageType = "SUCCESS_VIEW"
	PageError         PageType = "ERROR_VIEW"
	PageUnknown       PageType = "UNKNOWN"
)

// ChallengeStatus is the typed result of decoding and validating a challenge image.
type ChallengeStatus string

const (
	ChallengeValid           ChallengeStatus = "VALID"
	ChallengeAgingMinor      ChallengeStatus = "AGING_MINOR"
	ChallengeAgingSevere     ChallengeStatus = "AGING_SEVERE"
	ChallengeTooShort        ChallengeStatus = "TOO_SHORT"
	ChallengeTooLong         ChallengeStatus = "TOO_LONG"
	ChallengeEmpty           ChallengeStatus = "EMPTY"
	ChallengeBlackImage      ChallengeStatus = "BLACK_IMAGE"
	ChallengePatternRejected ChallengeStatus = "PATTERN_REJECTED"
	ChallengeDecodeError     ChallengeStatus = "DECODE_ERROR"
	ChallengeNoImage         ChallengeStatus = "NO_IMAGE"
)

// Usable reports whether a code with this status may be submitted.
func (s ChallengeStatus) Usable() bool {
	switch s {
	case ChallengeValid, ChallengeAgingMinor, ChallengeAgingSevere:
		return true
	}
	return false
}

// ChallengeOutcome is what the challenge pipeline hands back to its caller.
type ChallengeOutcome struct {
	Code     string          `json:"code"`
	Status   ChallengeStatus `json:"status"`
	Attempts int             `json:"attempts"`
	// ImageBytes is the size of the last extracted image, zero if none was found.
	ImageBytes int `json:"image_bytes"`
	// PoisonsSession is set when the outcome proves the session is unusable.
	PoisonsSession bool `json:"poisons_session"`
}

// Solved reports whether the outcome carries a code worth submitting.
func (o ChallengeOutcome) Solved() bool {
	return o.Status.Usable() && o.Code != ""
}

// Health is the ordered health ladder of a session.
type Health string

const (
	HealthClean    Health = "CLEAN"
	HealthWarning  Health = "WARNING"
	HealthDegraded Health = "DEGRADED"
	HealthPoisoned Health = "POISONED"
)

var healthRank = map[Health]int{
	HealthClean:    0,
	HealthWarning:  1,
	HealthDegraded: 2,
	HealthPoisoned: 3,
}

// Rank returns the position of h on the ladder; higher is worse.
func (h Health) Rank() int {
	return healthRank[h]
}

// WorseThan reports whether h sits strictly below other on the ladder.
func (h Health) WorseThan(other Health) bool {
	return h.Rank() > other.Rank()
}

// Role is the job a worker performs in the coordinator.
type Role string

const (
	RoleScout    Role = "SCOUT"
	RoleAttacker Role = "ATTACKER"
)

// Mode is the operating cadence derived from the precise clock.
type Mode string

const (
	ModePatrol    Mode = "PATROL"
	ModeWarmup    Mode = "WARMUP"
	ModePreAttack Mode = "PRE_ATTACK"
	ModeAttack    Mode = "ATTACK"
)

// IncidentType classifies a recorded incident.
type IncidentType string

const (
	IncidentCaptchaFail     IncidentType = "CAPTCHA_FAIL"
	IncidentCaptchaBlack    IncidentType = "CAPTCHA_BLACK"
	IncidentSessionExpired  IncidentType = "SESSION_EXPIRED"
	IncidentSessionPoisoned IncidentType = "SESSION_POISONED"
	IncidentDoubleChallenge IncidentType = "DOUBLE_CHALLENGE"
	IncidentBounce          IncidentType = "BOUNCE"
	IncidentNavigationError IncidentType = "NAVIGATION_ERROR"
	IncidentFormRejected    IncidentType = "FORM_REJECTED"
	IncidentSlotDetected    IncidentType = "SLOT_DETECTED"
	IncidentBookingAttempt  IncidentType = "BOOKING_ATTEMPT"
	IncidentBookingSuccess  IncidentType = "BOOKING_SUCCESS"
	IncidentRebirth         IncidentType = "REBIRTH"
)

// IncidentSeverity grades an incident.
type IncidentSeverity string

const (
	SeverityInfo     IncidentSeverity = "INFO"
	SeverityWarning  IncidentSeverity = "WARNING"
	SeverityError    IncidentSeverity = "ERROR"
	SeverityCritical IncidentSeverity = "CRITICAL"
)

// Incident is an append-only record of something notable happening to a session.
// Only Resolved is ever mutated after creation.
type Incident struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	SessionID   string            `json:"session_id"`
	Type        IncidentType      `json:"type"`
	Severity    IncidentSeverity  `json:"severity"`
	Description string            `json:"description"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	Resolved    bool              `json:"resolved"`
}

// SessionSnapshot is a read-only copy of a session's state, used for logs and reports.
type SessionSnapshot struct {
	ID                    string        `json:"id"`
	Role                  Role          `json:"role"`
	WorkerIndex           int           `json:"worker_index"`
	Health                Health        `json:"health"`
	Age                   time.Duration `json:"age"`
	Idle                  time.Duration `json:"idle"`
	Failures              int           `json:"failures"`
	ConsecutiveErrors     int           `json:"consecutive_errors"`
	ChallengeSolveCount   int           `json:"challenge_solve_count"`
	LastChallengeSolvedAt time.Time     `json:"last_challenge_solved_at,omitempty"`
}

// Snapshot is a unit of evidence captured at an interesting moment.
type Snapshot struct {
	SessionID  string            `json:"session_id"`
	Label      string            `json:"label"`
	Stage      PageType          `json:"stage"`
	URL        string            `json:"url"`
	HTML       string            `json:"-"`
	Screenshot []byte            `json:"-"`
	Meta       map[string]string `json:"meta,omitempty"`
	TakenAt    time.Time         `json:"taken_at"`
}

// RunReport is the durable summary written when a run ends.
type RunReport struct {
	RunID     string            `json:"run_id"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Stats     map[string]int64  `json:"stats"`
	Success   bool              `json:"success"`
	Incidents []Incident        `json:"incidents"`
	Meta      map[string]string `json:"meta,omitempty"`
}
