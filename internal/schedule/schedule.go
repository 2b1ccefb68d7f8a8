// Package schedule maps the corrected clock onto the operating mode and the
// pause between monitoring cycles.
package schedule

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

// Scheduler is stateless apart from its clock and is safe for concurrent use.
type Scheduler struct {
	cfg   config.ScheduleConfig
	loc   *time.Location
	clock schemas.Clock
	// jitter returns a value in [0, n); replaceable in tests.
	jitter func(n int64) int64
}

// New builds a Scheduler. The timezone must be loadable.
func New(cfg config.ScheduleConfig, clock schemas.Clock) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load schedule timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{cfg: cfg, loc: loc, clock: clock, jitter: rand.Int64N}, nil
}

// Location is the timezone the attack time is expressed in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Now is the corrected time in the schedule's timezone.
func (s *Scheduler) Now() time.Time { return s.clock.Now().In(s.loc) }

// attackStart returns today's attack start relative to t, in the schedule timezone.
func (s *Scheduler) attackStart(t time.Time) time.Time {
	t = t.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), s.cfg.AttackHour, s.cfg.AttackMinute, 0, 0, s.loc)
}

// ModeAt classifies t. The attack window is [start, start+window); the
// pre-attack and warmup windows lead up to it.
func (s *Scheduler) ModeAt(t time.Time) schemas.Mode {
	start := s.attackStart(t)
	// Leads and the window itself may cross midnight, so also consider
	// yesterday's and tomorrow's starts.
	for _, st := range []time.Time{start.AddDate(0, 0, -1), start, start.AddDate(0, 0, 1)} {
		until := st.Sub(t)
		switch {
		case until <= 0 && -until < s.cfg.AttackWindow:
			return schemas.ModeAttack
		case until > 0 && until <= s.cfg.PreAttackLead:
			return schemas.ModePreAttack
		case until > 0 && until <= s.cfg.WarmupLead:
			return schemas.ModeWarmup
		}
	}
	return schemas.ModePatrol
}

// Mode is ModeAt the current corrected time.
func (s *Scheduler) Mode() schemas.Mode { return s.ModeAt(s.Now()) }

// SleepInterval is the pause before the next cycle in mode.
func (s *Scheduler) SleepInterval(mode schemas.Mode) time.Duration {
	switch mode {
	case schemas.ModeAttack:
		return s.between(s.cfg.AttackSleepMin, s.cfg.AttackSleepMax)
	case schemas.ModePreAttack:
		return s.cfg.PreAttackSleep
	case schemas.ModeWarmup:
		return s.cfg.WarmupSleep
	default:
		return s.between(s.cfg.PatrolSleepMin, s.cfg.PatrolSleepMax)
	}
}

func (s *Scheduler) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.jitter(int64(hi-lo)))
}

// NextAttack returns the start of the next attack window at or after t,
// or the current one if t is inside it.
func (s *Scheduler) NextAttack(t time.Time) time.Time {
	start := s.attackStart(t)
	if prev := start.AddDate(0, 0, -1); t.Sub(prev) < s.cfg.AttackWindow {
		return prev
	}
	if t.Sub(start) >= s.cfg.AttackWindow {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

// IsUrgent reports whether mode calls for maximum speed.
func IsUrgent(mode schemas.Mode) bool {
	return mode == schemas.ModeAttack || mode == schemas.ModePreAttack
}
