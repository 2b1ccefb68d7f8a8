// Package incident keeps a bounded, append-only record of notable session events.
package incident

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// DefaultCapacity is the number of incidents retained before the oldest are dropped.
const DefaultCapacity = 100

// Listener is notified synchronously after an incident is recorded.
type Listener func(schemas.Incident)

// Summary aggregates the retained incidents.
type Summary struct {
	Total      int                              `json:"total"`
	Unresolved int                              `json:"unresolved"`
	ByType     map[schemas.IncidentType]int     `json:"by_type"`
	BySeverity map[schemas.IncidentSeverity]int `json:"by_severity"`
}

// Log is safe for concurrent use by all workers.
type Log struct {
	mu        sync.Mutex
	incidents []schemas.Incident
	seq       int
	capacity  int
	clock     schemas.Clock
	logger    *zap.Logger
	listeners []Listener
}

// NewLog creates a Log holding at most capacity incidents.
func NewLog(capacity int, clock schemas.Clock, logger *zap.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		clock:    clock,
		logger:   logger.Named("incident"),
	}
}

// Subscribe registers fn for every future incident.
func (l *Log) Subscribe(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Record appends an incident and returns its id.
func (l *Log) Record(sessionID string, typ schemas.IncidentType, sev schemas.IncidentSeverity, description string, evidence map[string]string) string {
	l.mu.Lock()
	l.seq++
	inc := schemas.Incident{
		ID:          fmt.Sprintf("INC-%05d-%s", l.seq, strings.ReplaceAll(uuid.NewString(), "-", "")[:6]),
		Timestamp:   l.clock.Now(),
		SessionID:   sessionID,
		Type:        typ,
		Severity:    sev,
		Description: description,
		Evidence:    evidence,
	}
	l.incidents = append(l.incidents, inc)
	if over := len(l.incidents) - l.capacity; over > 0 {
		l.incidents = append([]schemas.Incident(nil), l.incidents[over:]...)
	}
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()

	l.logIncident(inc)
	for _, fn := range listeners {
		fn(inc)
	}
	return inc.ID
}

func (l *Log) logIncident(inc schemas.Incident) {
	fields := []zap.Field{
		zap.String("incident_id", inc.ID),
		zap.String("session_id", inc.SessionID),
		zap.String("type", string(inc.Type)),
	}
	msg := inc.Description
	switch inc.Severity {
	case schemas.SeverityCritical, schemas.SeverityError:
		l.logger.Error(msg, fields...)
	case schemas.SeverityWarning:
		l.logger.Warn(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

// Resolve marks an incident resolved. It reports false for unknown ids.
func (l *Log) Resolve(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.incidents {
		if l.incidents[i].ID == id {
			l.incidents[i].Resolved = true
			return true
		}
	}
	return false
}

// All returns a copy of the retained incidents, oldest first.
func (l *Log) All() []schemas.Incident {
	return l.filter(func(schemas.Incident) bool { return true })
}

// Unresolved returns open incidents, optionally restricted to one session.
func (l *Log) Unresolved(sessionID string) []schemas.Incident {
	return l.filter(func(inc schemas.Incident) bool {
		return !inc.Resolved && (sessionID == "" || inc.SessionID == sessionID)
	})
}

// ByType returns incidents of the given type.
func (l *Log) ByType(typ schemas.IncidentType) []schemas.Incident {
	return l.filter(func(inc schemas.Incident) bool { return inc.Type == typ })
}

// Recent returns incidents recorded within the last window.
func (l *Log) Recent(window time.Duration) []schemas.Incident {
	cutoff := l.clock.Now().Add(-window)
	return l.filter(func(inc schemas.Incident) bool { return !inc.Timestamp.Before(cutoff) })
}

func (l *Log) filter(keep func(schemas.Incident) bool) []schemas.Incident {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schemas.Incident, 0, len(l.incidents))
	for _, inc := range l.incidents {
		if keep(inc) {
			out = append(out, inc)
		}
	}
	return out
}

// Summary counts the retained incidents by type and severity.
func (l *Log) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Summary{
		Total:      len(l.incidents),
		ByType:     make(map[schemas.IncidentType]int),
		BySeverity: make(map[schemas.IncidentSeverity]int),
	}
	for _, inc := range l.incidents {
		if !inc.Resolved {
			s.Unresolved++
		}
		s.ByType[inc.Type]++
		s.BySeverity[inc.Severity]++
	}
	return s
}

// ExportJSON renders the retained incidents as an indented JSON array.
func (l *Log) ExportJSON() ([]byte, error) {
	data, err := json.MarshalIndent(l.All(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal incidents: %w", err)
	}
	return data, nil
}
