// Package evidence writes snapshots, incidents and run reports to disk.
package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// runMarker is written into every run directory. Cleanup only touches
// directories that carry it.
const runMarker = ".termin-run"

// FileStore lays evidence out as <root>/<run>/<session>/{debug,screenshots,logs}.
// It is safe for concurrent use: every write targets a distinct file.
type FileStore struct {
	root   string
	runDir string
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore creates the run directory under dir. A leading ~ is expanded.
func NewFileStore(dir, runID string, logger *zap.Logger) (*FileStore, error) {
	root, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expand evidence dir %q: %w", dir, err)
	}
	runDir := filepath.Join(root, sanitize(runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, runMarker), []byte(runID+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("mark evidence dir: %w", err)
	}
	logger = logger.Named("evidence")
	logger.Info("Evidence directory ready", zap.String("path", runDir))
	return &FileStore{root: root, runDir: runDir, logger: logger, now: time.Now}, nil
}

// RunDir is where this run's evidence goes.
func (s *FileStore) RunDir() string { return s.runDir }

func sanitize(name string) string {
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "unnamed"
	}
	return name
}

func (s *FileStore) sessionDir(sessionID, kind string) (string, error) {
	if sessionID == "" {
		sessionID = "run"
	}
	dir := filepath.Join(s.runDir, sanitize(sessionID), kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", kind, err)
	}
	return dir, nil
}

// SaveSnapshot writes the HTML, the screenshot and a JSON sidecar. It returns
// the base path shared by the written files.
func (s *FileStore) SaveSnapshot(_ context.Context, snap schemas.Snapshot) (string, error) {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.now()
	}
	base := fmt.Sprintf("%s_%d", sanitize(snap.Label), snap.TakenAt.UnixNano())

	debugDir, err := s.sessionDir(snap.SessionID, "debug")
	if err != nil {
		return "", err
	}
	basePath := filepath.Join(debugDir, base)

	if snap.HTML != "" {
		if err := os.WriteFile(basePath+".html", []byte(snap.HTML), 0o644); err != nil {
			return "", fmt.Errorf("write snapshot html: %w", err)
		}
	}
	if len(snap.Screenshot) > 0 {
		shotDir, err := s.sessionDir(snap.SessionID, "screenshots")
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(shotDir, base+".png"), snap.Screenshot, 0o644); err != nil {
			return "", fmt.Errorf("write snapshot screenshot: %w", err)
		}
	}
	if err := writeJSON(basePath+".json", snap); err != nil {
		return "", err
	}
	s.logger.Debug("Snapshot saved", zap.String("label", snap.Label), zap.String("path", basePath))
	return basePath, nil
}

// SaveIncident writes one incident under the session's logs directory.
func (s *FileStore) SaveIncident(inc schemas.Incident) (string, error) {
	dir, err := s.sessionDir(inc.SessionID, "logs")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("incident_%s_%s.json", sanitize(string(inc.Type)), sanitize(inc.ID)))
	return path, writeJSON(path, inc)
}

// SaveIncidentLog writes an exported incident log as incidents.json at the
// top of the run directory and returns its path.
func (s *FileStore) SaveIncidentLog(data []byte) (string, error) {
	path := filepath.Join(s.runDir, "incidents.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write incidents.json: %w", err)
	}
	return path, nil
}

// SaveRunReport writes report.json at the top of the run directory.
func (s *FileStore) SaveRunReport(_ context.Context, report *schemas.RunReport) error {
	return writeJSON(filepath.Join(s.runDir, "report.json"), report)
}

// Cleanup deletes run directories, other than the current one, whose
// modification time is older than maxAge. Directories without the run marker
// are never touched. It returns how many were removed.
func (s *FileStore) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("read evidence root: %w", err)
	}
	cutoff := s.now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if path == s.runDir || !isRunDir(path) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("Could not remove old evidence", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Old evidence cleaned up", zap.Int("removed", removed))
	}
	return removed, nil
}

func isRunDir(path string) bool {
	info, err := os.Stat(filepath.Join(path, runMarker))
	return err == nil && info.Mode().IsRegular()
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
