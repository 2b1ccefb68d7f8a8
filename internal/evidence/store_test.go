package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewFileStore(root, "run-1", zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, root
}

func TestSaveSnapshot(t *testing.T) {
	s, root := newTestStore(t)
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	base, err := s.SaveSnapshot(context.Background(), schemas.Snapshot{
		SessionID:  "attacker-1-abc",
		Label:      "post submit/form",
		Stage:      schemas.PageForm,
		URL:        "https://example.test/form",
		HTML:       "<html>form</html>",
		Screenshot: []byte("PNG"),
		TakenAt:    at,
	})
	require.NoError(t, err)

	sessionDir := filepath.Join(root, "run-1", "attacker-1-abc")
	assert.Equal(t, filepath.Join(sessionDir, "debug", "post_submit_form_"+itoa(at.UnixNano())), base)

	html, err := os.ReadFile(base + ".html")
	require.NoError(t, err)
	assert.Equal(t, "<html>form</html>", string(html))

	shot, err := os.ReadFile(filepath.Join(sessionDir, "screenshots", "post_submit_form_"+itoa(at.UnixNano())+".png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("PNG"), shot)

	raw, err := os.ReadFile(base + ".json")
	require.NoError(t, err)
	var meta schemas.Snapshot
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, schemas.PageForm, meta.Stage)
	assert.Empty(t, meta.HTML, "html is stored beside the sidecar, not inside it")
}

func TestSaveSnapshot_WithoutSessionOrBodies(t *testing.T) {
	s, root := newTestStore(t)

	base, err := s.SaveSnapshot(context.Background(), schemas.Snapshot{Label: "status"})
	require.NoError(t, err)
	assert.FileExists(t, base+".json")
	assert.NoFileExists(t, base+".html")
	assert.DirExists(t, filepath.Join(root, "run-1", "run", "debug"))
}

func TestSaveIncidentAndReport(t *testing.T) {
	s, root := newTestStore(t)

	path, err := s.SaveIncident(schemas.Incident{ID: "INC-00001-abcdef", SessionID: "scout-0-x", Type: schemas.IncidentBounce})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-1", "scout-0-x", "logs", "incident_BOUNCE_INC-00001-abcdef.json"), path)
	assert.FileExists(t, path)

	require.NoError(t, s.SaveRunReport(context.Background(), &schemas.RunReport{RunID: "run-1", Success: true}))
	raw, err := os.ReadFile(filepath.Join(root, "run-1", "report.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"success": true`)
}

func TestSaveIncidentLog(t *testing.T) {
	s, root := newTestStore(t)

	path, err := s.SaveIncidentLog([]byte(`[{"id":"INC-00001-abcdef"}]`))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-1", "incidents.json"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"INC-00001-abcdef"}]`, string(raw))
}

// markedRun creates a run directory the way a previous run would have.
func markedRun(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, runMarker), []byte(name), 0o644))
	return dir
}

func TestNewFileStore_WritesRunMarker(t *testing.T) {
	s, _ := newTestStore(t)
	assert.FileExists(t, filepath.Join(s.RunDir(), runMarker))
}

func TestCleanup(t *testing.T) {
	s, root := newTestStore(t)
	old := markedRun(t, root, "run-old")
	fresh := markedRun(t, root, "run-fresh")
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(s.RunDir(), past, past))

	removed, err := s.Cleanup(48 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, old)
	assert.DirExists(t, fresh)
	assert.DirExists(t, s.RunDir(), "the active run is never removed")
}

func TestCleanup_LeavesForeignDirectories(t *testing.T) {
	s, root := newTestStore(t)
	foreign := filepath.Join(root, "my-project-src")
	require.NoError(t, os.MkdirAll(foreign, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(foreign, "main.go"), []byte("package main"), 0o644))
	// A marker name used as a directory does not count.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "decoy", runMarker), 0o755))

	past := time.Now().Add(-72 * time.Hour)
	for _, dir := range []string{foreign, filepath.Join(root, "decoy")} {
		require.NoError(t, os.Chtimes(dir, past, past))
	}

	removed, err := s.Cleanup(48 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, filepath.Join(foreign, "main.go"))
	assert.DirExists(t, filepath.Join(root, "decoy"))
}

func TestNewFileStore_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	t.Cleanup(func() { homedir.DisableCache = false })

	s, err := NewFileStore("~/evidence", "r", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "evidence", "r"), s.RunDir())
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b", sanitize("a/b"))
	assert.Equal(t, "unnamed", sanitize("../"))
	assert.Equal(t, "INC-1", sanitize("INC-1"))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
