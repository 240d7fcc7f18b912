package discovery

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-ai/steward/internal/apperr"
	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDiscovery(t *testing.T) (*Discovery, string) {
	t.Helper()
	projects := t.TempDir()
	cfg := &config.Config{
		ProjectsDir:     projects,
		ShutdownTimeout: time.Second,
	}
	manager := session.NewManager(cfg, testLogger())
	return New(cfg, manager, testLogger()), projects
}

func writeTranscript(t *testing.T, projects, subdir, name string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(projects, subdir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestList_Empty(t *testing.T) {
	d, _ := newTestDiscovery(t)
	assert.Empty(t, d.List())
}

func TestList_ParsesMetadata(t *testing.T) {
	d, projects := newTestDiscovery(t)
	writeTranscript(t, projects, "_tmp_w1", "sess-1.jsonl",
		`{"sessionId":"sess-1","cwd":"/tmp/w1","type":"user","timestamp":"2026-01-02T10:00:00Z"}`,
		`{"type":"summary","summary":"Fixing the widget"}`,
		`{"sessionId":"sess-1","type":"assistant","timestamp":"2026-01-02T11:30:00Z"}`,
		`{"type":"assistant","timestamp":"2026-01-01T09:00:00Z"}`,
	)

	infos := d.List()
	require.Len(t, infos, 1)

	info := infos[0]
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, "/tmp/w1", info.WorkingDirectory)
	assert.False(t, info.Active)
	assert.Equal(t, "Fixing the widget", info.Summary)
	assert.Equal(t, "2026-01-01T09:00:00Z", info.EarliestMessage)
	assert.Equal(t, "2026-01-02T11:30:00Z", info.LatestMessage)
}

func TestList_SkipsNonJSONLines(t *testing.T) {
	d, projects := newTestDiscovery(t)
	writeTranscript(t, projects, "p", "sess-2.jsonl",
		"garbage line",
		`{"sessionId":"sess-2","cwd":"/tmp/w2"}`,
		"{broken",
	)

	infos := d.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "sess-2", infos[0].SessionID)
}

func TestList_SkipsFilenameMismatch(t *testing.T) {
	d, projects := newTestDiscovery(t)
	// A file named foo.jsonl whose content claims sessionId bar is ignored.
	writeTranscript(t, projects, "p", "foo.jsonl",
		`{"sessionId":"bar","cwd":"/tmp/w"}`,
	)

	infos := d.List()
	assert.Empty(t, infos)
}

func TestList_SkipsFilesMissingRequiredFields(t *testing.T) {
	d, projects := newTestDiscovery(t)
	writeTranscript(t, projects, "p", "no-cwd.jsonl",
		`{"sessionId":"no-cwd","type":"user"}`,
	)
	writeTranscript(t, projects, "p", "no-id.jsonl",
		`{"cwd":"/tmp/w","type":"user"}`,
	)
	writeTranscript(t, projects, "p", "notes.txt",
		`{"sessionId":"notes","cwd":"/tmp/w"}`,
	)

	assert.Empty(t, d.List())
}

func TestGet_Archived(t *testing.T) {
	d, projects := newTestDiscovery(t)
	writeTranscript(t, projects, "_tmp_w3", "sess-3.jsonl",
		`{"sessionId":"sess-3","cwd":"/tmp/w3","type":"user","timestamp":"2026-03-01T00:00:00Z"}`,
		"not json either",
		`{"type":"assistant","message":{"role":"assistant"}}`,
	)

	info, content, err := d.Get("sess-3")
	require.NoError(t, err)
	assert.Equal(t, "sess-3", info.SessionID)
	assert.Equal(t, "/tmp/w3", info.WorkingDirectory)
	assert.False(t, info.Active)

	// Content preserves raw JSON lines and skips the unparseable one.
	require.Len(t, content, 2)
	assert.JSONEq(t, `{"sessionId":"sess-3","cwd":"/tmp/w3","type":"user","timestamp":"2026-03-01T00:00:00Z"}`, string(content[0]))
	assert.JSONEq(t, `{"type":"assistant","message":{"role":"assistant"}}`, string(content[1]))
}

func TestGet_NotFound(t *testing.T) {
	d, _ := newTestDiscovery(t)

	_, _, err := d.Get("missing")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.From(err).Code)
}

func TestGet_FilenameMismatchIsNotFound(t *testing.T) {
	d, projects := newTestDiscovery(t)
	writeTranscript(t, projects, "p", "foo.jsonl",
		`{"sessionId":"bar","cwd":"/tmp/w"}`,
	)

	_, _, err := d.Get("foo")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.From(err).Code)

	_, _, err = d.Get("bar")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSessionNotFound, apperr.From(err).Code)
}

func TestGet_NestedDirectories(t *testing.T) {
	d, projects := newTestDiscovery(t)
	writeTranscript(t, projects, filepath.Join("deep", "nested", "dirs"), "sess-9.jsonl",
		`{"sessionId":"sess-9","cwd":"/tmp/w9"}`,
	)

	info, content, err := d.Get("sess-9")
	require.NoError(t, err)
	assert.Equal(t, "sess-9", info.SessionID)
	assert.Len(t, content, 1)
}
