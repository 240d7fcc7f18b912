// Package discovery joins live sessions with the transcript files the agent
// writes on disk, presenting one session list and per-session detail. The
// core never writes these files; it only reads them on demand.
package discovery

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/steward-ai/steward/internal/apperr"
	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/session"
)

// maxLineBytes caps a single transcript line during parsing.
const maxLineBytes = 1024 * 1024

// Info describes one session, live or archived, for listings.
type Info struct {
	SessionID        string `json:"session_id"`
	WorkingDirectory string `json:"working_directory"`
	Active           bool   `json:"active"`
	Summary          string `json:"summary,omitempty"`
	EarliestMessage  string `json:"earliest_message_date,omitempty"`
	LatestMessage    string `json:"latest_message_date,omitempty"`
}

// Discovery scans the transcript root and reconciles it with the registry.
type Discovery struct {
	cfg     *config.Config
	manager *session.Manager
	logger  *slog.Logger
}

// New creates a Discovery over the given config and session registry.
func New(cfg *config.Config, manager *session.Manager, logger *slog.Logger) *Discovery {
	return &Discovery{cfg: cfg, manager: manager, logger: logger.With("component", "discovery")}
}

// List returns every session found on disk or in the registry. Disk entries
// are marked active when a live child exists; live sessions missing from disk
// appear as virtual entries. Unparseable files are skipped silently.
func (d *Discovery) List() []Info {
	infos := d.scanDisk()

	active := d.manager.ActiveSessions()
	activeIDs := make(map[string]bool, len(active))
	for _, sess := range active {
		activeIDs[sess.ID()] = true
	}

	seen := make(map[string]bool, len(infos))
	for i := range infos {
		infos[i].Active = activeIDs[infos[i].SessionID]
		seen[infos[i].SessionID] = true
	}

	for _, sess := range active {
		if seen[sess.ID()] {
			continue
		}
		d.logger.Warn("active session has no transcript file yet, adding virtual entry",
			"session_id", sess.ID(),
			"working_dir", sess.WorkingDir(),
		)
		infos = append(infos, Info{
			SessionID:        sess.ID(),
			WorkingDirectory: sess.WorkingDir(),
			Active:           true,
		})
	}

	return infos
}

// Get returns a session's info plus the raw JSON lines of its transcript.
// Live sessions are answered from the registry (content may be empty if the
// file has not appeared); archived ones are answered from disk.
func (d *Discovery) Get(sessionID string) (Info, []json.RawMessage, error) {
	if sess, ok := d.manager.Get(sessionID); ok {
		info := Info{
			SessionID:        sess.ID(),
			WorkingDirectory: sess.WorkingDir(),
			Active:           sess.Active(),
		}
		if path, ok := d.findFile(sessionID + ".jsonl"); ok {
			if parsed, err := parseFile(path); err == nil {
				info.Summary = parsed.Summary
				info.EarliestMessage = parsed.EarliestMessage
				info.LatestMessage = parsed.LatestMessage
			}
			content, err := readContent(path)
			if err != nil {
				return Info{}, nil, err
			}
			return info, content, nil
		}
		return info, []json.RawMessage{}, nil
	}

	path, ok := d.findFile(sessionID + ".jsonl")
	if !ok {
		return Info{}, nil, apperr.SessionNotFound(sessionID)
	}
	info, err := parseFile(path)
	if err != nil {
		return Info{}, nil, apperr.SessionNotFound(sessionID)
	}
	// A file whose internal id disagrees with its name is treated as absent.
	if info.SessionID != sessionID {
		d.logger.Warn("transcript file session id disagrees with filename, ignoring file",
			"path", path,
			"file_session_id", info.SessionID,
			"filename_session_id", sessionID,
		)
		return Info{}, nil, apperr.SessionNotFound(sessionID)
	}
	content, err := readContent(path)
	if err != nil {
		return Info{}, nil, err
	}
	return info, content, nil
}

func (d *Discovery) scanDisk() []Info {
	var infos []Info
	_ = filepath.WalkDir(d.cfg.ProjectsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			return nil
		}
		info, parseErr := parseFile(path)
		if parseErr != nil {
			d.logger.Debug("skipping unparseable transcript file", "path", path, "error", parseErr)
			return nil
		}
		stem := strings.TrimSuffix(entry.Name(), ".jsonl")
		if info.SessionID != stem {
			d.logger.Warn("transcript file session id disagrees with filename, skipping",
				"path", path,
				"file_session_id", info.SessionID,
				"filename_session_id", stem,
			)
			return nil
		}
		infos = append(infos, info)
		return nil
	})
	return infos
}

func (d *Discovery) findFile(filename string) (string, bool) {
	var found string
	_ = filepath.WalkDir(d.cfg.ProjectsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() && entry.Name() == filename {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// parseFile extracts listing metadata from a transcript file: the session id
// (last occurrence wins), the working directory (first occurrence wins), the
// summary, and the lexicographic timestamp range. Non-JSON lines are skipped.
func parseFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, apperr.FileParse("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var info Info
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var line struct {
			SessionID string `json:"sessionId"`
			Cwd       string `json:"cwd"`
			Type      string `json:"type"`
			Summary   string `json:"summary"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.SessionID != "" {
			info.SessionID = line.SessionID
		}
		if line.Cwd != "" && info.WorkingDirectory == "" {
			info.WorkingDirectory = line.Cwd
		}
		if line.Type == "summary" && line.Summary != "" {
			info.Summary = line.Summary
		}
		if line.Timestamp != "" {
			if info.EarliestMessage == "" || line.Timestamp < info.EarliestMessage {
				info.EarliestMessage = line.Timestamp
			}
			if info.LatestMessage == "" || line.Timestamp > info.LatestMessage {
				info.LatestMessage = line.Timestamp
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Info{}, apperr.FileParse("read %s: %v", path, err)
	}

	if info.SessionID == "" {
		return Info{}, apperr.FileParse("missing sessionId in %s", path)
	}
	if info.WorkingDirectory == "" {
		return Info{}, apperr.FileParse("missing cwd in %s", path)
	}
	return info, nil
}

// readContent returns every valid JSON line of a transcript file verbatim.
func readContent(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.FileParse("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	content := []json.RawMessage{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !json.Valid(line) {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		content = append(content, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.FileParse("read %s: %v", path, err)
	}
	return content, nil
}
