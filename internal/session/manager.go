package session

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/steward-ai/steward/internal/agent"
	"github.com/steward-ai/steward/internal/apperr"
	"github.com/steward-ai/steward/internal/config"
)

const (
	// fileWaitTimeout bounds the wait for the child to create its
	// transcript file after a successful spawn.
	fileWaitTimeout = 20 * time.Second
	// fileWaitInterval is the polling cadence for the transcript file.
	fileWaitInterval = 100 * time.Millisecond
	// writePumpInterval is the idle polling cadence of the writer pump.
	writePumpInterval = 10 * time.Millisecond
)

// Manager is the registry of live sessions and the factory that spawns them.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty session registry.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Get returns the live session registered under id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Sessions snapshots all registered sessions, live and recently exited.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// ActiveSessions snapshots the sessions whose child is alive.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Active() {
			out = append(out, sess)
		}
	}
	return out
}

// CreateSession creates a new session or resumes an archived one. It returns
// the effective session id, which differs from the requested id only when the
// agent renames the conversation during a resume.
func (m *Manager) CreateSession(sessionID, workingDir string, resume bool, firstMessages []string) (string, error) {
	log := m.logger.With("session_id", sessionID, "working_dir", workingDir, "resume", resume)
	log.Info("creating session")

	if sessionID == "" {
		return "", apperr.InvalidRequest("session_id cannot be empty")
	}
	if len(firstMessages) == 0 {
		return "", apperr.InvalidRequest("first_message cannot be empty")
	}

	// Idempotent create: a live session under the same id is handed back
	// unchanged; a dead one is evicted and replaced.
	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		if existing.Active() {
			m.mu.Unlock()
			log.Info("session already active, returning existing session")
			return sessionID, nil
		}
		log.Warn("session exists but its child is dead, replacing it")
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	info, err := os.Stat(workingDir)
	if err != nil {
		return "", apperr.WorkingDirInvalid("working directory does not exist: %s", workingDir)
	}
	if !info.IsDir() {
		return "", apperr.WorkingDirInvalid("path is not a directory: %s", workingDir)
	}

	sess := New(sessionID, workingDir)

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	proc, effectiveID, err := agent.Spawn(agent.SpawnOptions{
		BinaryPath:   m.cfg.AgentBinaryPath,
		SessionID:    sessionID,
		WorkingDir:   workingDir,
		Resume:       resume,
		FirstPayload: firstMessages[0],
	}, m.logger)
	if err != nil {
		sess.SetStatus(StatusFailed)
		m.evict(sessionID)
		log.Error("agent spawn failed", "error", err)
		return "", err
	}

	if effectiveID != sessionID {
		log.Info("session id changed during resume", "effective_id", effectiveID)
		m.mu.Lock()
		delete(m.sessions, sessionID)
		sess.SetID(effectiveID)
		m.sessions[effectiveID] = sess
		m.mu.Unlock()
	}

	sess.SetPID(proc.PID())
	sess.SetStatus(StatusReady)

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		m.routeOutput(sess, proc)
	}()
	go m.pumpWrites(sess, proc)
	go m.respondApprovals(sess, proc)
	go m.watchExit(sess, proc, routerDone)

	// Trailing bootstrap messages travel the ordinary write path so their
	// order relative to later client input is preserved.
	for _, msg := range firstMessages[1:] {
		sess.Enqueue(WriteItem{Payload: msg, SenderID: "bootstrap", EnqueuedAt: time.Now()})
	}

	if err := m.waitForSessionFile(effectiveID); err != nil {
		log.Error("transcript file never appeared, killing session", "effective_id", effectiveID, "error", err)
		_ = proc.Kill()
		m.evict(effectiveID)
		return "", err
	}

	log.Info("session ready", "effective_id", effectiveID, "pid", proc.PID())
	return effectiveID, nil
}

// EnqueueClientMessage appends a client payload to a live session's write
// queue.
func (m *Manager) EnqueueClientMessage(sessionID string, item WriteItem) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return apperr.SessionNotFound(sessionID)
	}
	if !sess.Active() {
		return apperr.ProcessCommunication("session %s is not active", sessionID)
	}
	sess.Enqueue(item)
	return nil
}

// Shutdown terminates every live child: SIGTERM, a grace period, then
// SIGKILL for stragglers.
func (m *Manager) Shutdown() {
	sessions := m.Sessions()

	for _, sess := range sessions {
		if pid, ok := sess.PID(); ok {
			m.logger.Info("sending SIGTERM", "session_id", sess.ID(), "pid", pid)
			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				m.logger.Warn("SIGTERM failed", "session_id", sess.ID(), "pid", pid, "error", err)
			}
		}
	}

	deadline := time.Now().Add(m.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		alive := false
		for _, sess := range sessions {
			if sess.Active() {
				alive = true
				break
			}
		}
		if !alive {
			break
		}
		time.Sleep(fileWaitInterval)
	}

	for _, sess := range sessions {
		if pid, ok := sess.PID(); ok {
			m.logger.Warn("child survived grace period, sending SIGKILL", "session_id", sess.ID(), "pid", pid)
			if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
				m.logger.Warn("SIGKILL failed", "session_id", sess.ID(), "pid", pid, "error", err)
			}
			sess.ClearPID()
		}
	}
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// routeOutput classifies each child stdout line: tool-use control requests
// are parked and fanned out on the approval hub, everything else goes to the
// transcript hub. Invalid JSON from the child is fatal for the session.
func (m *Manager) routeOutput(sess *Session, proc *agent.Process) {
	log := m.logger.With("session_id", sess.ID())
	log.Debug("output router started")

	for line := range proc.Lines() {
		var parsed map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			log.Error("invalid JSON from agent, terminating session", "line", line, "error", err)
			sess.PublishTranscript(TranscriptEvent{Kind: EventTerminate})
			_ = proc.Kill()
			// Drain the remaining output so the reader can unwind.
			go func() {
				for range proc.Lines() {
				}
			}()
			return
		}

		if isApprovalRequest(parsed) {
			req := ApprovalRequest{
				ID:             uuid.NewString(),
				SessionID:      sess.ID(),
				AgentRequestID: stringField(parsed, "request_id"),
				Request:        parsed["request"],
				CreatedAt:      time.Now().Unix(),
			}
			sess.AddPendingApproval(req)
			sess.PublishApproval(ApprovalEvent{Kind: EventApprovalRequest, Request: &req})
			log.Info("parked tool-use approval request",
				"wrapper_id", req.ID,
				"agent_request_id", req.AgentRequestID,
			)
			// Control requests are a side channel; transcript subscribers
			// never see them.
			continue
		}

		sess.PublishTranscript(TranscriptEvent{Kind: EventFromAgent, Line: line})
	}

	log.Debug("output router finished")
}

// pumpWrites drains the session's write queue into the child's stdin, one
// writer, strict FIFO.
func (m *Manager) pumpWrites(sess *Session, proc *agent.Process) {
	log := m.logger.With("session_id", sess.ID())
	ticker := time.NewTicker(writePumpInterval)
	defer ticker.Stop()

	for {
		item, ok := sess.Dequeue()
		if !ok {
			select {
			case <-ticker.C:
				if !sess.Active() {
					log.Debug("writer pump stopped, child gone")
					return
				}
			case <-proc.Exited():
				log.Debug("writer pump stopped, child exited")
				return
			}
			continue
		}
		if err := proc.Write(item.Payload); err != nil {
			log.Warn("write to agent failed, stopping writer pump", "sender_id", item.SenderID, "error", err)
			return
		}
	}
}

type controlResponseBody struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}

type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

// respondApprovals consumes client decisions from the approval hub, matches
// them to parked requests by wrapper id, and enqueues the control_response
// envelope for the child. At most one response is forwarded per wrapper id.
func (m *Manager) respondApprovals(sess *Session, proc *agent.Process) {
	log := m.logger.With("session_id", sess.ID())
	sub := sess.SubscribeApproval()
	defer sub.Cancel()

	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if event.Kind != EventApprovalResponse {
				continue
			}

			var decision struct {
				ID       string          `json:"id"`
				Response json.RawMessage `json:"response"`
			}
			if err := json.Unmarshal(event.Response, &decision); err != nil || decision.ID == "" {
				log.Warn("approval decision without a wrapper id, dropping", "error", err)
				continue
			}

			if !sess.Active() {
				log.Debug("approval responder stopped, child gone")
				return
			}

			req, ok := sess.TakePendingApproval(decision.ID)
			if !ok {
				log.Warn("approval decision for unknown wrapper id, dropping", "wrapper_id", decision.ID)
				continue
			}

			envelope := controlResponse{
				Type: "control_response",
				Response: controlResponseBody{
					Subtype:   "success",
					RequestID: req.AgentRequestID,
					Response:  decision.Response,
				},
			}
			payload, err := json.Marshal(envelope)
			if err != nil {
				log.Error("marshal control_response failed", "wrapper_id", decision.ID, "error", err)
				continue
			}

			sess.Enqueue(WriteItem{Payload: string(payload), SenderID: "approval", EnqueuedAt: time.Now()})
			log.Info("forwarded approval decision",
				"wrapper_id", decision.ID,
				"agent_request_id", req.AgentRequestID,
			)

		case <-proc.Exited():
			return
		}
	}
}

// watchExit clears the pid and broadcasts Terminate once the child exits and
// the router has drained its remaining output, so no transcript event can
// trail the Terminate. The session stays in the registry so historical reads
// keep working until the next listing reconciliation.
func (m *Manager) watchExit(sess *Session, proc *agent.Process, routerDone <-chan struct{}) {
	<-proc.Exited()
	<-routerDone
	m.logger.Warn("agent process exited",
		"session_id", sess.ID(),
		"exit_code", proc.ExitCode(),
	)
	sess.ClearPID()
	sess.PublishTranscript(TranscriptEvent{Kind: EventTerminate})
}

// waitForSessionFile polls until the child's transcript file exists under the
// transcript root and is non-empty. The child owns the file; this wait only
// guarantees that an immediate GetSession can read initial content.
func (m *Manager) waitForSessionFile(sessionID string) error {
	deadline := time.Now().Add(fileWaitTimeout)
	filename := sessionID + ".jsonl"

	for time.Now().Before(deadline) {
		if path, ok := findFile(m.cfg.ProjectsDir, filename); ok {
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				return nil
			}
		}
		time.Sleep(fileWaitInterval)
	}
	return apperr.Internal("transcript file %s did not appear within %s", filename, fileWaitTimeout)
}

func findFile(root, filename string) (string, bool) {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == filename {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found, found != ""
}

func isApprovalRequest(parsed map[string]json.RawMessage) bool {
	if stringField(parsed, "type") != "control_request" {
		return false
	}
	var request map[string]json.RawMessage
	if err := json.Unmarshal(parsed["request"], &request); err != nil {
		return false
	}
	return stringField(request, "subtype") == "can_use_tool"
}

func stringField(parsed map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := parsed[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}
