package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/steward-ai/steward/internal/session"
)

const (
	// maxClientMessage caps a single inbound frame.
	maxClientMessage = 1024 * 1024
	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveSession upgrades the connection and returns the session, or upgrades
// and immediately closes when the session is unknown or its child is dead.
func (s *Server) liveSession(w http.ResponseWriter, r *http.Request, sessionID string) (*session.Session, *websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return nil, nil, false
	}

	sess, ok := s.manager.Get(sessionID)
	if !ok || !sess.Active() {
		s.logger.Warn("rejecting websocket for unknown or dead session", "session_id", sessionID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session not active"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return nil, nil, false
	}

	conn.SetReadLimit(maxClientMessage)
	return sess, conn, true
}

func writeText(conn *websocket.Conn, payload []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	_ = conn.Close()
}

// handleTranscriptWS is the primary bidirectional stream: agent output and
// other clients' input flow out, this client's input flows in.
func (s *Server) handleTranscriptWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, conn, ok := s.liveSession(w, r, sessionID)
	if !ok {
		return
	}

	clientID := uuid.NewString()
	log := s.logger.With("session_id", sessionID, "client_id", clientID, "stream", "transcript")
	log.Info("transcript client connected", "remote", r.RemoteAddr)

	sess.AddTranscriptSubscriber(session.Subscriber{
		ID:          clientID,
		RemoteAddr:  r.RemoteAddr,
		Label:       r.UserAgent(),
		ConnectedAt: time.Now(),
	})
	sub := sess.SubscribeTranscript()

	defer func() {
		sub.Cancel()
		sess.RemoveTranscriptSubscriber(clientID)
		_ = conn.Close()
		log.Info("transcript client disconnected")
	}()

	// Forwarder: the only goroutine writing data frames to this connection.
	go func() {
		for event := range sub.C() {
			switch event.Kind {
			case session.EventFromAgent:
				if err := writeText(conn, []byte(event.Line)); err != nil {
					log.Debug("transcript write failed", "error", err)
					_ = conn.Close()
					return
				}
			case session.EventFromClient:
				// Sender exclusion: a client never sees its own echo.
				if event.SenderID == clientID {
					continue
				}
				if err := writeText(conn, []byte(event.Line)); err != nil {
					log.Debug("transcript write failed", "error", err)
					_ = conn.Close()
					return
				}
			case session.EventTerminate:
				log.Info("session terminated, closing transcript client")
				closeNormal(conn)
				return
			}
		}
		// Subscription closed: evicted for falling behind or hub shut down.
		closeNormal(conn)
	}()

	s.readTranscriptFrames(conn, sess, sessionID, clientID, log)
}

// readTranscriptFrames consumes inbound frames until the connection ends.
// Valid JSON text frames are queued for the child and echoed to the other
// subscribers; everything else is ignored with a warning.
func (s *Server) readTranscriptFrames(conn *websocket.Conn, sess *session.Session, sessionID, clientID string, log *slog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("transcript read ended", "error", err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if !json.Valid(data) {
				log.Warn("ignoring invalid JSON frame from client")
				continue
			}
			if err := s.manager.EnqueueClientMessage(sessionID, session.WriteItem{
				Payload:    string(data),
				SenderID:   clientID,
				EnqueuedAt: time.Now(),
			}); err != nil {
				log.Warn("failed to enqueue client message", "error", err)
				continue
			}
			sess.PublishTranscript(session.TranscriptEvent{
				Kind:     session.EventFromClient,
				Line:     string(data),
				SenderID: clientID,
			})
		case websocket.BinaryMessage:
			log.Warn("ignoring binary frame from client")
		}
	}
}

// handleApprovalWS is the tool-use approval side channel: parked requests
// flow out (with a replay of everything pending on connect), decisions flow
// in.
func (s *Server) handleApprovalWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, conn, ok := s.liveSession(w, r, sessionID)
	if !ok {
		return
	}

	clientID := uuid.NewString()
	log := s.logger.With("session_id", sessionID, "client_id", clientID, "stream", "approvals")
	log.Info("approval client connected", "remote", r.RemoteAddr)

	sess.AddApprovalSubscriber(session.Subscriber{
		ID:          clientID,
		RemoteAddr:  r.RemoteAddr,
		Label:       r.UserAgent(),
		ConnectedAt: time.Now(),
	})
	sub := sess.SubscribeApproval()

	defer func() {
		sub.Cancel()
		sess.RemoveApprovalSubscriber(clientID)
		_ = conn.Close()
		log.Info("approval client disconnected")
	}()

	go func() {
		// Replay everything pending so a late client can act on requests
		// parked before it connected.
		pending := sess.PendingApprovals()
		if len(pending) > 0 {
			log.Info("replaying pending approvals", "count", len(pending))
		}
		for i := range pending {
			if !s.sendApproval(conn, &pending[i], log) {
				return
			}
		}

		for event := range sub.C() {
			// Responses are consumed internally, never sent outbound.
			if event.Kind != session.EventApprovalRequest {
				continue
			}
			if !s.sendApproval(conn, event.Request, log) {
				return
			}
		}
		closeNormal(conn)
	}()

	s.readApprovalFrames(conn, sess, log)
}

func (s *Server) sendApproval(conn *websocket.Conn, req *session.ApprovalRequest, log *slog.Logger) bool {
	payload, err := json.Marshal(req)
	if err != nil {
		log.Error("marshal approval request failed", "wrapper_id", req.ID, "error", err)
		return true
	}
	if err := writeText(conn, payload); err != nil {
		log.Debug("approval write failed", "error", err)
		_ = conn.Close()
		return false
	}
	return true
}

// readApprovalFrames consumes client decisions. A decision must carry both a
// wrapper id and a response value; anything else is dropped with a warning.
func (s *Server) readApprovalFrames(conn *websocket.Conn, sess *session.Session, log *slog.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("approval read ended", "error", err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var decision map[string]json.RawMessage
			if err := json.Unmarshal(data, &decision); err != nil {
				log.Warn("ignoring invalid JSON frame from approval client")
				continue
			}
			if _, ok := decision["id"]; !ok {
				log.Warn("ignoring approval decision without id field")
				continue
			}
			if _, ok := decision["response"]; !ok {
				log.Warn("ignoring approval decision without response field")
				continue
			}
			sess.PublishApproval(session.ApprovalEvent{
				Kind:     session.EventApprovalResponse,
				Response: json.RawMessage(data),
			})
		case websocket.BinaryMessage:
			log.Warn("ignoring binary frame from approval client")
		}
	}
}
