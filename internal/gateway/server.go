// Package gateway terminates the real-time channel: it upgrades
// WebSocket connections, authenticates them, accepts queries and
// prompt responses, and delivers execution output back to sessions.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/loopwork/reactor/internal/config"
	"github.com/loopwork/reactor/internal/domain"
	"github.com/loopwork/reactor/internal/engine"
	"github.com/loopwork/reactor/internal/hub"
	"github.com/loopwork/reactor/internal/identity"
	"github.com/loopwork/reactor/internal/protocol"
	"github.com/loopwork/reactor/internal/store"
	"github.com/loopwork/reactor/internal/taxonomy"
)

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	store    store.Store
	identity identity.Validator
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

// NewServer creates a new gateway server. The engine is attached
// afterwards with SetEngine because the server doubles as the engine's
// output sink.
func NewServer(cfg *config.Config, h *hub.Hub, st store.Store, iv identity.Validator) *Server {
	return &Server{
		cfg:      cfg,
		hub:      h,
		store:    st,
		identity: iv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SetEngine attaches the execution engine.
func (s *Server) SetEngine(eng *engine.Engine) {
	s.engine = eng
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	record := &domain.Connection{
		ConnectionID: conn.ID,
		ConnectedAt:  time.Now(),
		ExpiresAt:    time.Now().Add(s.cfg.ConnectionTTL),
	}
	if err := s.store.PutConnection(c.Request().Context(), record); err != nil {
		log.Printf("ERROR: failed to register connection %s: %v", conn.ID, err)
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)

	// The ack must be queued before the read pump starts: a client that
	// disconnects instantly would otherwise tear the connection down
	// while the ack is being sent.
	payload, _ := json.Marshal(protocol.ConnectionPayload{ConnectionID: conn.ID, Status: "connected"})
	s.hub.SendJSONToConnection(conn, protocol.Envelope{
		Action:  protocol.ActionConnection,
		Payload: payload,
	})

	go s.readPump(conn)
	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
		if err := s.store.DeleteConnection(context.Background(), conn.ID); err != nil {
			log.Printf("ERROR: failed to delete connection %s: %v", conn.ID, err)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	preAuthFrames := 0
	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if conn.SessionID == "" {
			preAuthFrames++
			if preAuthFrames > s.cfg.PreAuthMaxFrames {
				log.Printf("WARN: connection %s exceeded pre-auth frame limit, closing", conn.ID)
				break
			}
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming frames to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(conn, protocol.ErrInvalidMessage, "invalid JSON message")
		return
	}

	switch env.Action {
	case protocol.ActionAuth:
		s.handleAuth(conn, &env)
	case protocol.ActionQuery:
		s.handleQuery(conn, &env)
	case protocol.ActionResponse:
		s.handleResponse(conn, &env)
	case protocol.ActionPing:
		s.handlePing(conn)
	default:
		s.sendError(conn, protocol.ErrInvalidMessage, "unknown action: "+env.Action)
	}
}

// handleAuth validates the credential and binds the connection to the
// user's session, creating one when the user has none.
func (s *Server) handleAuth(conn *hub.Connection, env *protocol.Envelope) {
	var payload protocol.AuthPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(conn, protocol.ErrInvalidMessage, "invalid auth payload")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := s.identity.Validate(ctx, payload.Token)
	if err != nil {
		log.Printf("WARN: auth failed for connection %s: %v", conn.ID, err)
		s.hub.SendJSONToConnection(conn, protocol.Envelope{
			Action: protocol.ActionAuthError,
			Error:  &protocol.ErrorBody{Code: string(taxonomy.CodeAuthFailure), Message: "authentication failed"},
		})
		return
	}

	session, resumed, err := s.sessionForUser(ctx, id.UserID)
	if err != nil {
		log.Printf("ERROR: failed to resolve session for user %s: %v", id.UserID, err)
		s.sendError(conn, string(taxonomy.CodeInternal), "failed to resolve session")
		return
	}

	if err := s.store.BindConnection(ctx, conn.ID, id.UserID, session.SessionID); err != nil {
		log.Printf("ERROR: failed to bind connection %s: %v", conn.ID, err)
	}

	// Binding flushes any output queued while the session was offline.
	s.hub.BindSession(conn, session.SessionID)

	ack, _ := json.Marshal(protocol.AuthSuccessPayload{
		UserID:    id.UserID,
		SessionID: session.SessionID,
		Resumed:   resumed,
	})
	s.hub.SendJSONToConnection(conn, protocol.Envelope{
		Action:    protocol.ActionAuthSuccess,
		SessionID: session.SessionID,
		Payload:   ack,
	})
	log.Printf("Connection %s authenticated as %s (session: %s, resumed: %v)", conn.ID, id.UserID, session.SessionID, resumed)
}

func (s *Server) sessionForUser(ctx context.Context, userID string) (*domain.Session, bool, error) {
	session, err := s.store.GetSessionByUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if session != nil {
		if err := s.store.TouchSession(ctx, session.SessionID); err != nil {
			log.Printf("ERROR: failed to touch session %s: %v", session.SessionID, err)
		}
		return session, true, nil
	}

	now := time.Now()
	session = &domain.Session{
		SessionID: "sess_" + uuid.New().String()[:8],
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionTTL),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, false, err
	}
	return session, false, nil
}

// handleQuery acknowledges the query and starts an execution.
func (s *Server) handleQuery(conn *hub.Connection, env *protocol.Envelope) {
	if conn.SessionID == "" {
		s.sendError(conn, string(taxonomy.CodeAuthFailure), "must authenticate first")
		return
	}

	var payload protocol.QueryPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(conn, protocol.ErrInvalidMessage, "invalid query payload")
			return
		}
	}
	if payload.Query == "" {
		s.sendError(conn, protocol.ErrInvalidMessage, "query is required")
		return
	}

	sessionID := conn.SessionID
	messageID := env.MessageID
	if messageID == "" {
		messageID = "msg_" + uuid.New().String()[:8]
	}

	// Acknowledge before the execution starts so the client sees the
	// query land even when processing takes a while.
	ack, _ := json.Marshal(protocol.QueryReceivedPayload{Query: payload.Query, Status: "processing"})
	s.hub.SendJSONToConnection(conn, protocol.Envelope{
		Action:    protocol.ActionQueryReceived,
		SessionID: sessionID,
		MessageID: messageID,
		Payload:   ack,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil || session == nil {
			log.Printf("ERROR: failed to load session %s: %v", sessionID, err)
			s.sendErrorToSession(sessionID, string(taxonomy.CodeInternal), "session unavailable")
			return
		}

		exec, err := s.engine.StartExecution(ctx, session, payload.Query, messageID)
		if err != nil {
			code := taxonomy.CodeOf(err)
			log.Printf("WARN: query rejected for session %s: %v", sessionID, err)
			s.sendErrorToSession(sessionID, string(code), engine.UserMessage(code))
			return
		}
		log.Printf("Execution %s started for session %s", exec.ExecutionID, sessionID)
	}()
}

// handleResponse forwards a prompt answer to the engine.
func (s *Server) handleResponse(conn *hub.Connection, env *protocol.Envelope) {
	if conn.SessionID == "" {
		s.sendError(conn, string(taxonomy.CodeAuthFailure), "must authenticate first")
		return
	}

	var payload protocol.ResponsePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.sendError(conn, protocol.ErrInvalidMessage, "invalid response payload")
			return
		}
	}

	sessionID := conn.SessionID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.engine.ResumeUserResponse(ctx, sessionID, payload.Response); err != nil {
			code := taxonomy.CodeOf(err)
			log.Printf("WARN: response rejected for session %s: %v", sessionID, err)
			s.sendErrorToSession(sessionID, string(code), engine.UserMessage(code))
		}
	}()
}

func (s *Server) handlePing(conn *hub.Connection) {
	payload, _ := json.Marshal(protocol.PongPayload{Ts: time.Now().UnixMilli()})
	s.hub.SendJSONToConnection(conn, protocol.Envelope{
		Action:    protocol.ActionPong,
		SessionID: conn.SessionID,
		Payload:   payload,
	})
}

// DeliverPrompt implements engine.Sink.
func (s *Server) DeliverPrompt(sessionID, prompt string) {
	payload, _ := json.Marshal(protocol.PromptPayload{Prompt: prompt})
	if err := s.hub.SendJSON(sessionID, protocol.Envelope{
		Action:    protocol.ActionPrompt,
		SessionID: sessionID,
		Payload:   payload,
	}); err != nil {
		log.Printf("ERROR: failed to deliver prompt to session %s: %v", sessionID, err)
	}
}

// DeliverAnswer implements engine.Sink.
func (s *Server) DeliverAnswer(sessionID, executionID, answer string, timeout bool) {
	payload, _ := json.Marshal(protocol.ResultPayload{
		Answer:      answer,
		ExecutionID: executionID,
		Timeout:     timeout,
	})
	if err := s.hub.SendJSON(sessionID, protocol.Envelope{
		Action:    protocol.ActionResult,
		SessionID: sessionID,
		Payload:   payload,
	}); err != nil {
		log.Printf("ERROR: failed to deliver answer to session %s: %v", sessionID, err)
	}
}

// DeliverError implements engine.Sink.
func (s *Server) DeliverError(sessionID string, code taxonomy.Code, message string) {
	if err := s.hub.SendJSON(sessionID, protocol.NewError(sessionID, string(code), message)); err != nil {
		log.Printf("ERROR: failed to deliver error to session %s: %v", sessionID, err)
	}
}

// sendError sends an error frame to a single connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	s.hub.SendJSONToConnection(conn, protocol.NewError(conn.SessionID, code, message))
}

// sendErrorToSession sends an error frame to all connections of a
// session, queuing it when the session is offline.
func (s *Server) sendErrorToSession(sessionID, code, message string) {
	if err := s.hub.SendJSON(sessionID, protocol.NewError(sessionID, code, message)); err != nil {
		log.Printf("ERROR: failed to send error to session %s: %v", sessionID, err)
	}
}
