package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/utils"
	"airwave/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the server only listens on the participant's own host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ClientMessage is an intent sent by a presentation client.
type ClientMessage struct {
	Type          string               `json:"type"`
	RequestID     string               `json:"request_id,omitempty"`
	BroadcasterID domain.ParticipantID `json:"broadcaster_id,omitempty"`
	DisplayName   string               `json:"display_name,omitempty"`
	RoomID        domain.RoomID        `json:"room_id,omitempty"`
}

// ServerMessage is pushed to clients: session updates, intent results and errors.
type ServerMessage struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id,omitempty"`
	Update    *ports.SessionUpdate `json:"update,omitempty"`
	Result    any                  `json:"result,omitempty"`
	Error     string               `json:"error,omitempty"`
}

const (
	MessageUpdate = "update"
	MessageResult = "result"
	MessageError  = "error"
)

// EventServer streams session updates to WebSocket clients and accepts
// intents from them.
type EventServer struct {
	session ports.SessionService

	connections map[string]*websocket.Conn
	mu          sync.RWMutex

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	commandTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewEventServer(session ports.SessionService, logger *zap.SugaredLogger) *EventServer {
	return &EventServer{
		session:        session,
		connections:    make(map[string]*websocket.Conn),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		commandTimeout: 30 * time.Second,
		logger:         logger,
	}
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *EventServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *EventServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

func (s *EventServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := utils.NewID()
	s.mu.Lock()
	s.connections[connID] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.connections, connID)
		s.mu.Unlock()
	}()

	log := s.logger.With("conn_id", connID)
	log.Infow("client connected via WebSocket", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, unsubscribe := s.session.Subscribe()
	defer unsubscribe()

	_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	})

	messageChan := make(chan ClientMessage, 10)
	replyChan := make(chan ServerMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		defer close(messageChan)
		for {
			var msg ClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case messageChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Intents run one at a time off the write loop so updates keep flowing
	// while a join negotiates.
	go func() {
		for msg := range messageChan {
			reply := s.handleMessage(ctx, msg)
			select {
			case replyChan <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	if view, err := s.session.View(ctx); err == nil {
		if err := s.write(conn, ServerMessage{Type: MessageUpdate, Update: &ports.SessionUpdate{View: &view}}); err != nil {
			log.Infow("error sending initial view", "error", err)
			return
		}
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				s.closeWith(conn, websocket.CloseGoingAway, "session closed")
				log.Infow("session closed, disconnecting client")
				return
			}
			if err := s.write(conn, ServerMessage{Type: MessageUpdate, Update: &update}); err != nil {
				log.Infow("error sending update", "error", err)
				return
			}

		case reply := <-replyChan:
			if err := s.write(conn, reply); err != nil {
				log.Infow("error sending reply", "error", err)
				return
			}

		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Infow("error sending ping", "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("error reading message from client", "error", err)
			}
			log.Infow("client disconnected")
			return
		}
	}
}

func (s *EventServer) handleMessage(ctx context.Context, msg ClientMessage) ServerMessage {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	result, err := s.dispatch(ctx, msg)
	if err != nil {
		return ServerMessage{Type: MessageError, RequestID: msg.RequestID, Error: err.Error()}
	}
	return ServerMessage{Type: MessageResult, RequestID: msg.RequestID, Result: result}
}

func (s *EventServer) dispatch(ctx context.Context, msg ClientMessage) (any, error) {
	switch msg.Type {
	case "":
		return nil, fmt.Errorf("message type is required")
	case "toggle_broadcast":
		broadcasting, err := s.session.ToggleBroadcast(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"broadcasting": broadcasting}, nil
	case "join":
		if err := validation.ValidateID(string(msg.BroadcasterID), "broadcaster_id"); err != nil {
			return nil, err
		}
		if err := s.session.JoinBroadcast(ctx, msg.BroadcasterID, msg.DisplayName, msg.RoomID); err != nil {
			return nil, err
		}
		return map[string]domain.ParticipantID{"listening_to": msg.BroadcasterID}, nil
	case "leave":
		return nil, s.session.LeaveBroadcast(ctx)
	case "refresh":
		return nil, s.session.RefreshContacts(ctx)
	case "view":
		return s.session.View(ctx)
	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (s *EventServer) write(conn *websocket.Conn, msg ServerMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteJSON(msg)
}

func (s *EventServer) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// HealthCheck reports the number of connected clients.
func (s *EventServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (s *EventServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
