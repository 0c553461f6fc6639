// Package ws owns the websocket side of a connection: one Session per
// upgraded socket, a read pump dispatching client frames to the
// coordinator and relay, and a write pump draining the outbound queue.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"proxchat/internal/apperr"
	"proxchat/internal/models"
	"proxchat/internal/ratelimit"
	"proxchat/internal/relay"
	"proxchat/internal/rooms"
	"proxchat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBuffer    = 256
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	writeWait     = 10 * time.Second
	msgRateLimit  = 20
	msgRateWindow = 10 * time.Second
)

type Session struct {
	conn     *websocket.Conn
	send     chan []byte
	identity models.Session

	coord   *rooms.Coordinator
	relay   *relay.Relay
	limiter ratelimit.Limiter

	mu     sync.Mutex
	closed bool
}

func NewSession(conn *websocket.Conn, user *models.User, coord *rooms.Coordinator, rel *relay.Relay, limiter ratelimit.Limiter) *Session {
	return &Session{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		identity: models.Session{
			ID:       uuid.NewString(),
			UserID:   user.ID,
			Username: user.Username,
		},
		coord:   coord,
		relay:   rel,
		limiter: limiter,
	}
}

func (s *Session) ID() string { return s.identity.ID }

// Enqueue queues a payload for the write pump. It never blocks: a full
// buffer or a closed session drops the payload, which is the
// at-most-once delivery contract.
func (s *Session) Enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// ReadPump consumes frames until the connection dies. Disconnection,
// clean or not, is an immediate implicit leave.
func (s *Session) ReadPump() {
	defer func() {
		s.conn.Close()
		s.coord.OnDisconnect(context.Background(), s.identity)
		s.closeSend()
		logger.Info("Session %s (%s) disconnected", s.identity.ID, s.identity.Username)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Debug("Dropping malformed frame from %s: %v", s.identity.Username, err)
			continue
		}
		s.dispatch(&frame)
	}
}

func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(frame *models.Frame) {
	switch frame.Event {
	case models.EventJoinRoom:
		s.handleJoin(frame)
	case models.EventLeaveRoom:
		s.handleLeave(frame)
	case models.EventSendMessage:
		s.handleSend(frame)
	case models.EventTypingStart:
		s.handleTyping(frame, true)
	case models.EventTypingStop:
		s.handleTyping(frame, false)
	default:
		logger.Debug("Unknown event %q from %s", frame.Event, s.identity.Username)
	}
}

func (s *Session) handleJoin(frame *models.Frame) {
	var req models.JoinRoomPayload
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.ack(frame.Seq, models.JoinAck{Success: false, Error: "invalid payload"})
		return
	}

	res, err := s.coord.JoinRoom(context.Background(), s.identity, req.RoomID, req.Password, s)
	if err != nil {
		s.ack(frame.Seq, models.JoinAck{Success: false, Error: apperr.Message(err)})
		return
	}

	s.ack(frame.Seq, models.JoinAck{
		Success:     true,
		Room:        &res.Room,
		Members:     res.Members,
		ActiveCount: res.ActiveCount,
	})

	if payload, err := models.EncodeFrame(models.EventUsersList, models.UsersListEvent{
		Members:     res.Members,
		ActiveCount: res.ActiveCount,
	}); err == nil {
		s.Enqueue(payload)
	}
}

func (s *Session) handleLeave(frame *models.Frame) {
	var req models.LeaveRoomPayload
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.ack(frame.Seq, models.LeaveAck{Success: false, Error: "invalid payload"})
		return
	}

	_, err := s.coord.LeaveRoom(context.Background(), s.identity, req.RoomID)
	if err != nil {
		s.ack(frame.Seq, models.LeaveAck{Success: false, Error: apperr.Message(err)})
		return
	}
	s.ack(frame.Seq, models.LeaveAck{Success: true})
}

func (s *Session) handleSend(frame *models.Frame) {
	var req models.SendMessagePayload
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		s.ack(frame.Seq, models.SendAck{Success: false, Error: "invalid payload"})
		return
	}

	allowed, err := s.limiter.Allow(context.Background(), "msg:"+s.identity.ID, msgRateLimit, msgRateWindow)
	if err != nil {
		// Limiter outage must not take messaging down with it.
		logger.Warn("rate limiter unavailable, allowing message: %v", err)
	} else if !allowed {
		s.ack(frame.Seq, models.SendAck{Success: false, Error: "rate limit exceeded"})
		return
	}

	msgID, err := s.relay.Send(context.Background(), s.identity, req.RoomID, req.Body)
	if err != nil {
		s.ack(frame.Seq, models.SendAck{Success: false, Error: apperr.Message(err)})
		return
	}
	s.ack(frame.Seq, models.SendAck{Success: true, MessageID: msgID})
}

func (s *Session) handleTyping(frame *models.Frame, start bool) {
	var req models.TypingPayload
	if err := json.Unmarshal(frame.Data, &req); err != nil {
		return
	}
	s.relay.Typing(s.identity, req.RoomID, start)
}

func (s *Session) ack(seq int64, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		logger.Error("Error marshaling ack: %v", err)
		return
	}
	payload, err := json.Marshal(models.Frame{Event: models.EventAck, Seq: seq, Data: raw})
	if err != nil {
		logger.Error("Error marshaling ack frame: %v", err)
		return
	}
	s.Enqueue(payload)
}
