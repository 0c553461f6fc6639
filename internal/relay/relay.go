// Package relay fans ephemeral messages out to a room's current
// presence set. Messages exist only for the duration of one Send call;
// nothing is stored and nothing can be replayed.
package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"proxchat/internal/apperr"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/presence"
	"proxchat/pkg/logger"

	"github.com/jaevor/go-nanoid"
)

const maxMessageLen = 1000

type Relay struct {
	reg   *presence.Registry
	db    database.RoomRepository
	newID func() string
	now   func() time.Time
}

func New(reg *presence.Registry, db database.RoomRepository) (*Relay, error) {
	gen, err := nanoid.Standard(12)
	if err != nil {
		return nil, fmt.Errorf("failed to create message id generator: %w", err)
	}
	return &Relay{reg: reg, db: db, newID: gen, now: time.Now}, nil
}

// Send validates and broadcasts one message to everyone currently in
// the room, the sender included. The returned message id is the
// sender's acknowledgement. Delivery is at-most-once to sessions
// connected at emission time.
func (r *Relay) Send(ctx context.Context, sess models.Session, roomID int, body string) (string, error) {
	if !r.reg.IsMember(roomID, sess.ID) {
		return "", apperr.Unauthorized("you are not in this room")
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", apperr.Validation("message cannot be empty")
	}
	// Limit counts characters, not bytes; multibyte text gets the
	// full allowance.
	if utf8.RuneCountInString(trimmed) > maxMessageLen {
		return "", apperr.Validation(fmt.Sprintf("message too long (max %d characters)", maxMessageLen))
	}

	msg := models.Message{
		ID:        "msg_" + r.newID(),
		Sender:    sess.Handle(),
		RoomID:    roomID,
		Body:      trimmed,
		Timestamp: r.now().UTC(),
	}

	payload, err := models.EncodeFrame(models.EventReceiveMessage, msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	r.reg.Broadcast(roomID, payload)

	// Activity stamp is best-effort; the message is already delivered.
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.db.TouchRoomActivity(opCtx, roomID); err != nil {
		logger.Warn("activity stamp failed for room %d: %v", roomID, err)
	}

	return msg.ID, nil
}

// Typing relays a typing indicator to the room's other members. A
// session that is not in the room produces no event and no error.
func (r *Relay) Typing(sess models.Session, roomID int, start bool) {
	if !r.reg.IsMember(roomID, sess.ID) {
		return
	}

	event := models.EventTypingStop
	if start {
		event = models.EventTypingStart
	}
	payload, err := models.EncodeFrame(event, models.TypingEvent{User: sess.Handle()})
	if err != nil {
		logger.Error("Error marshaling %s frame: %v", event, err)
		return
	}
	r.reg.BroadcastExcept(roomID, sess.ID, payload)
}
