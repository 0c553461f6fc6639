// Package rooms bridges the in-memory presence registry with the
// durable room records. The coordinator is what the connection layer
// calls for join/leave/disconnect; it owns the active_members counter
// discipline and the join/leave broadcasts.
package rooms

import (
	"context"
	"errors"
	"time"

	"proxchat/internal/apperr"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/presence"
	"proxchat/pkg/logger"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

type Coordinator struct {
	reg       *presence.Registry
	db        database.RoomRepository
	opTimeout time.Duration
}

func NewCoordinator(reg *presence.Registry, db database.RoomRepository, opTimeout time.Duration) *Coordinator {
	return &Coordinator{reg: reg, db: db, opTimeout: opTimeout}
}

type JoinResult struct {
	Room        models.RoomSummary
	Members     []models.RosterMember
	ActiveCount int
}

type LeaveResult struct {
	Unchanged bool
}

// JoinRoom validates access, moves the session into the room's presence
// set, and synchronizes the durable counter. If the session occupied
// another room it is transferred out first, with the usual leave
// bookkeeping for that room.
//
// On a durable-store failure the registry insertion is rolled back so
// the counter and the presence set never drift apart permanently.
func (c *Coordinator) JoinRoom(ctx context.Context, sess models.Session, roomID int, password string, out presence.Sender) (*JoinResult, error) {
	room, err := c.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if room.IsPrivate {
		// A private room with no stored hash is locked, not open:
		// every candidate password is rejected.
		if room.PasswordHash == "" {
			return nil, apperr.Unauthorized("invalid room password")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(room.PasswordHash), []byte(password)); err != nil {
			return nil, apperr.Unauthorized("invalid room password")
		}
	}

	// Rejoining the current room is a no-op; the counter is already
	// accounted for.
	if c.reg.IsMember(roomID, sess.ID) {
		members := c.reg.MembersOf(roomID)
		return &JoinResult{Room: room.Summary(), Members: members, ActiveCount: len(members)}, nil
	}

	members, dep := c.reg.Join(roomID, sess, out)

	var counted bool
	if err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		counted, err = c.db.MemberJoined(ctx, roomID)
		return err
	}); err != nil {
		// Unwind: the session must not be counted as present in a
		// room whose durable counter never moved.
		c.reg.Leave(roomID, sess.ID)
		if dep != nil {
			c.settleDeparture(ctx, sess, dep)
		}
		return nil, apperr.Transient("failed to join room", err)
	}
	if !counted {
		// The empty-room sweep deactivated the room between the load
		// and the increment. Unwind as above; the departure from the
		// previous room is real either way.
		c.reg.Leave(roomID, sess.ID)
		if dep != nil {
			c.settleDeparture(ctx, sess, dep)
		}
		return nil, apperr.NotFound("room not found or has been deleted")
	}

	if dep != nil {
		c.settleDeparture(ctx, sess, dep)
	}

	c.broadcastExcept(roomID, sess.ID, models.EventUserJoined, models.PresenceEvent{
		User:        sess.Handle(),
		Members:     members,
		ActiveCount: len(members),
	})

	logger.Info("%s joined room %d (%d active)", sess.Username, roomID, len(members))
	return &JoinResult{Room: room.Summary(), Members: members, ActiveCount: len(members)}, nil
}

// LeaveRoom removes the session from the room. Leaving a room the
// session is not in is success with Unchanged set, never an error.
func (c *Coordinator) LeaveRoom(ctx context.Context, sess models.Session, roomID int) (*LeaveResult, error) {
	members, removed, changed := c.reg.Leave(roomID, sess.ID)
	if !changed {
		return &LeaveResult{Unchanged: true}, nil
	}

	if err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.db.MemberLeft(ctx, roomID)
	}); err != nil {
		c.reg.Restore(removed)
		return nil, apperr.Transient("failed to leave room", err)
	}

	c.broadcast(roomID, models.EventUserLeft, models.PresenceEvent{
		User:        sess.Handle(),
		Members:     members,
		ActiveCount: len(members),
	})

	logger.Info("%s left room %d (%d active)", sess.Username, roomID, len(members))
	return &LeaveResult{}, nil
}

// OnDisconnect performs the implicit leave for a dropped connection.
// The session is gone, so a durable failure here cannot be rolled back;
// it is logged and left to the reconciliation sweep.
func (c *Coordinator) OnDisconnect(ctx context.Context, sess models.Session) {
	roomID, members, ok := c.reg.DropSession(sess.ID)
	if !ok {
		return
	}

	if err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.db.MemberLeft(ctx, roomID)
	}); err != nil {
		logger.Warn("counter update failed for room %d after disconnect, drift until reconcile: %v", roomID, err)
	}

	c.broadcast(roomID, models.EventUserLeft, models.PresenceEvent{
		User:        sess.Handle(),
		Members:     members,
		ActiveCount: len(members),
	})

	logger.Info("%s disconnected from room %d (%d active)", sess.Username, roomID, len(members))
}

// settleDeparture finishes the bookkeeping for a room the session was
// implicitly transferred out of: durable decrement plus user_left
// broadcast. The transfer itself already happened in the registry, so
// failures here are drift, not correctness bugs of the new join.
func (c *Coordinator) settleDeparture(ctx context.Context, sess models.Session, dep *presence.Departure) {
	if err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.db.MemberLeft(ctx, dep.RoomID)
	}); err != nil {
		logger.Warn("counter update failed for room %d after transfer, drift until reconcile: %v", dep.RoomID, err)
	}

	c.broadcast(dep.RoomID, models.EventUserLeft, models.PresenceEvent{
		User:        sess.Handle(),
		Members:     dep.Members,
		ActiveCount: len(dep.Members),
	})
}

func (c *Coordinator) loadRoom(ctx context.Context, roomID int) (*models.Room, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	room, err := c.db.GetRoomByID(opCtx, roomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("room not found or has been deleted")
		}
		return nil, apperr.Transient("failed to load room", err)
	}
	if !room.IsActive {
		return nil, apperr.NotFound("room not found or has been deleted")
	}
	return room, nil
}

// withRetry runs the durable operation under the op timeout, retrying
// exactly once on failure with a fresh timeout.
func (c *Coordinator) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err = op(opCtx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (c *Coordinator) broadcast(roomID int, event models.EventType, data interface{}) {
	if payload, ok := encodeFrame(event, data); ok {
		c.reg.Broadcast(roomID, payload)
	}
}

func (c *Coordinator) broadcastExcept(roomID int, sessionID string, event models.EventType, data interface{}) {
	if payload, ok := encodeFrame(event, data); ok {
		c.reg.BroadcastExcept(roomID, sessionID, payload)
	}
}

func encodeFrame(event models.EventType, data interface{}) ([]byte, bool) {
	payload, err := models.EncodeFrame(event, data)
	if err != nil {
		logger.Error("Error marshaling %s frame: %v", event, err)
		return nil, false
	}
	return payload, true
}
