// Package presence tracks which sessions currently occupy which rooms.
// The registry is the authoritative, in-memory view of membership;
// nothing in it is ever persisted. All mutation and fan-out is
// serialized by one mutex per registry instance so a session can never
// be observed in two rooms at once.
package presence

import (
	"sort"
	"sync"
	"time"

	"proxchat/internal/models"
)

// Sender is the outbound side of a connected session. Enqueue must not
// block; it reports false when the session's buffer is full or closed.
type Sender interface {
	Enqueue(payload []byte) bool
}

type entry struct {
	session  models.Session
	joinedAt time.Time
	out      Sender
}

// Departure reports the room a session was implicitly removed from
// when it joined a different room.
type Departure struct {
	RoomID  int
	Members []models.RosterMember
}

// Removed is an evicted registry entry. It exists so a caller that has
// to unwind a leave after a durable-store failure can put the entry
// back with its original join time.
type Removed struct {
	roomID int
	e      *entry
}

type RoomStat struct {
	RoomID      int `json:"room_id"`
	MemberCount int `json:"member_count"`
}

type Stats struct {
	ActiveRooms int        `json:"active_rooms"`
	Rooms       []RoomStat `json:"rooms"`
}

type Registry struct {
	mu       sync.Mutex
	rooms    map[int]map[string]*entry // roomID -> sessionID -> entry
	sessions map[string]int            // sessionID -> occupied roomID
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[int]map[string]*entry),
		sessions: make(map[string]int),
		now:      time.Now,
	}
}

// Join inserts the session into roomID, removing it first from any room
// it currently occupies. The returned member list reflects the room
// after insertion; dep is non-nil when the session was transferred out
// of another room. Joining a room the session is already in is a no-op
// that keeps the original join time.
func (r *Registry) Join(roomID int, sess models.Session, out Sender) (members []models.RosterMember, dep *Departure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[sess.ID]; ok {
		if prev == roomID {
			return r.membersLocked(roomID), nil
		}
		r.removeLocked(prev, sess.ID)
		dep = &Departure{RoomID: prev, Members: r.membersLocked(prev)}
	}

	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]*entry)
		r.rooms[roomID] = room
	}
	room[sess.ID] = &entry{session: sess, joinedAt: r.now(), out: out}
	r.sessions[sess.ID] = roomID

	return r.membersLocked(roomID), dep
}

// Leave removes the session from roomID. A session that is not in the
// room is not an error: changed is false and members is nil.
func (r *Registry) Leave(roomID int, sessionID string) (members []models.RosterMember, removed *Removed, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	e, ok := room[sessionID]
	if !ok {
		return nil, nil, false
	}
	r.removeLocked(roomID, sessionID)
	return r.membersLocked(roomID), &Removed{roomID: roomID, e: e}, true
}

// Restore reinserts an entry previously returned by Leave, preserving
// its original join time. Used to unwind the registry when the durable
// counter update fails.
func (r *Registry) Restore(removed *Removed) {
	if removed == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// The session may have reconnected elsewhere in the meantime;
	// never yank it out of a newer room.
	if _, ok := r.sessions[removed.e.session.ID]; ok {
		return
	}
	room := r.rooms[removed.roomID]
	if room == nil {
		room = make(map[string]*entry)
		r.rooms[removed.roomID] = room
	}
	room[removed.e.session.ID] = removed.e
	r.sessions[removed.e.session.ID] = removed.roomID
}

// DropSession removes the session from whatever room it occupies.
// Used on disconnect, where the caller does not know the room.
func (r *Registry) DropSession(sessionID string) (roomID int, members []models.RosterMember, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok = r.sessions[sessionID]
	if !ok {
		return 0, nil, false
	}
	r.removeLocked(roomID, sessionID)
	return roomID, r.membersLocked(roomID), true
}

// MembersOf returns a snapshot of the room's members ordered by join time.
func (r *Registry) MembersOf(roomID int) []models.RosterMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked(roomID)
}

func (r *Registry) Count(roomID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

func (r *Registry) IsMember(roomID int, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID][sessionID]
	return ok
}

// Broadcast delivers payload to every session in the room. Delivery is
// at-most-once: sessions with a full outbound buffer miss the payload.
func (r *Registry) Broadcast(roomID int, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.rooms[roomID] {
		e.out.Enqueue(payload)
	}
}

// BroadcastExcept delivers payload to every session in the room except one.
func (r *Registry) BroadcastExcept(roomID int, exceptSessionID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, e := range r.rooms[roomID] {
		if sid == exceptSessionID {
			continue
		}
		e.out.Enqueue(payload)
	}
}

// Evict removes every session from the room, delivering payload (if
// any) to each before removal. Used by the empty-room sweep, which must
// handle residual entries a crashed leave may have left behind.
func (r *Registry) Evict(roomID int, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	evicted := len(room)
	for sid, e := range room {
		if payload != nil {
			e.out.Enqueue(payload)
		}
		delete(r.sessions, sid)
	}
	delete(r.rooms, roomID)
	return evicted
}

// Counts returns the member count of every occupied room.
func (r *Registry) Counts() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[int]int, len(r.rooms))
	for roomID, room := range r.rooms {
		counts[roomID] = len(room)
	}
	return counts
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{ActiveRooms: len(r.rooms)}
	for roomID, room := range r.rooms {
		stats.Rooms = append(stats.Rooms, RoomStat{RoomID: roomID, MemberCount: len(room)})
	}
	sort.Slice(stats.Rooms, func(i, j int) bool { return stats.Rooms[i].RoomID < stats.Rooms[j].RoomID })
	return stats
}

func (r *Registry) removeLocked(roomID int, sessionID string) {
	room := r.rooms[roomID]
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	delete(r.sessions, sessionID)
}

func (r *Registry) membersLocked(roomID int) []models.RosterMember {
	room := r.rooms[roomID]
	entries := make([]*entry, 0, len(room))
	for _, e := range room {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].joinedAt.Equal(entries[j].joinedAt) {
			return entries[i].session.ID < entries[j].session.ID
		}
		return entries[i].joinedAt.Before(entries[j].joinedAt)
	})

	members := make([]models.RosterMember, len(entries))
	for i, e := range entries {
		members[i] = models.RosterMember{
			UserID:   e.session.UserID,
			Username: e.session.Username,
			JoinedAt: e.joinedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return members
}
