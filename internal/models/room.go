package models

import "time"

// Room is the durable record for a location-scoped chat room. The
// live member set is held in memory; only the counter, emptiness
// timestamp, and activity timestamp are mirrored here.
type Room struct {
	ID            int        `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	CreatorID     int        `json:"creator_id"`
	Longitude     float64    `json:"longitude"`
	Latitude      float64    `json:"latitude"`
	IsPrivate     bool       `json:"is_private"`
	PasswordHash  string     `json:"-"`
	ActiveMembers int        `json:"active_members"`
	EmptyAt       *time.Time `json:"empty_at,omitempty"`
	IsActive      bool       `json:"is_active"`
	Tags          []string   `json:"tags"`
	LastActivity  time.Time  `json:"last_activity_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RoomSummary is the shape returned to a joining client; it never
// carries the password hash or location internals.
type RoomSummary struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPrivate   bool   `json:"is_private"`
}

func (r *Room) Summary() RoomSummary {
	return RoomSummary{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		IsPrivate:   r.IsPrivate,
	}
}

type CreateRoomRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsPrivate   bool     `json:"is_private"`
	Password    string   `json:"password,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Tags        []string `json:"tags"`
}

// Message is built per send and discarded after fan-out; it is never
// written to the store.
type Message struct {
	ID        string     `json:"id"`
	Sender    UserHandle `json:"sender"`
	RoomID    int        `json:"room_id"`
	Body      string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// UserHandle identifies a user inside room events.
type UserHandle struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

// Session identifies one connected client instance. A user with two
// devices holds two sessions.
type Session struct {
	ID       string
	UserID   int
	Username string
}

func (s Session) Handle() UserHandle {
	return UserHandle{UserID: s.UserID, Username: s.Username}
}
