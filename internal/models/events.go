package models

import "encoding/json"

type EventType string

const (
	// client -> server
	EventJoinRoom    EventType = "join_room"
	EventLeaveRoom   EventType = "leave_room"
	EventSendMessage EventType = "send_message"
	EventTypingStart EventType = "typing_start"
	EventTypingStop  EventType = "typing_stop"

	// server -> client
	EventAck            EventType = "ack"
	EventReceiveMessage EventType = "receive_message"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventUsersList      EventType = "users_list"
	EventRoomDeleted    EventType = "room_deleted"
)

// Frame is the envelope for every websocket exchange. Client frames
// carry a sequence number that the matching ack echoes back.
type Frame struct {
	Event EventType       `json:"event"`
	Seq   int64           `json:"seq,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoomPayload struct {
	RoomID   int    `json:"room_id"`
	Password string `json:"password,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID int `json:"room_id"`
}

type SendMessagePayload struct {
	RoomID int    `json:"room_id"`
	Body   string `json:"message"`
}

type TypingPayload struct {
	RoomID int `json:"room_id"`
}

// RosterMember is one entry in a room's live member list, ordered by
// join time in every roster the server emits.
type RosterMember struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	JoinedAt string `json:"joined_at"`
}

type JoinAck struct {
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Room        *RoomSummary   `json:"room,omitempty"`
	Members     []RosterMember `json:"members,omitempty"`
	ActiveCount int            `json:"active_count"`
}

type LeaveAck struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SendAck struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type PresenceEvent struct {
	User        UserHandle     `json:"user"`
	Members     []RosterMember `json:"members"`
	ActiveCount int            `json:"active_count"`
}

type UsersListEvent struct {
	Members     []RosterMember `json:"members"`
	ActiveCount int            `json:"active_count"`
}

type TypingEvent struct {
	User UserHandle `json:"user"`
}

type RoomDeletedEvent struct {
	RoomID   int    `json:"room_id"`
	RoomName string `json:"room_name"`
	Reason   string `json:"reason"`
}

// EncodeFrame marshals a server-push frame for fan-out.
func EncodeFrame(event EventType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
