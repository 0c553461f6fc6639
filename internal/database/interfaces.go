package database

import (
	"context"
	"time"

	"proxchat/internal/models"
)

type UserRepository interface {
	CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int) (*models.User, error)
	MarkUserVerified(ctx context.Context, id int) error
	UpdateUserLocation(ctx context.Context, id int, lon, lat float64) error
	TouchUserActivity(ctx context.Context, id int) error
	AdjustRoomsCreated(ctx context.Context, userID, delta int) error
	DeleteUnverifiedUsersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteInactiveUsersBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ReconcileRoomsCreated(ctx context.Context) (int64, error)
}

type RoomRepository interface {
	CreateRoom(ctx context.Context, req *models.CreateRoomRequest, creatorID int, lon, lat float64) (*models.Room, error)
	GetRoomByID(ctx context.Context, id int) (*models.Room, error)
	ActiveRoomNameExists(ctx context.Context, name string) (bool, error)
	CountActiveRoomsByCreator(ctx context.Context, creatorID int) (int, error)
	ListNearbyRooms(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]*models.Room, error)

	// MemberJoined and MemberLeft keep the durable active_members
	// counter in step with the in-memory presence set. MemberLeft
	// floors at zero and stamps empty_at on the transition to empty;
	// MemberJoined clears it. MemberJoined only touches active rooms
	// and reports false when the room has been deactivated, so a join
	// racing the empty-room sweep can be unwound.
	MemberJoined(ctx context.Context, roomID int) (bool, error)
	MemberLeft(ctx context.Context, roomID int) error
	TouchRoomActivity(ctx context.Context, roomID int) error

	ListEmptyRoomsBefore(ctx context.Context, cutoff time.Time) ([]*models.Room, error)
	// DeactivateRoom soft-deletes a room. It reports false when the
	// room was already inactive, so re-running a sweep never
	// double-decrements the creator's room count.
	DeactivateRoom(ctx context.Context, roomID int) (bool, error)

	ListActiveRoomCounters(ctx context.Context) (map[int]int, error)
	SetActiveMembers(ctx context.Context, roomID, count int) error
}

type Database interface {
	UserRepository
	RoomRepository
	Close() error
}
