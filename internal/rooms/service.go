package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proxchat/internal/apperr"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/presence"
	"proxchat/pkg/logger"

	"github.com/jackc/pgx/v5"
)

const (
	MaxRoomsPerUser = 2

	minRoomNameLen = 3
	maxRoomNameLen = 50
	maxDescription = 200
	maxTags        = 5

	minRadiusMeters     = 500
	maxRadiusMeters     = 5000
	defaultRadiusMeters = 1000
	defaultNearbyLimit  = 20
)

// Service covers the room CRUD surface: creation with the per-user
// limit, discovery, and creator-initiated deletion. Live membership is
// the coordinator's business, not the service's.
type Service struct {
	db    database.Database
	reg   *presence.Registry
	coord *Coordinator
}

func NewService(db database.Database, reg *presence.Registry, coord *Coordinator) *Service {
	return &Service{db: db, reg: reg, coord: coord}
}

func (s *Service) CreateRoom(ctx context.Context, user *models.User, req *models.CreateRoomRequest) (*models.Room, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	lon, lat, err := resolveLocation(user, req)
	if err != nil {
		return nil, err
	}

	count, err := s.db.CountActiveRoomsByCreator(ctx, user.ID)
	if err != nil {
		return nil, apperr.Transient("failed to check room limit", err)
	}
	if count >= MaxRoomsPerUser {
		return nil, apperr.Validation(fmt.Sprintf("you can only create maximum %d rooms", MaxRoomsPerUser))
	}

	exists, err := s.db.ActiveRoomNameExists(ctx, req.Name)
	if err != nil {
		return nil, apperr.Transient("failed to check room name", err)
	}
	if exists {
		return nil, apperr.Validation("room with this name already exists")
	}

	room, err := s.db.CreateRoom(ctx, req, user.ID, lon, lat)
	if err != nil {
		return nil, apperr.Transient("failed to create room", err)
	}

	if err := s.db.AdjustRoomsCreated(ctx, user.ID, 1); err != nil {
		logger.Warn("rooms_created increment failed for user %d, drift until reconcile: %v", user.ID, err)
	}

	logger.Info("Room %q created by %s", room.Name, user.Username)
	return room, nil
}

func (s *Service) GetRoom(ctx context.Context, roomID int) (*models.Room, error) {
	room, err := s.db.GetRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("room not found")
		}
		return nil, apperr.Transient("failed to load room", err)
	}
	if !room.IsActive {
		return nil, apperr.NotFound("room has been deleted")
	}
	return room, nil
}

// DiscoverRooms returns active rooms around a point, busiest first.
func (s *Service) DiscoverRooms(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]*models.Room, error) {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return nil, apperr.Validation("invalid coordinates")
	}
	if radiusMeters == 0 {
		radiusMeters = defaultRadiusMeters
	}
	if radiusMeters < minRadiusMeters {
		radiusMeters = minRadiusMeters
	}
	if radiusMeters > maxRadiusMeters {
		radiusMeters = maxRadiusMeters
	}
	if limit <= 0 || limit > defaultNearbyLimit {
		limit = defaultNearbyLimit
	}

	roomsList, err := s.db.ListNearbyRooms(ctx, lon, lat, radiusMeters, limit)
	if err != nil {
		return nil, apperr.Transient("failed to discover rooms", err)
	}
	return roomsList, nil
}

// UpdateUserLocation stores the user's current coordinates, which seed
// room creation and discovery when a request carries none of its own.
func (s *Service) UpdateUserLocation(ctx context.Context, userID int, lon, lat float64) error {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return apperr.Validation("invalid coordinates")
	}
	if err := s.db.UpdateUserLocation(ctx, userID, lon, lat); err != nil {
		return apperr.Transient("failed to update location", err)
	}
	return nil
}

// DeleteRoom soft-deletes a room on its creator's request, telling any
// present members first and evicting them from the registry.
func (s *Service) DeleteRoom(ctx context.Context, roomID, userID int) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatorID != userID {
		return apperr.Unauthorized("only the room creator can delete this room")
	}

	payload, err := models.EncodeFrame(models.EventRoomDeleted, models.RoomDeletedEvent{
		RoomID:   room.ID,
		RoomName: room.Name,
		Reason:   "Room has been deleted by the creator",
	})
	if err != nil {
		logger.Error("Error marshaling room_deleted frame: %v", err)
	}
	evicted := s.reg.Evict(roomID, payload)

	deactivated, err := s.db.DeactivateRoom(ctx, roomID)
	if err != nil {
		return apperr.Transient("failed to delete room", err)
	}
	if deactivated {
		if err := s.db.AdjustRoomsCreated(ctx, room.CreatorID, -1); err != nil {
			logger.Warn("rooms_created decrement failed for user %d, drift until reconcile: %v", room.CreatorID, err)
		}
	}

	logger.Info("Room %q deleted by creator (%d sessions evicted)", room.Name, evicted)
	return nil
}

func validateCreateRequest(req *models.CreateRoomRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)

	if len(req.Name) < minRoomNameLen || len(req.Name) > maxRoomNameLen {
		return apperr.Validation(fmt.Sprintf("room name must be %d-%d characters", minRoomNameLen, maxRoomNameLen))
	}
	if len(req.Description) > maxDescription {
		return apperr.Validation(fmt.Sprintf("description cannot exceed %d characters", maxDescription))
	}
	if len(req.Tags) > maxTags {
		return apperr.Validation(fmt.Sprintf("maximum %d tags allowed", maxTags))
	}
	if req.IsPrivate && req.Password == "" {
		return apperr.Validation("private rooms require a password")
	}
	return nil
}

func resolveLocation(user *models.User, req *models.CreateRoomRequest) (lon, lat float64, err error) {
	switch {
	case req.Longitude != nil && req.Latitude != nil:
		lon, lat = *req.Longitude, *req.Latitude
	case user.Longitude != 0 || user.Latitude != 0:
		lon, lat = user.Longitude, user.Latitude
	default:
		return 0, 0, apperr.Validation("location is required to create a room")
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return 0, 0, apperr.Validation("invalid coordinates")
	}
	return lon, lat, nil
}
