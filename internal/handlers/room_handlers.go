package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"proxchat/internal/apperr"
	"proxchat/internal/auth"
	"proxchat/internal/models"
	"proxchat/internal/rooms"
	"proxchat/pkg/logger"
)

type RoomHandlers struct {
	roomService *rooms.Service
	authService *auth.Service
}

func NewRoomHandlers(roomService *rooms.Service, authService *auth.Service) *RoomHandlers {
	return &RoomHandlers{
		roomService: roomService,
		authService: authService,
	}
}

func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user, err := h.getUserFromToken(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	room, err := h.roomService.CreateRoom(r.Context(), user, &req)
	if err != nil {
		logger.Error("Create room error: %v", err)
		http.Error(w, apperr.Message(err), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(room.Summary())
}

func (h *RoomHandlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	if _, err := h.getUserFromToken(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := h.getRoomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room ID", http.StatusBadRequest)
		return
	}

	room, err := h.roomService.GetRoom(r.Context(), roomID)
	if err != nil {
		logger.Error("Get room error: %v", err)
		http.Error(w, apperr.Message(err), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(room.Summary())
}

// NearbyRooms answers discovery queries. Coordinates come from query
// parameters; radius and limit are clamped by the service.
func (h *RoomHandlers) NearbyRooms(w http.ResponseWriter, r *http.Request) {
	if _, err := h.getUserFromToken(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	lon, lonErr := strconv.ParseFloat(r.URL.Query().Get("longitude"), 64)
	lat, latErr := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
	if lonErr != nil || latErr != nil {
		http.Error(w, "longitude and latitude are required", http.StatusBadRequest)
		return
	}
	radius, _ := strconv.ParseFloat(r.URL.Query().Get("radius"), 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	nearby, err := h.roomService.DiscoverRooms(r.Context(), lon, lat, radius, limit)
	if err != nil {
		logger.Error("Nearby rooms error: %v", err)
		http.Error(w, apperr.Message(err), statusFor(err))
		return
	}

	summaries := make([]models.RoomSummary, 0, len(nearby))
	for _, room := range nearby {
		summaries = append(summaries, room.Summary())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rooms": summaries,
		"count": len(summaries),
	})
}

func (h *RoomHandlers) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	user, err := h.getUserFromToken(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	roomID, err := h.getRoomIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid room ID", http.StatusBadRequest)
		return
	}

	if err := h.roomService.DeleteRoom(r.Context(), roomID, user.ID); err != nil {
		logger.Error("Delete room error: %v", err)
		http.Error(w, apperr.Message(err), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("room deleted successfully"))
}

// UpdateLocation stores the caller's coordinates for later discovery
// and room-creation defaults.
func (h *RoomHandlers) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	user, err := h.getUserFromToken(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Longitude float64 `json:"longitude"`
		Latitude  float64 `json:"latitude"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := h.roomService.UpdateUserLocation(r.Context(), user.ID, req.Longitude, req.Latitude); err != nil {
		logger.Error("Update location error: %v", err)
		http.Error(w, apperr.Message(err), statusFor(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("location updated"))
}

func (h *RoomHandlers) getUserFromToken(r *http.Request) (*models.User, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		return nil, fmt.Errorf("missing token")
	}

	return h.authService.GetUserFromToken(r.Context(), tokenStr)
}

func (h *RoomHandlers) getRoomIDFromPath(r *http.Request) (int, error) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		return 0, fmt.Errorf("invalid path")
	}

	return strconv.Atoi(parts[1])
}
