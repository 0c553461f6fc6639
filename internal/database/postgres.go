package database

import (
	"context"
	"fmt"
	"time"

	"proxchat/internal/models"
	"proxchat/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// User Repository Implementation

func (db *PostgresDB) CreateUser(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (username, email, password_hash, is_verified, longitude, latitude, last_active_at, rooms_created, created_at)
		VALUES ($1, $2, $3, false, 0, 0, NOW(), 0, NOW())
		RETURNING id, username, email, is_verified, longitude, latitude, last_active_at, rooms_created, created_at`

	user := &models.User{PasswordHash: string(hash)}
	err = db.pool.QueryRow(ctx, query, req.Username, req.Email, string(hash)).Scan(
		&user.ID, &user.Username, &user.Email, &user.IsVerified,
		&user.Longitude, &user.Latitude,
		&user.LastActiveAt, &user.RoomsCreated, &user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

func (db *PostgresDB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, username, email, password_hash, is_verified, longitude, latitude, last_active_at, rooms_created, created_at
		FROM users WHERE email = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, email).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsVerified, &user.Longitude, &user.Latitude,
		&user.LastActiveAt, &user.RoomsCreated, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) GetUserByID(ctx context.Context, id int) (*models.User, error) {
	query := `
		SELECT id, username, email, is_verified, longitude, latitude, last_active_at, rooms_created, created_at
		FROM users WHERE id = $1`

	user := &models.User{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.IsVerified,
		&user.Longitude, &user.Latitude,
		&user.LastActiveAt, &user.RoomsCreated, &user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (db *PostgresDB) MarkUserVerified(ctx context.Context, id int) error {
	query := `UPDATE users SET is_verified = true, last_active_at = NOW() WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, id)
	return err
}

func (db *PostgresDB) UpdateUserLocation(ctx context.Context, id int, lon, lat float64) error {
	query := `UPDATE users SET longitude = $2, latitude = $3, last_active_at = NOW() WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, id, lon, lat)
	return err
}

func (db *PostgresDB) TouchUserActivity(ctx context.Context, id int) error {
	query := `UPDATE users SET last_active_at = NOW() WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, id)
	return err
}

func (db *PostgresDB) AdjustRoomsCreated(ctx context.Context, userID, delta int) error {
	query := `UPDATE users SET rooms_created = GREATEST(0, rooms_created + $2) WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, userID, delta)
	return err
}

func (db *PostgresDB) DeleteUnverifiedUsersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM users WHERE is_verified = false AND created_at < $1`
	tag, err := db.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *PostgresDB) DeleteInactiveUsersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM users WHERE is_verified = true AND last_active_at < $1`
	tag, err := db.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *PostgresDB) ReconcileRoomsCreated(ctx context.Context) (int64, error) {
	query := `
		UPDATE users u SET rooms_created = COALESCE(c.cnt, 0)
		FROM (SELECT creator_id, COUNT(*) AS cnt FROM rooms WHERE is_active = true GROUP BY creator_id) c
		WHERE u.id = c.creator_id AND u.rooms_created <> c.cnt`
	tag, err := db.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Room Repository Implementation

func (db *PostgresDB) CreateRoom(ctx context.Context, req *models.CreateRoomRequest, creatorID int, lon, lat float64) (*models.Room, error) {
	passwordHash := ""
	if req.IsPrivate && req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash room password: %w", err)
		}
		passwordHash = string(hash)
	}

	query := `
		INSERT INTO rooms (name, description, creator_id, longitude, latitude, is_private, password_hash,
			active_members, empty_at, is_active, tags, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), true, $8, NOW(), NOW())
		RETURNING id, name, description, creator_id, longitude, latitude, is_private,
			active_members, empty_at, is_active, tags, last_activity_at, created_at`

	room := &models.Room{PasswordHash: passwordHash}
	err := db.pool.QueryRow(ctx, query,
		req.Name, req.Description, creatorID, lon, lat, req.IsPrivate, passwordHash, req.Tags,
	).Scan(
		&room.ID, &room.Name, &room.Description, &room.CreatorID,
		&room.Longitude, &room.Latitude, &room.IsPrivate,
		&room.ActiveMembers, &room.EmptyAt, &room.IsActive,
		&room.Tags, &room.LastActivity, &room.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	return room, nil
}

func (db *PostgresDB) GetRoomByID(ctx context.Context, id int) (*models.Room, error) {
	query := `
		SELECT id, name, description, creator_id, longitude, latitude, is_private,
			COALESCE(password_hash, ''), active_members, empty_at, is_active, tags,
			last_activity_at, created_at
		FROM rooms WHERE id = $1`

	room := &models.Room{}
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&room.ID, &room.Name, &room.Description, &room.CreatorID,
		&room.Longitude, &room.Latitude, &room.IsPrivate, &room.PasswordHash,
		&room.ActiveMembers, &room.EmptyAt, &room.IsActive,
		&room.Tags, &room.LastActivity, &room.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return room, nil
}

func (db *PostgresDB) ActiveRoomNameExists(ctx context.Context, name string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM rooms WHERE LOWER(name) = LOWER($1) AND is_active = true)`

	var exists bool
	err := db.pool.QueryRow(ctx, query, name).Scan(&exists)
	return exists, err
}

func (db *PostgresDB) CountActiveRoomsByCreator(ctx context.Context, creatorID int) (int, error) {
	query := `SELECT COUNT(*) FROM rooms WHERE creator_id = $1 AND is_active = true`

	var count int
	err := db.pool.QueryRow(ctx, query, creatorID).Scan(&count)
	return count, err
}

func (db *PostgresDB) ListNearbyRooms(ctx context.Context, lon, lat, radiusMeters float64, limit int) ([]*models.Room, error) {
	// Bounding-box range query over the (longitude, latitude) index.
	// Good enough at neighbourhood radii; the box over-approximates
	// the circle slightly at its corners.
	latDelta := radiusMeters / 111320.0
	lonDelta := radiusMeters / 78840.0

	query := `
		SELECT id, name, description, creator_id, longitude, latitude, is_private,
			'', active_members, empty_at, is_active, tags, last_activity_at, created_at
		FROM rooms
		WHERE is_active = true
			AND longitude BETWEEN $1 AND $2
			AND latitude BETWEEN $3 AND $4
		ORDER BY active_members DESC, last_activity_at DESC
		LIMIT $5`

	rows, err := db.pool.Query(ctx, query,
		lon-lonDelta, lon+lonDelta, lat-latDelta, lat+latDelta, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room := &models.Room{}
		if err := rows.Scan(
			&room.ID, &room.Name, &room.Description, &room.CreatorID,
			&room.Longitude, &room.Latitude, &room.IsPrivate, &room.PasswordHash,
			&room.ActiveMembers, &room.EmptyAt, &room.IsActive,
			&room.Tags, &room.LastActivity, &room.CreatedAt,
		); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PostgresDB) MemberJoined(ctx context.Context, roomID int) (bool, error) {
	query := `
		UPDATE rooms
		SET active_members = active_members + 1, empty_at = NULL, last_activity_at = NOW()
		WHERE id = $1 AND is_active = true`
	tag, err := db.pool.Exec(ctx, query, roomID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) MemberLeft(ctx context.Context, roomID int) error {
	query := `
		UPDATE rooms
		SET active_members = GREATEST(0, active_members - 1),
			empty_at = CASE WHEN active_members = 1 THEN NOW() ELSE empty_at END,
			last_activity_at = NOW()
		WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, roomID)
	return err
}

func (db *PostgresDB) TouchRoomActivity(ctx context.Context, roomID int) error {
	query := `UPDATE rooms SET last_activity_at = NOW() WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, roomID)
	return err
}

func (db *PostgresDB) ListEmptyRoomsBefore(ctx context.Context, cutoff time.Time) ([]*models.Room, error) {
	query := `
		SELECT id, name, description, creator_id, longitude, latitude, is_private,
			'', active_members, empty_at, is_active, tags, last_activity_at, created_at
		FROM rooms
		WHERE active_members = 0 AND is_active = true AND empty_at IS NOT NULL AND empty_at < $1`

	rows, err := db.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room := &models.Room{}
		if err := rows.Scan(
			&room.ID, &room.Name, &room.Description, &room.CreatorID,
			&room.Longitude, &room.Latitude, &room.IsPrivate, &room.PasswordHash,
			&room.ActiveMembers, &room.EmptyAt, &room.IsActive,
			&room.Tags, &room.LastActivity, &room.CreatedAt,
		); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PostgresDB) DeactivateRoom(ctx context.Context, roomID int) (bool, error) {
	query := `UPDATE rooms SET is_active = false WHERE id = $1 AND is_active = true`
	tag, err := db.pool.Exec(ctx, query, roomID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *PostgresDB) ListActiveRoomCounters(ctx context.Context) (map[int]int, error) {
	query := `SELECT id, active_members FROM rooms WHERE is_active = true`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counters := make(map[int]int)
	for rows.Next() {
		var id, members int
		if err := rows.Scan(&id, &members); err != nil {
			return nil, err
		}
		counters[id] = members
	}

	return counters, rows.Err()
}

func (db *PostgresDB) SetActiveMembers(ctx context.Context, roomID, count int) error {
	query := `
		UPDATE rooms
		SET active_members = $2,
			empty_at = CASE WHEN $2 = 0 THEN COALESCE(empty_at, NOW()) ELSE NULL END
		WHERE id = $1 AND active_members <> $2`
	_, err := db.pool.Exec(ctx, query, roomID, count)
	return err
}
