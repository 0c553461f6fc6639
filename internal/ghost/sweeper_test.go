package ghost

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"proxchat/internal/config"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/presence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	database.Database

	unverifiedCutoff time.Time
	unverifiedCount  int64
	unverifiedErr    error

	inactiveCutoff time.Time
	inactiveCount  int64

	emptyRooms    []*models.Room
	listEmptyErr  error
	deactivated   map[int]bool
	deactivateErr map[int]error
	adjustments   map[int]int

	counters      map[int]int
	setMembers    map[int]int
	reconciledTag int64
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		deactivated:   make(map[int]bool),
		deactivateErr: make(map[int]error),
		adjustments:   make(map[int]int),
		counters:      make(map[int]int),
		setMembers:    make(map[int]int),
	}
}

func (f *fakeDB) DeleteUnverifiedUsersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.unverifiedCutoff = cutoff
	return f.unverifiedCount, f.unverifiedErr
}

func (f *fakeDB) DeleteInactiveUsersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.inactiveCutoff = cutoff
	return f.inactiveCount, nil
}

func (f *fakeDB) ListEmptyRoomsBefore(ctx context.Context, cutoff time.Time) ([]*models.Room, error) {
	if f.listEmptyErr != nil {
		return nil, f.listEmptyErr
	}
	var out []*models.Room
	for _, r := range f.emptyRooms {
		if r.EmptyAt != nil && r.EmptyAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDB) DeactivateRoom(ctx context.Context, roomID int) (bool, error) {
	if err := f.deactivateErr[roomID]; err != nil {
		return false, err
	}
	if f.deactivated[roomID] {
		return false, nil
	}
	f.deactivated[roomID] = true
	return true, nil
}

func (f *fakeDB) AdjustRoomsCreated(ctx context.Context, userID, delta int) error {
	f.adjustments[userID] += delta
	return nil
}

func (f *fakeDB) ListActiveRoomCounters(ctx context.Context) (map[int]int, error) {
	return f.counters, nil
}

func (f *fakeDB) SetActiveMembers(ctx context.Context, roomID, count int) error {
	f.setMembers[roomID] = count
	return nil
}

func (f *fakeDB) ReconcileRoomsCreated(ctx context.Context) (int64, error) {
	return f.reconciledTag, nil
}

type frameSink struct {
	frames []models.Frame
}

func (s *frameSink) Enqueue(p []byte) bool {
	var f models.Frame
	if err := json.Unmarshal(p, &f); err == nil {
		s.frames = append(s.frames, f)
	}
	return true
}

func testConfig() config.GhostConfig {
	return config.GhostConfig{
		UnverifiedTTL:      2 * time.Hour,
		UnverifiedInterval: 30 * time.Minute,
		InactiveTTL:        48 * time.Hour,
		InactiveInterval:   24 * time.Hour,
		EmptyRoomTTL:       30 * time.Minute,
		EmptyRoomInterval:  10 * time.Minute,
		ReconcileInterval:  time.Hour,
	}
}

func newTestSweeper(db *fakeDB, now time.Time) (*Sweeper, *presence.Registry) {
	reg := presence.NewRegistry()
	s := NewSweeper(db, reg, testConfig())
	s.now = func() time.Time { return now }
	return s, reg
}

func TestUserSweepCutoffs(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.unverifiedCount = 3
	db.inactiveCount = 2
	s, _ := newTestSweeper(db, now)

	count, err := s.SweepUnverifiedUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.True(t, db.unverifiedCutoff.Equal(now.Add(-2*time.Hour)))

	count, err = s.SweepInactiveUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.True(t, db.inactiveCutoff.Equal(now.Add(-48*time.Hour)))
}

func TestEmptyRoomSweepScenario(t *testing.T) {
	// Last member left at T0; the sweep runs at T0+31m with a 30m TTL.
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.emptyRooms = []*models.Room{
		{ID: 1, Name: "lobby", CreatorID: 10, IsActive: true, EmptyAt: &t0},
	}
	s, reg := newTestSweeper(db, t0.Add(31*time.Minute))

	// A stale presence entry nobody cleaned up: the sweep must notify
	// and evict it before touching the room record.
	stale := &frameSink{}
	reg.Join(1, models.Session{ID: "ghost", UserID: 99, Username: "zombie"}, stale)

	count, err := s.SweepEmptyRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.True(t, db.deactivated[1], "room should be soft-deleted")
	assert.Equal(t, -1, db.adjustments[10], "creator's room count should drop by one")
	assert.Equal(t, 0, reg.Count(1), "stale sessions should be evicted")

	require.Len(t, stale.frames, 1)
	assert.Equal(t, models.EventRoomDeleted, stale.frames[0].Event)
	var ev models.RoomDeletedEvent
	require.NoError(t, json.Unmarshal(stale.frames[0].Data, &ev))
	assert.Equal(t, 1, ev.RoomID)
	assert.Equal(t, "lobby", ev.RoomName)
	assert.NotEmpty(t, ev.Reason)
}

func TestEmptyRoomSweepRespectsTTL(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.emptyRooms = []*models.Room{
		{ID: 1, Name: "young", CreatorID: 10, IsActive: true, EmptyAt: &t0},
	}
	// Only 29 minutes empty: not eligible yet.
	s, _ := newTestSweeper(db, t0.Add(29*time.Minute))

	count, err := s.SweepEmptyRooms(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.False(t, db.deactivated[1])
}

func TestEmptyRoomSweepIsIdempotent(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.emptyRooms = []*models.Room{
		{ID: 1, Name: "lobby", CreatorID: 10, IsActive: true, EmptyAt: &t0},
	}
	s, _ := newTestSweeper(db, t0.Add(time.Hour))

	first, err := s.SweepEmptyRooms(context.Background())
	require.NoError(t, err)
	second, err := s.SweepEmptyRooms(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Zero(t, second, "a re-run must not re-delete")
	assert.Equal(t, -1, db.adjustments[10], "creator must not be double-decremented")
}

func TestEmptyRoomSweepContinuesPastPerRoomFailure(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.emptyRooms = []*models.Room{
		{ID: 1, Name: "broken", CreatorID: 10, IsActive: true, EmptyAt: &t0},
		{ID: 2, Name: "fine", CreatorID: 20, IsActive: true, EmptyAt: &t0},
	}
	db.deactivateErr[1] = errors.New("store unavailable")
	s, _ := newTestSweeper(db, t0.Add(time.Hour))

	count, err := s.SweepEmptyRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.True(t, db.deactivated[2])
}

func TestReconcileCounters(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.counters = map[int]int{1: 5, 2: 0, 3: 1}
	db.reconciledTag = 2
	s, reg := newTestSweeper(db, now)

	// Live truth: room 1 has two sessions, room 3 has one, room 2 none.
	reg.Join(1, models.Session{ID: "a", UserID: 1, Username: "a"}, &frameSink{})
	reg.Join(1, models.Session{ID: "b", UserID: 2, Username: "b"}, &frameSink{})
	reg.Join(3, models.Session{ID: "c", UserID: 3, Username: "c"}, &frameSink{})

	fixed, err := s.ReconcileCounters(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[int]int{1: 2}, db.setMembers, "only drifted rooms get rewritten")
	assert.Equal(t, int64(1+2), fixed)
}

func TestRunAllSurvivesFailingSweep(t *testing.T) {
	t0 := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newFakeDB()
	db.unverifiedErr = errors.New("store unavailable")
	db.inactiveCount = 4
	db.emptyRooms = []*models.Room{
		{ID: 1, Name: "lobby", CreatorID: 10, IsActive: true, EmptyAt: &t0},
	}
	s, _ := newTestSweeper(db, t0.Add(time.Hour))

	res := s.RunAll(context.Background())

	assert.Zero(t, res.UnverifiedUsers)
	assert.Equal(t, int64(4), res.InactiveUsers, "other sweeps still run when one fails")
	assert.Equal(t, int64(1), res.EmptyRooms)
}

func TestStatus(t *testing.T) {
	db := newFakeDB()
	s, _ := newTestSweeper(db, time.Now())

	jobs := s.Status()
	require.Len(t, jobs, 4)
	assert.Equal(t, "30m0s", jobs[0].Interval)
	assert.Equal(t, "2h0m0s", jobs[0].TTL)
}
