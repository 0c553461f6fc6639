// Package ghost holds the periodic cleanup jobs that keep user and
// room state from growing unbounded: unverified accounts, inactive
// accounts, and rooms that have sat empty past their TTL. Each sweep
// runs on its own timer and fails on its own; one sweep blowing up
// never stops the others.
package ghost

import (
	"context"
	"time"

	"proxchat/internal/config"
	"proxchat/internal/database"
	"proxchat/internal/models"
	"proxchat/internal/presence"
	"proxchat/pkg/logger"

	"golang.org/x/sync/errgroup"
)

type Sweeper struct {
	db  database.Database
	reg *presence.Registry
	cfg config.GhostConfig
	now func() time.Time
}

func NewSweeper(db database.Database, reg *presence.Registry, cfg config.GhostConfig) *Sweeper {
	return &Sweeper{db: db, reg: reg, cfg: cfg, now: time.Now}
}

// Run blocks until ctx is done, driving every sweep on its own ticker.
func (s *Sweeper) Run(ctx context.Context) {
	logger.Info("Cleanup sweeps active: unverified every %s, inactive every %s, empty rooms every %s, reconcile every %s",
		s.cfg.UnverifiedInterval, s.cfg.InactiveInterval, s.cfg.EmptyRoomInterval, s.cfg.ReconcileInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop(ctx, s.cfg.UnverifiedInterval, "unverified user sweep", s.SweepUnverifiedUsers)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, s.cfg.InactiveInterval, "inactive user sweep", s.SweepInactiveUsers)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, s.cfg.EmptyRoomInterval, "empty room sweep", s.SweepEmptyRooms)
		return nil
	})
	g.Go(func() error {
		s.loop(ctx, s.cfg.ReconcileInterval, "counter reconcile", s.ReconcileCounters)
		return nil
	})
	g.Wait()
	logger.Info("Cleanup sweeps stopped")
}

// loop isolates one sweep: errors are logged and swallowed so a broken
// store never takes the scheduler down.
func (s *Sweeper) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) (int64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := sweep(ctx)
			if err != nil {
				logger.Error("[ghost] %s failed: %v", name, err)
				continue
			}
			if count > 0 {
				logger.Info("[ghost] %s affected %d records", name, count)
			}
		}
	}
}

// SweepUnverifiedUsers deletes accounts that never verified within the
// TTL.
func (s *Sweeper) SweepUnverifiedUsers(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.UnverifiedTTL)
	return s.db.DeleteUnverifiedUsersBefore(ctx, cutoff)
}

// SweepInactiveUsers deletes verified accounts idle past the TTL.
func (s *Sweeper) SweepInactiveUsers(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.InactiveTTL)
	return s.db.DeleteInactiveUsersBefore(ctx, cutoff)
}

// SweepEmptyRooms soft-deletes rooms empty past the TTL. Any residual
// presence entries (stale state a crashed leave can leave behind) are
// told the room is gone and then evicted before the room record is
// touched. Per-room failures are logged and the sweep moves on.
func (s *Sweeper) SweepEmptyRooms(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.EmptyRoomTTL)
	rooms, err := s.db.ListEmptyRoomsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var cleaned int64
	for _, room := range rooms {
		payload, err := models.EncodeFrame(models.EventRoomDeleted, models.RoomDeletedEvent{
			RoomID:   room.ID,
			RoomName: room.Name,
			Reason:   "Room has been deleted due to inactivity",
		})
		if err != nil {
			logger.Error("[ghost] room_deleted frame for room %d: %v", room.ID, err)
		}
		if evicted := s.reg.Evict(room.ID, payload); evicted > 0 {
			logger.Warn("[ghost] evicted %d stale sessions from empty room %d", evicted, room.ID)
		}

		deactivated, err := s.db.DeactivateRoom(ctx, room.ID)
		if err != nil {
			logger.Error("[ghost] failed to deactivate room %d: %v", room.ID, err)
			continue
		}
		if !deactivated {
			// Already swept by a concurrent run; nothing more to do.
			continue
		}
		if err := s.db.AdjustRoomsCreated(ctx, room.CreatorID, -1); err != nil {
			logger.Warn("[ghost] rooms_created decrement failed for user %d: %v", room.CreatorID, err)
		}
		cleaned++
		logger.Info("[ghost] deleted empty room %q", room.Name)
	}

	return cleaned, nil
}

// ReconcileCounters recomputes the durable counters from authoritative
// data: active_members from the presence registry, rooms_created from
// room ownership. This is the safety net for drift left by crashes
// between a registry mutation and its durable write.
func (s *Sweeper) ReconcileCounters(ctx context.Context) (int64, error) {
	live := s.reg.Counts()
	durable, err := s.db.ListActiveRoomCounters(ctx)
	if err != nil {
		return 0, err
	}

	var fixed int64
	for roomID, stored := range durable {
		if want := live[roomID]; want != stored {
			if err := s.db.SetActiveMembers(ctx, roomID, want); err != nil {
				logger.Error("[ghost] reconcile of room %d failed: %v", roomID, err)
				continue
			}
			logger.Warn("[ghost] reconciled room %d active_members %d -> %d", roomID, stored, want)
			fixed++
		}
	}

	users, err := s.db.ReconcileRoomsCreated(ctx)
	if err != nil {
		return fixed, err
	}
	return fixed + users, nil
}

type Results struct {
	UnverifiedUsers int64 `json:"unverified_users"`
	InactiveUsers   int64 `json:"inactive_users"`
	EmptyRooms      int64 `json:"empty_rooms"`
	Reconciled      int64 `json:"reconciled"`
}

// RunAll triggers every sweep once, outside the timers. Sweeps that
// fail contribute zero to the result; the others still run.
func (s *Sweeper) RunAll(ctx context.Context) Results {
	var res Results
	var err error

	if res.UnverifiedUsers, err = s.SweepUnverifiedUsers(ctx); err != nil {
		logger.Error("[ghost] manual unverified user sweep failed: %v", err)
	}
	if res.InactiveUsers, err = s.SweepInactiveUsers(ctx); err != nil {
		logger.Error("[ghost] manual inactive user sweep failed: %v", err)
	}
	if res.EmptyRooms, err = s.SweepEmptyRooms(ctx); err != nil {
		logger.Error("[ghost] manual empty room sweep failed: %v", err)
	}
	if res.Reconciled, err = s.ReconcileCounters(ctx); err != nil {
		logger.Error("[ghost] manual counter reconcile failed: %v", err)
	}
	return res
}

type JobStatus struct {
	Name     string `json:"name"`
	Interval string `json:"interval"`
	TTL      string `json:"ttl,omitempty"`
}

func (s *Sweeper) Status() []JobStatus {
	return []JobStatus{
		{Name: "unverified user sweep", Interval: s.cfg.UnverifiedInterval.String(), TTL: s.cfg.UnverifiedTTL.String()},
		{Name: "inactive user sweep", Interval: s.cfg.InactiveInterval.String(), TTL: s.cfg.InactiveTTL.String()},
		{Name: "empty room sweep", Interval: s.cfg.EmptyRoomInterval.String(), TTL: s.cfg.EmptyRoomTTL.String()},
		{Name: "counter reconcile", Interval: s.cfg.ReconcileInterval.String()},
	}
}
