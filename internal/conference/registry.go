package conference

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	Name         string     `json:"name"`
	Pipeline     string     `json:"pipeline"`
	CreatedAt    time.Time  `json:"created_at"`
	Participants []UserInfo `json:"participants"`
}

// Registry maps room names to rooms. Rooms are created lazily on first join
// and removed once their last participant leaves.
type Registry struct {
	engine  engine.Engine
	timeout time.Duration
	log     *slog.Logger

	creating singleflight.Group

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty registry. timeout bounds each engine call.
func NewRegistry(eng engine.Engine, timeout time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		engine:  eng,
		timeout: timeout,
		log:     log.With("component", "registry"),
		rooms:   make(map[string]*Room),
	}
}

// Lookup returns the live room with the given name.
func (r *Registry) Lookup(name string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	return room, ok
}

// Resolve returns the room with the given name, creating it and its pipeline
// if needed. Concurrent callers for the same missing room share a single
// pipeline allocation. A failed allocation is not remembered, so a later call
// retries.
func (r *Registry) Resolve(ctx context.Context, name string) (*Room, error) {
	if room, ok := r.Lookup(name); ok {
		return room, nil
	}

	ch := r.creating.DoChan(name, func() (any, error) {
		if room, ok := r.Lookup(name); ok {
			return room, nil
		}

		// The allocation is shared; one caller giving up must not fail the rest.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		pipeline, err := r.engine.CreatePipeline(cctx)
		if err != nil {
			r.log.Error("pipeline allocation failed", "room", name, "err", err,
				"engine_unavailable", errors.Is(err, engine.ErrUnavailable))
			return nil, newError("create room", name, ErrRoomCreationFailed, err)
		}

		room := newRoom(name, pipeline)

		r.mu.Lock()
		r.rooms[name] = room
		r.mu.Unlock()

		r.log.Info("room created", "room", name, "pipeline", pipeline.ID())
		return room, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		go r.reclaim(ch)
		return nil, newError("create room", name, ErrRoomCreationFailed, ctx.Err())
	}
}

// reclaim waits for an allocation a caller gave up on and releases the room
// if nobody joined it. A joiner that resolved the same room and locks it
// afterwards sees it closed and resolves again.
func (r *Registry) reclaim(ch <-chan singleflight.Result) {
	res := <-ch
	if res.Err != nil {
		return
	}
	room := res.Val.(*Room)

	room.ops.Lock()
	defer room.ops.Unlock()
	if _, err := r.ReleaseIfEmpty(context.Background(), room); err != nil {
		r.log.Warn("releasing abandoned room failed", "room", room.Name, "err", err)
	}
}

// ReleaseIfEmpty removes room and releases its pipeline if it has no
// participants. The caller must hold the room's ops lock. It reports whether
// the room was removed.
func (r *Registry) ReleaseIfEmpty(ctx context.Context, room *Room) (bool, error) {
	if room.closed || room.Len() > 0 {
		return false, nil
	}

	r.mu.Lock()
	if cur, ok := r.rooms[room.Name]; ok && cur == room {
		delete(r.rooms, room.Name)
	}
	r.mu.Unlock()
	room.closed = true

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := room.pipeline.Release(cctx); err != nil {
		r.log.Warn("pipeline release failed", "room", room.Name, "pipeline", room.pipeline.ID(), "err", err)
		return true, err
	}

	r.log.Info("room released", "room", room.Name)
	return true, nil
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Snapshot lists all live rooms sorted by name.
func (r *Registry) Snapshot() []RoomInfo {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, RoomInfo{
			Name:         room.Name,
			Pipeline:     room.pipeline.ID(),
			CreatedAt:    room.CreatedAt,
			Participants: room.Users(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
