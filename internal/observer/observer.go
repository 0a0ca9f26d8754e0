package observer

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/world-streamer/model"
)

// Source yields the observer positions for a simulation time.
type Source interface {
	Positions(simTime time.Time) []model.Vec3
}

// MotionModel places an observer relative to the spawn it was last given.
type MotionModel interface {
	PositionAt(elapsed time.Duration, spawn model.Vec3) model.Vec3
}

// StaticMotion keeps the observer at its spawn.
type StaticMotion struct{}

func (StaticMotion) PositionAt(_ time.Duration, spawn model.Vec3) model.Vec3 { return spawn }

// WaypointMotion walks from the spawn through Points at Speed metres per
// second, stopping at the last point unless Loop is set.
type WaypointMotion struct {
	Points []model.Vec3
	Speed  float64
	Loop   bool
}

func (m WaypointMotion) PositionAt(elapsed time.Duration, spawn model.Vec3) model.Vec3 {
	if len(m.Points) == 0 || m.Speed <= 0 || elapsed <= 0 {
		return spawn
	}
	path := append([]model.Vec3{spawn}, m.Points...)
	if m.Loop {
		path = append(path, spawn)
	}
	var total float64
	for i := 1; i < len(path); i++ {
		total += path[i-1].DistanceTo(path[i])
	}
	if total == 0 {
		return spawn
	}

	travelled := m.Speed * elapsed.Seconds()
	if m.Loop {
		travelled = math.Mod(travelled, total)
	} else if travelled >= total {
		return path[len(path)-1]
	}
	for i := 1; i < len(path); i++ {
		seg := path[i-1].DistanceTo(path[i])
		if travelled <= seg {
			if seg == 0 {
				return path[i]
			}
			f := travelled / seg
			a, b := path[i-1], path[i]
			return model.Vec3{
				X: a.X + (b.X-a.X)*f,
				Y: a.Y + (b.Y-a.Y)*f,
				Z: a.Z + (b.Z-a.Z)*f,
			}
		}
		travelled -= seg
	}
	return path[len(path)-1]
}

// NewMotionModel picks waypoint motion when points are given, static
// otherwise.
func NewMotionModel(points []model.Vec3, speed float64, loop bool) MotionModel {
	if len(points) > 0 && speed > 0 {
		return WaypointMotion{Points: slices.Clone(points), Speed: speed, Loop: loop}
	}
	return StaticMotion{}
}

// Observer is a single moving viewpoint. It is the placement sink of the
// region controller: every spawn restarts its motion model from the new
// position.
type Observer struct {
	mu        sync.Mutex
	motion    MotionModel
	placement model.Placement
	spawnedAt time.Time
	lastSeen  time.Time
	spawns    int
}

// New returns an observer at the origin.
func New(motion MotionModel) *Observer {
	if motion == nil {
		motion = StaticMotion{}
	}
	return &Observer{motion: motion}
}

// ApplyPlacement teleports the observer and restarts its motion.
func (o *Observer) ApplyPlacement(p model.Placement) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.placement = p
	o.spawnedAt = o.lastSeen
	o.spawns++
}

// SetMotion swaps the motion model; the current spawn stays the origin.
func (o *Observer) SetMotion(m MotionModel) {
	if m == nil {
		m = StaticMotion{}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.motion = m
	o.spawnedAt = o.lastSeen
}

// Placement returns the last applied placement.
func (o *Observer) Placement() model.Placement {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.placement
}

// Spawns counts applied placements.
func (o *Observer) Spawns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spawns
}

// Position returns where the observer is at simTime.
func (o *Observer) Position(simTime time.Time) model.Vec3 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSeen.IsZero() && o.spawnedAt.IsZero() {
		o.spawnedAt = simTime
	}
	o.lastSeen = simTime
	return o.motion.PositionAt(simTime.Sub(o.spawnedAt), o.placement.Position)
}

// Positions implements Source.
func (o *Observer) Positions(simTime time.Time) []model.Vec3 {
	return []model.Vec3{o.Position(simTime)}
}

// Group merges several sources into one.
type Group []Source

func (g Group) Positions(simTime time.Time) []model.Vec3 {
	var out []model.Vec3
	for _, s := range g {
		if s != nil {
			out = append(out, s.Positions(simTime)...)
		}
	}
	return out
}
