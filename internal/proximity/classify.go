package proximity

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/world-streamer/model"
)

// Class is the proximity of the observer to a volume set.
type Class int

const (
	Far Class = iota
	Nearby
	Contained
)

func (c Class) String() string {
	switch c {
	case Far:
		return "far"
	case Nearby:
		return "nearby"
	case Contained:
		return "contained"
	default:
		return "unknown"
	}
}

// Active reports whether the class keeps the set's scene loaded.
func (c Class) Active() bool { return c != Far }

// Classify returns the closest class any observer position reaches against
// any volume of set. h scales the horizontal extents and v the vertical one
// for the nearby test.
func Classify(set model.VolumeSet, positions []model.Vec3, h, v float64) Class {
	best := Far
	for _, p := range positions {
		for _, vol := range set.Volumes {
			if vol.Bounds.Contains(p) {
				return Contained
			}
			if vol.Bounds.ContainsScaled(p, h, v) {
				best = Nearby
			}
		}
	}
	return best
}

// ActiveSection returns the section of the innermost band that contains
// distance, or "" when distance lies beyond every band. bands must be sorted
// by MaxDistance.
func ActiveSection(bands []model.Band, distance float64) string {
	for _, b := range bands {
		if distance <= b.MaxDistance {
			return b.Section
		}
	}
	return ""
}

// closestPlanarDistance is the planar distance from center to the nearest
// observer position.
func closestPlanarDistance(center model.Vec3, positions []model.Vec3) float64 {
	best := -1.0
	for _, p := range positions {
		d := p.PlanarDistanceTo(center)
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}

// classifyAll classifies every set. Above threshold the work is split into
// chunks evaluated on an errgroup; each chunk writes a disjoint range of the
// result slice.
func classifyAll(ctx context.Context, sets []model.VolumeSet, positions []model.Vec3, h, v float64, threshold int) ([]Class, error) {
	out := make([]Class, len(sets))
	if len(sets) < threshold {
		for i, set := range sets {
			out[i] = Classify(set, positions, h, v)
		}
		return out, nil
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (len(sets) + workers - 1) / workers
	if chunk < 1 {
		chunk = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(sets); start += chunk {
		start := start
		end := min(start+chunk, len(sets))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				out[i] = Classify(sets[i], positions, h, v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
