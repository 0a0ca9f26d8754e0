package proximity

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/internal/scene"
	"github.com/signalsfoundry/world-streamer/model"
)

// Config tunes the streamer.
type Config struct {
	HorizontalMultiplier float64
	VerticalMultiplier   float64
	// MaxOpsPerTick caps the scene operations issued by one Tick.
	MaxOpsPerTick int
	// MinMoveDelta is the smallest observer displacement that triggers a
	// new evaluation.
	MinMoveDelta float64
	// ParallelThreshold is the volume set count from which classification
	// runs in parallel.
	ParallelThreshold int
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		HorizontalMultiplier: 2,
		VerticalMultiplier:   1.5,
		MaxOpsPerTick:        4,
		MinMoveDelta:         0.5,
		ParallelThreshold:    64,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HorizontalMultiplier < 1 {
		c.HorizontalMultiplier = def.HorizontalMultiplier
	}
	if c.VerticalMultiplier < 1 {
		c.VerticalMultiplier = def.VerticalMultiplier
	}
	if c.MaxOpsPerTick <= 0 {
		c.MaxOpsPerTick = def.MaxOpsPerTick
	}
	if c.MinMoveDelta < 0 {
		c.MinMoveDelta = 0
	}
	if c.ParallelThreshold <= 0 {
		c.ParallelThreshold = def.ParallelThreshold
	}
	return c
}

// Enqueuer is the scheduler surface the streamer emits into.
type Enqueuer interface {
	Enqueue(kind scene.Kind, name string)
}

// MetricsRecorder receives proximity measurements.
type MetricsRecorder interface {
	IncProximityOp(kind string)
	AddProximityDeferred(n int)
}

// Option configures optional collaborators.
type Option func(*Streamer)

func WithLogger(l logging.Logger) Option {
	return func(s *Streamer) { s.log = logging.OrNoop(l) }
}

func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Streamer) { s.metrics = m }
}

// Stats summarises one Tick.
type Stats struct {
	Skipped  bool
	Loads    int
	Unloads  int
	Deferred int
}

// Streamer promotes and demotes volume sets and banded sections as observers
// move. It never loads or unloads directly; every change goes through the
// Enqueuer.
type Streamer struct {
	cfg     Config
	sched   Enqueuer
	log     logging.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	sets     []model.VolumeSet
	banded   []model.BandedSet
	classes  map[string]Class
	sections map[string]string

	last      []model.Vec3
	evaluated bool
	pending   bool
}

// New returns a streamer with no sets.
func New(sched Enqueuer, cfg Config, opts ...Option) *Streamer {
	s := &Streamer{
		cfg:      cfg.withDefaults(),
		sched:    sched,
		log:      logging.Noop(),
		classes:  make(map[string]Class),
		sections: make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetVolumeSets replaces the tracked volume sets. Sets that disappear while
// active have their scene unloaded; surviving sets keep their class.
func (s *Streamer) SetVolumeSets(sets []model.VolumeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := slices.Clone(sets)
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	keep := make(map[string]bool, len(next))
	for _, set := range next {
		keep[set.ID] = true
	}
	for _, old := range s.sets {
		if keep[old.ID] {
			continue
		}
		if s.classes[old.ID].Active() {
			s.emit(scene.Unload, sceneOf(old))
		}
		delete(s.classes, old.ID)
	}
	s.sets = next
	s.pending = true
}

// SetBandedSets replaces the tracked banded sets. Removed sets release their
// active section.
func (s *Streamer) SetBandedSets(sets []model.BandedSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]model.BandedSet, len(sets))
	for i, set := range sets {
		set.Bands = slices.Clone(set.Bands)
		sort.SliceStable(set.Bands, func(a, b int) bool { return set.Bands[a].MaxDistance < set.Bands[b].MaxDistance })
		next[i] = set
	}
	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	keep := make(map[string]bool, len(next))
	for _, set := range next {
		keep[set.ID] = true
	}
	for _, old := range s.banded {
		if keep[old.ID] {
			continue
		}
		if sec := s.sections[old.ID]; sec != "" {
			s.emit(scene.Unload, sec)
		}
		delete(s.sections, old.ID)
	}
	s.banded = next
	s.pending = true
}

// Reset forgets every class and active section without emitting operations.
// Callers pair it with an unload of everything the scheduler holds.
func (s *Streamer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.classes)
	clear(s.sections)
	s.last = nil
	s.evaluated = false
	s.pending = false
}

// Classes returns the current class of every volume set.
func (s *Streamer) Classes() map[string]Class {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Class, len(s.sets))
	for _, set := range s.sets {
		out[set.ID] = s.classes[set.ID]
	}
	return out
}

// ActiveSections returns the active section of every banded set, "" when the
// observer is beyond all bands.
func (s *Streamer) ActiveSections() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.banded))
	for _, set := range s.banded {
		out[set.ID] = s.sections[set.ID]
	}
	return out
}

// Tick evaluates positions against every set and enqueues the resulting
// loads and unloads, at most MaxOpsPerTick of them. Sets whose transition
// does not fit keep their previous class and are retried next tick.
func (s *Streamer) Tick(ctx context.Context, positions []model.Vec3) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(positions) == 0 {
		return Stats{Skipped: true}
	}
	if s.evaluated && !s.pending && displacement(s.last, positions) < s.cfg.MinMoveDelta {
		return Stats{Skipped: true}
	}

	classes, err := classifyAll(ctx, s.sets, positions, s.cfg.HorizontalMultiplier, s.cfg.VerticalMultiplier, s.cfg.ParallelThreshold)
	if err != nil {
		s.log.Warn(ctx, "proximity classification abandoned", logging.Err(err))
		return Stats{Skipped: true}
	}

	var st Stats
	budget := s.cfg.MaxOpsPerTick
	for i, set := range s.sets {
		prev, next := s.classes[set.ID], classes[i]
		switch {
		case prev.Active() == next.Active():
			s.classes[set.ID] = next
		case budget == 0:
			st.Deferred++
		case next.Active():
			s.emit(scene.Load, sceneOf(set))
			s.classes[set.ID] = next
			st.Loads++
			budget--
		default:
			s.emit(scene.Unload, sceneOf(set))
			s.classes[set.ID] = next
			st.Unloads++
			budget--
		}
	}

	for _, set := range s.banded {
		prev := s.sections[set.ID]
		want := ActiveSection(set.Bands, closestPlanarDistance(set.Center, positions))
		if prev == want {
			continue
		}
		if prev != "" {
			if budget == 0 {
				st.Deferred++
				continue
			}
			s.emit(scene.Unload, prev)
			s.sections[set.ID] = ""
			st.Unloads++
			budget--
		}
		if want != "" {
			if budget == 0 {
				st.Deferred++
				continue
			}
			s.emit(scene.Load, want)
			s.sections[set.ID] = want
			st.Loads++
			budget--
		}
		s.log.Debug(ctx, "banded set switched section",
			logging.String("set", set.ID),
			logging.String("from", prev),
			logging.String("to", want),
		)
	}

	s.last = slices.Clone(positions)
	s.evaluated = true
	s.pending = st.Deferred > 0
	if st.Deferred > 0 {
		if s.metrics != nil {
			s.metrics.AddProximityDeferred(st.Deferred)
		}
		s.log.Debug(ctx, "proximity transitions deferred", logging.Int("deferred", st.Deferred))
	}
	return st
}

func (s *Streamer) emit(kind scene.Kind, name string) {
	s.sched.Enqueue(kind, name)
	if s.metrics != nil {
		s.metrics.IncProximityOp(kind.String())
	}
}

func sceneOf(set model.VolumeSet) string {
	if set.Scene != "" {
		return set.Scene
	}
	return set.ID
}

// displacement is the largest distance any observer moved. A change in the
// number of observers counts as unbounded movement.
func displacement(prev, next []model.Vec3) float64 {
	if len(prev) != len(next) {
		return math.Inf(1)
	}
	var worst float64
	for i := range next {
		worst = max(worst, prev[i].DistanceTo(next[i]))
	}
	return worst
}
