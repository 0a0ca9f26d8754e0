package world

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/world-streamer/internal/config"
	"github.com/signalsfoundry/world-streamer/internal/events"
	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/internal/proximity"
	"github.com/signalsfoundry/world-streamer/internal/region"
	"github.com/signalsfoundry/world-streamer/internal/scenario"
	"github.com/signalsfoundry/world-streamer/internal/scene"
	"github.com/signalsfoundry/world-streamer/internal/tick"
	"github.com/signalsfoundry/world-streamer/model"
	"github.com/signalsfoundry/world-streamer/topology"
)

// MetricsRecorder is the union of the component recorders.
// observability.StreamingCollector satisfies it.
type MetricsRecorder interface {
	scene.MetricsRecorder
	region.MetricsRecorder
	scenario.MetricsRecorder
	proximity.MetricsRecorder
}

// Option customises World construction.
type Option func(*World)

// WithLogger attaches a structured logger shared by every component.
func WithLogger(l logging.Logger) Option {
	return func(w *World) { w.log = logging.OrNoop(l) }
}

// WithMetricsRecorder attaches a recorder shared by every component.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(w *World) { w.metrics = m }
}

// WithPrimitive replaces the in-memory scene primitive.
func WithPrimitive(p scene.Primitive) Option {
	return func(w *World) { w.prim = p }
}

// WithPlacementSink receives the spawn placement of every region transition.
func WithPlacementSink(s region.PlacementSink) Option {
	return func(w *World) { w.sink = s }
}

// WithBus publishes onto an existing bus instead of a private one.
func WithBus(b *events.Bus) Option {
	return func(w *World) { w.bus = b }
}

// World owns one streaming context: the topology, the scene scheduler and
// the three subsystems that emit into it. Every request is forwarded to the
// owning component; nothing is shared across worlds.
type World struct {
	topo  *topology.Topology
	bus   *events.Bus
	ticks *tick.Scheduler

	scheduler *scene.Scheduler
	streamer  *proximity.Streamer
	regions   *region.Controller
	scenarios *scenario.Overlay

	prim    scene.Primitive
	sink    region.PlacementSink
	log     logging.Logger
	metrics MetricsRecorder

	unsubscribe func()
	frames      atomic.Uint64
}

// New wires a world over topo using the runtime tunables in settings.
func New(topo *topology.Topology, settings config.Settings, opts ...Option) (*World, error) {
	if topo == nil {
		return nil, fmt.Errorf("world: topology is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	w := &World{
		topo:  topo,
		ticks: tick.NewScheduler(),
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.bus == nil {
		w.bus = events.NewBus()
	}
	if w.prim == nil {
		w.prim = scene.NewMemoryPrimitive(1)
	}

	w.scheduler = scene.NewScheduler(w.prim, sceneConfig(settings),
		scene.WithLogger(w.log.With(logging.String("component", "scene"))),
		scene.WithMetricsRecorder(w.metrics),
		scene.WithPublisher(w.bus),
	)
	w.streamer = proximity.New(w.scheduler, proximityConfig(settings),
		proximity.WithLogger(w.log.With(logging.String("component", "proximity"))),
		proximity.WithMetricsRecorder(w.metrics),
	)
	w.scenarios = scenario.New(topo, w.scheduler, w.bus,
		scenario.WithLogger(w.log.With(logging.String("component", "scenario"))),
		scenario.WithMetricsRecorder(w.metrics),
		scenario.WithPolicy(scenario.ParsePolicy(settings.EffectiveScenarioPolicy())),
		scenario.WithEpochSource(w.scheduler),
	)
	regionOpts := []region.Option{
		region.WithLogger(w.log.With(logging.String("component", "region"))),
		region.WithMetricsRecorder(w.metrics),
		region.WithContentSource(w.scenarios),
		region.WithSettleTicks(uint64(settings.TransitionSettleTicks)),
		region.WithEpochSource(w.scheduler),
	}
	if w.sink != nil {
		regionOpts = append(regionOpts, region.WithPlacementSink(w.sink))
	}
	w.regions = region.NewController(topo, w.scheduler, w.ticks, w.bus, regionOpts...)

	w.streamer.SetVolumeSets(topo.VolumeSets())
	w.streamer.SetBandedSets(topo.SectionSets())

	// Overrides that touch the zone on display are rebroadcast.
	w.unsubscribe = w.bus.Subscribe(func(ev events.Event) {
		if ev.ZoneID != "" {
			w.regions.RefreshContent(context.Background(), ev.ZoneID)
		}
	}, events.OverridesChanged)

	return w, nil
}

func sceneConfig(s config.Settings) scene.Config {
	return scene.Config{
		MaxConcurrent:     s.MaxConcurrent,
		FrameBudget:       s.FrameBudget,
		DebounceTicks:     s.DebounceTicks,
		SettleTicks:       s.SettleTicks,
		ValidationWorkers: s.ValidationWorkers,
	}
}

func proximityConfig(s config.Settings) proximity.Config {
	return proximity.Config{
		HorizontalMultiplier: s.ProximityHorizontalMultiplier,
		VerticalMultiplier:   s.ProximityVerticalMultiplier,
		MaxOpsPerTick:        s.ProximityMaxOpsPerTick,
		MinMoveDelta:         s.ProximityMinMoveDelta,
		ParallelThreshold:    s.ProximityParallelThreshold,
	}
}

// Close detaches the world from its bus and stops the validation workers.
func (w *World) Close() error {
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	return w.scheduler.Close()
}

// Tick runs one frame: proximity evaluation, then the scheduler, then any
// deferred callbacks such as transition settling.
func (w *World) Tick(ctx context.Context, positions []model.Vec3) proximity.Stats {
	w.frames.Add(1)
	st := w.streamer.Tick(ctx, positions)
	w.scheduler.Tick(ctx)
	w.ticks.Advance()
	return st
}

// RequestRegionChange forwards to the region controller.
func (w *World) RequestRegionChange(ctx context.Context, regionID string) {
	w.regions.RequestRegionChange(ctx, regionID)
}

func (w *World) NotifyZone(ctx context.Context, zoneID string) {
	w.regions.NotifyZone(ctx, zoneID)
}

func (w *World) NotifyRegion(ctx context.Context, regionID string) {
	w.regions.NotifyRegion(ctx, regionID)
}

func (w *World) BeginScenario(ctx context.Context, scenarioID string) {
	w.scenarios.Begin(ctx, scenarioID)
}

func (w *World) EndScenario(ctx context.Context, scenarioID string) {
	w.scenarios.End(ctx, scenarioID)
}

func (w *World) EndAllScenarios(ctx context.Context) {
	w.scenarios.EndAll(ctx)
}

// ResetWorld returns every component to its initial state and unloads all
// scenes the scheduler still tracks. Work in flight finishes under the old
// generation and is released.
func (w *World) ResetWorld(ctx context.Context) {
	w.regions.Reset(ctx)
	w.scenarios.Reset(ctx)
	w.streamer.Reset()
	w.scheduler.Reset()
	w.scheduler.UnloadAll()
	w.log.Info(ctx, "world reset", logging.Uint64("frame", w.frames.Load()))
}

// Reload resets the world and rebuilds the topology from cfg. The streamer
// picks up the new volume and section sets. An invalid cfg is rejected
// before anything is reset.
func (w *World) Reload(ctx context.Context, cfg topology.Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		w.log.Error(ctx, "topology reload rejected", logging.Err(err))
		return fmt.Errorf("reload topology: %w", err)
	}
	w.ResetWorld(ctx)
	if err := w.topo.Rebuild(cfg); err != nil {
		w.log.Error(ctx, "topology rebuild failed", logging.Err(err))
		return fmt.Errorf("reload topology: %w", err)
	}
	w.streamer.SetVolumeSets(w.topo.VolumeSets())
	w.streamer.SetBandedSets(w.topo.SectionSets())
	w.log.Info(ctx, "topology reloaded", logging.Uint64("generation", w.topo.Generation()))
	return nil
}

// Idle reports whether no transition is running and the scheduler has
// nothing queued or in flight.
func (w *World) Idle() bool {
	return w.regions.State() == region.Idle && !w.scheduler.IsBusy()
}

func (w *World) Topology() *topology.Topology  { return w.topo }
func (w *World) Bus() *events.Bus              { return w.bus }
func (w *World) Scheduler() *scene.Scheduler   { return w.scheduler }
func (w *World) Regions() *region.Controller   { return w.regions }
func (w *World) Scenarios() *scenario.Overlay  { return w.scenarios }
func (w *World) Streamer() *proximity.Streamer { return w.streamer }

// Snapshot is a read-only view across components.
type Snapshot struct {
	Frame     uint64
	Scenes    scene.Snapshot
	Region    region.Snapshot
	Scenarios []string
	Volumes   map[string]proximity.Class
	Sections  map[string]string
}

// Snapshot copies the state of every component. The parts are read one
// after another and are not a single atomic cut.
func (w *World) Snapshot() Snapshot {
	return Snapshot{
		Frame:     w.frames.Load(),
		Scenes:    w.scheduler.Snapshot(),
		Region:    w.regions.Snapshot(),
		Scenarios: w.scenarios.Active(),
		Volumes:   w.streamer.Classes(),
		Sections:  w.streamer.ActiveSections(),
	}
}
