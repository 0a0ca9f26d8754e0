package region

import (
	"context"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/world-streamer/internal/events"
	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/internal/observability"
	"github.com/signalsfoundry/world-streamer/internal/scene"
	"github.com/signalsfoundry/world-streamer/model"
)

// State of the controller.
type State int

const (
	Idle State = iota
	Transitioning
)

func (s State) String() string {
	if s == Transitioning {
		return "transitioning"
	}
	return "idle"
}

// DefaultSettleTicks is the delay between starting a transition and
// announcing the first zone of the new region.
const DefaultSettleTicks = 2

// Transition outcomes reported to the MetricsRecorder.
const (
	OutcomeStarted   = "started"
	OutcomeCompleted = "completed"
	OutcomeQueued    = "queued"
	OutcomeNoop      = "noop"
	OutcomeUnknown   = "unknown"
)

// Topology is the read side of the world definition the controller needs.
type Topology interface {
	Region(id string) (model.Region, error)
	IsCheckable(regionID, zoneID string) bool
}

// Enqueuer is the scheduler surface the controller emits into.
type Enqueuer interface {
	Enqueue(kind scene.Kind, name string)
}

// Epocher hands out the scheduler's current epoch context. A transition whose
// epoch is cancelled before it settles is abandoned.
type Epocher interface {
	EpochContext() context.Context
}

// ContentSource resolves the content list a zone currently presents.
type ContentSource interface {
	EffectiveContent(zoneID string) ([]string, error)
}

// PlacementSink receives the spawn placement of each transition.
type PlacementSink interface {
	ApplyPlacement(p model.Placement)
}

// Deferrer runs callbacks a number of ticks in the future.
type Deferrer interface {
	After(ticks uint64, fn func()) string
	Cancel(id string) bool
}

// MetricsRecorder receives transition outcomes.
type MetricsRecorder interface {
	IncRegionTransition(outcome string)
}

// Option configures optional collaborators.
type Option func(*Controller)

func WithLogger(l logging.Logger) Option {
	return func(c *Controller) { c.log = logging.OrNoop(l) }
}

func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithPlacementSink(s PlacementSink) Option {
	return func(c *Controller) { c.sink = s }
}

func WithContentSource(s ContentSource) Option {
	return func(c *Controller) { c.content = s }
}

// WithEpochSource overrides the Epocher taken from the Enqueuer.
func WithEpochSource(e Epocher) Option {
	return func(c *Controller) { c.epochs = e }
}

// WithSettleTicks overrides DefaultSettleTicks.
func WithSettleTicks(n uint64) Option {
	return func(c *Controller) { c.settleTicks = n }
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	State       State
	Region      string
	Zone        string
	Active      []string
	Queued      []string
	Transitions int
}

// Controller swaps whole regions in and out. It owns the current region and
// zone; every scene change goes through the Enqueuer and every announcement
// through the Publisher.
type Controller struct {
	topo    Topology
	sched   Enqueuer
	ticks   Deferrer
	epochs  Epocher
	pub     events.Publisher
	content ContentSource
	sink    PlacementSink
	log     logging.Logger
	metrics MetricsRecorder

	settleTicks uint64

	mu          sync.Mutex
	state       State
	current     string
	zone        string
	active      []string
	queue       []string
	transitions int
	settleID    string
	span        trace.Span

	lastRegion string
	lastZone   string
}

// NewController wires a controller. ticks must be advanced once per frame by
// the caller.
func NewController(topo Topology, sched Enqueuer, ticks Deferrer, pub events.Publisher, opts ...Option) *Controller {
	c := &Controller{
		topo:        topo,
		sched:       sched,
		ticks:       ticks,
		pub:         pub,
		log:         logging.Noop(),
		settleTicks: DefaultSettleTicks,
	}
	if e, ok := sched.(Epocher); ok {
		c.epochs = e
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// effects collects what a locked section decided so it can run after the
// lock is released.
type effects struct {
	events    []events.Event
	unloads   []string
	loads     []string
	placement *model.Placement
	next      string
}

func (c *Controller) apply(fx effects) {
	for _, ev := range fx.events {
		if ev.Type == events.RegionChanged {
			c.publish(ev)
		}
	}
	for _, name := range fx.unloads {
		c.sched.Enqueue(scene.Unload, name)
	}
	for _, name := range fx.loads {
		c.sched.Enqueue(scene.Load, name)
	}
	if fx.placement != nil && c.sink != nil {
		c.sink.ApplyPlacement(*fx.placement)
	}
	for _, ev := range fx.events {
		if ev.Type != events.RegionChanged {
			c.publish(ev)
		}
	}
}

func (c *Controller) publish(ev events.Event) {
	if c.pub != nil {
		c.pub.Publish(ev)
	}
}

func (c *Controller) record(outcome string) {
	if c.metrics != nil {
		c.metrics.IncRegionTransition(outcome)
	}
}

// RequestRegionChange starts a transition to regionID, or queues it behind
// the transition in progress. Unknown regions and requests for the settled
// current region are ignored.
func (c *Controller) RequestRegionChange(ctx context.Context, regionID string) {
	region, err := c.topo.Region(regionID)
	if err != nil {
		c.record(OutcomeUnknown)
		c.log.Warn(ctx, "region change request ignored", logging.String("region", regionID), logging.Err(err))
		return
	}

	c.mu.Lock()
	if c.state == Transitioning {
		tail := c.current
		if n := len(c.queue); n > 0 {
			tail = c.queue[n-1]
		}
		if tail == regionID {
			c.mu.Unlock()
			c.log.Debug(ctx, "region change already pending", logging.String("region", regionID))
			return
		}
		c.queue = append(c.queue, regionID)
		depth := len(c.queue)
		c.mu.Unlock()
		c.record(OutcomeQueued)
		c.log.Debug(ctx, "region change queued behind transition",
			logging.String("region", regionID),
			logging.Int("queued", depth),
		)
		return
	}
	if c.current == regionID {
		c.mu.Unlock()
		c.record(OutcomeNoop)
		c.log.Debug(ctx, "region already current", logging.String("region", regionID))
		return
	}
	fx := c.beginLocked(ctx, region)
	c.mu.Unlock()

	c.record(OutcomeStarted)
	c.apply(fx)
}

func (c *Controller) beginLocked(ctx context.Context, region model.Region) effects {
	var fx effects
	from := c.current

	_, c.span = observability.StartSpan(ctx, "region.transition", "region", region.ID,
		attribute.String("region.from", from),
		attribute.Int("region.transition_index", c.transitions),
	)

	c.state = Transitioning
	c.current = region.ID
	c.zone = ""
	c.lastRegion = region.ID
	fx.events = append(fx.events, events.Event{Type: events.RegionChanged, RegionID: region.ID})

	for _, id := range c.active {
		prev, err := c.topo.Region(id)
		if err != nil {
			c.log.Warn(ctx, "active region vanished from topology", logging.String("region", id), logging.Err(err))
			continue
		}
		fx.unloads = append(fx.unloads, prev.Dependencies...)
	}
	fx.loads = slices.Clone(region.Dependencies)

	placement := region.ReentrySpawn
	if c.transitions == 0 {
		placement = region.InitialSpawn
	}
	fx.placement = &placement
	c.transitions++
	c.active = []string{region.ID}

	target := region.ID
	detached := context.WithoutCancel(ctx)
	epoch := c.epochContext()
	c.settleID = c.ticks.After(c.settleTicks, func() { c.settle(detached, epoch, target) })

	c.log.Info(ctx, "region transition started",
		logging.String("from", from),
		logging.String("to", region.ID),
		logging.Int("unloads", len(fx.unloads)),
		logging.Int("loads", len(fx.loads)),
	)
	return fx
}

func (c *Controller) epochContext() context.Context {
	if c.epochs == nil {
		return context.Background()
	}
	return c.epochs.EpochContext()
}

func (c *Controller) settle(ctx, epoch context.Context, target string) {
	c.mu.Lock()
	if c.state != Transitioning || c.current != target {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.settleID = ""
	if epoch.Err() != nil {
		c.abandonLocked(ctx, epoch, target)
		return
	}

	var fx effects
	region, err := c.topo.Region(target)
	if err != nil {
		c.log.Warn(ctx, "settled region vanished from topology", logging.String("region", target), logging.Err(err))
	} else if len(region.Zones) > 0 {
		c.zone = region.Zones[0]
		c.lastZone = c.zone
		fx.events = c.zoneEventsLocked(ctx, target, c.zone)
	}
	if c.span != nil {
		c.span.SetAttributes(attribute.String("region.zone", c.zone))
		c.span.SetStatus(codes.Ok, "")
		c.span.End()
		c.span = nil
	}
	if len(c.queue) > 0 {
		fx.next = c.queue[0]
		c.queue = c.queue[1:]
	}
	zone := c.zone
	c.mu.Unlock()

	c.record(OutcomeCompleted)
	c.log.Info(ctx, "region transition settled", logging.String("region", target), logging.String("zone", zone))
	c.apply(fx)
	if fx.next != "" {
		c.RequestRegionChange(ctx, fx.next)
	}
}

// abandonLocked drops a transition whose scene work was discarded by a
// scheduler reset. Nothing is announced; the next request starts from an
// empty region. It releases c.mu.
func (c *Controller) abandonLocked(ctx, epoch context.Context, target string) {
	cause := epoch.Err()
	if c.span != nil {
		c.span.RecordError(cause)
		c.span.SetStatus(codes.Error, "epoch cancelled")
		c.span.End()
		c.span = nil
	}
	dropped := len(c.queue)
	c.current = ""
	c.zone = ""
	c.active = nil
	c.queue = nil
	c.lastRegion = ""
	c.lastZone = ""
	c.mu.Unlock()

	fields := []logging.Field{
		logging.String("region", target),
		logging.Int("dropped_requests", dropped),
		logging.Err(cause),
	}
	if n, ok := scene.EpochFromContext(epoch); ok {
		fields = append(fields, logging.Uint64("epoch", n))
	}
	c.log.Warn(ctx, "region transition abandoned", fields...)
}

func (c *Controller) zoneEventsLocked(ctx context.Context, regionID, zoneID string) []events.Event {
	out := []events.Event{{Type: events.ZoneChanged, RegionID: regionID, ZoneID: zoneID}}
	if c.content == nil {
		return out
	}
	list, err := c.content.EffectiveContent(zoneID)
	if err != nil {
		c.log.Warn(ctx, "content list unavailable", logging.String("zone", zoneID), logging.Err(err))
		return out
	}
	return append(out, events.Event{Type: events.ContentListBroadcast, RegionID: regionID, ZoneID: zoneID, List: list})
}

// NotifyZone reports that the observer is in zoneID. It is ignored while a
// transition is in progress, when it repeats the last notification, and for
// zones outside the current region's checkable set.
func (c *Controller) NotifyZone(ctx context.Context, zoneID string) {
	c.mu.Lock()
	switch {
	case c.state == Transitioning:
		c.mu.Unlock()
		c.log.Debug(ctx, "zone notification suppressed during transition", logging.String("zone", zoneID))
		return
	case zoneID == c.lastZone:
		c.mu.Unlock()
		return
	case !c.topo.IsCheckable(c.current, zoneID):
		region := c.current
		c.mu.Unlock()
		c.log.Debug(ctx, "zone notification outside checkable set",
			logging.String("zone", zoneID),
			logging.String("region", region),
		)
		return
	}
	c.zone = zoneID
	c.lastZone = zoneID
	fx := effects{events: c.zoneEventsLocked(ctx, c.current, zoneID)}
	c.mu.Unlock()
	c.apply(fx)
}

// NotifyRegion reports that the observer is in regionID. Accepted
// notifications request a change to that region.
func (c *Controller) NotifyRegion(ctx context.Context, regionID string) {
	c.mu.Lock()
	if c.state == Transitioning {
		c.mu.Unlock()
		c.log.Debug(ctx, "region notification suppressed during transition", logging.String("region", regionID))
		return
	}
	if regionID == c.lastRegion {
		c.mu.Unlock()
		return
	}
	c.lastRegion = regionID
	c.mu.Unlock()
	c.RequestRegionChange(ctx, regionID)
}

// RefreshContent rebroadcasts the content list when zoneID is the current,
// settled zone.
func (c *Controller) RefreshContent(ctx context.Context, zoneID string) {
	c.mu.Lock()
	if c.state == Transitioning || c.zone == "" || c.zone != zoneID {
		c.mu.Unlock()
		return
	}
	evs := c.zoneEventsLocked(ctx, c.current, zoneID)
	c.mu.Unlock()
	for _, ev := range evs[1:] {
		c.publish(ev)
	}
}

// Reset returns the controller to an empty idle state and drops queued
// requests. The process-wide transition count is kept, so the next
// transition uses the re-entry placement.
func (c *Controller) Reset(ctx context.Context) {
	c.mu.Lock()
	if c.settleID != "" {
		c.ticks.Cancel(c.settleID)
		c.settleID = ""
	}
	if c.span != nil {
		c.span.SetStatus(codes.Error, "reset")
		c.span.End()
		c.span = nil
	}
	dropped := len(c.queue)
	c.state = Idle
	c.current = ""
	c.zone = ""
	c.active = nil
	c.queue = nil
	c.lastRegion = ""
	c.lastZone = ""
	c.mu.Unlock()

	c.log.Info(ctx, "region controller reset", logging.Int("dropped_requests", dropped))
}

// Snapshot copies the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:       c.state,
		Region:      c.current,
		Zone:        c.zone,
		Active:      slices.Clone(c.active),
		Queued:      slices.Clone(c.queue),
		Transitions: c.transitions,
	}
}

// State reports whether a transition is in progress.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentZone returns the settled zone, "" while transitioning into a region.
func (c *Controller) CurrentZone() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zone
}
