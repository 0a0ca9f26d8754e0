package scenario

import (
	"context"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/world-streamer/internal/events"
	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/internal/observability"
	"github.com/signalsfoundry/world-streamer/internal/scene"
	"github.com/signalsfoundry/world-streamer/model"
)

// Policy decides what happens when a scenario begins while others are active.
type Policy int

const (
	// AutoUnload ends every other active scenario first.
	AutoUnload Policy = iota
	// Manual parks the request and prompts the caller to end the active
	// scenarios one by one.
	Manual
	// Stack runs scenarios side by side. Overlapping zone overrides keep the
	// first writer.
	Stack
)

func (p Policy) String() string {
	switch p {
	case Manual:
		return "manual"
	case Stack:
		return "stack"
	default:
		return "auto-unload"
	}
}

// ParsePolicy maps a configuration string to a Policy. Unknown values fall
// back to AutoUnload.
func ParsePolicy(s string) Policy {
	switch s {
	case "manual":
		return Manual
	case "stack":
		return Stack
	default:
		return AutoUnload
	}
}

// Topology is the read side of the world definition the overlay needs.
type Topology interface {
	Scenario(id string) (model.Scenario, error)
	Zone(id string) (model.Zone, error)
}

// Enqueuer is the scheduler surface the overlay emits into.
type Enqueuer interface {
	Enqueue(kind scene.Kind, name string)
}

// Epocher hands out the scheduler's current epoch context. An active
// scenario whose epoch is cancelled has its scenes requested again.
type Epocher interface {
	EpochContext() context.Context
}

// MetricsRecorder receives the active scenario count.
type MetricsRecorder interface {
	SetActiveScenarios(n int)
}

// Option configures optional collaborators.
type Option func(*Overlay)

func WithLogger(l logging.Logger) Option {
	return func(o *Overlay) { o.log = logging.OrNoop(l) }
}

func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *Overlay) { o.metrics = m }
}

func WithPolicy(p Policy) Option {
	return func(o *Overlay) { o.policy = p }
}

// WithEpochSource overrides the Epocher taken from the Enqueuer.
func WithEpochSource(e Epocher) Option {
	return func(o *Overlay) { o.epochs = e }
}

type override struct {
	owner string
	list  []string
}

// Overlay activates scenarios and owns the zone override map.
type Overlay struct {
	topo    Topology
	sched   Enqueuer
	epochs  Epocher
	pub     events.Publisher
	log     logging.Logger
	metrics MetricsRecorder
	policy  Policy

	mu        sync.Mutex
	active    []string
	defs      map[string]model.Scenario
	started   map[string]context.Context
	overrides map[string]override
	parked    string
}

// New returns an overlay with no active scenarios.
func New(topo Topology, sched Enqueuer, pub events.Publisher, opts ...Option) *Overlay {
	o := &Overlay{
		topo:      topo,
		sched:     sched,
		pub:       pub,
		log:       logging.Noop(),
		defs:      make(map[string]model.Scenario),
		started:   make(map[string]context.Context),
		overrides: make(map[string]override),
	}
	if e, ok := sched.(Epocher); ok {
		o.epochs = e
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Policy returns the configured policy.
func (o *Overlay) Policy() Policy { return o.policy }

// changes gathers the side effects of a locked section.
type changes struct {
	unloads []string
	loads   []string
	events  []events.Event
	active  int
}

func (o *Overlay) flush(c changes) {
	for _, name := range c.unloads {
		o.sched.Enqueue(scene.Unload, name)
	}
	for _, name := range c.loads {
		o.sched.Enqueue(scene.Load, name)
	}
	if o.metrics != nil {
		o.metrics.SetActiveScenarios(c.active)
	}
	if o.pub == nil {
		return
	}
	for _, ev := range c.events {
		o.pub.Publish(ev)
	}
}

// Begin activates scenarioID. Already active scenarios are left alone.
func (o *Overlay) Begin(ctx context.Context, scenarioID string) {
	def, err := o.topo.Scenario(scenarioID)
	if err != nil {
		o.log.Warn(ctx, "scenario begin ignored", logging.String("scenario", scenarioID), logging.Err(err))
		return
	}

	o.mu.Lock()
	if slices.Contains(o.active, scenarioID) {
		o.mu.Unlock()
		o.log.Debug(ctx, "scenario already active", logging.String("scenario", scenarioID))
		return
	}

	var c changes
	if len(o.active) > 0 && o.policy != Stack {
		if o.policy == Manual {
			if o.parked != "" && o.parked != scenarioID {
				o.log.Info(ctx, "parked scenario replaced",
					logging.String("previous", o.parked),
					logging.String("scenario", scenarioID),
				)
			}
			o.parked = scenarioID
			c.events = append(c.events, events.Event{Type: events.EndScenarioPrompt, ScenarioID: o.active[0]})
			c.active = len(o.active)
			o.renewLocked(ctx, &c)
			o.mu.Unlock()
			o.log.Debug(ctx, "scenario begin parked until active scenarios end",
				logging.String("scenario", scenarioID),
				logging.Int("active", c.active),
			)
			o.flush(c)
			return
		}
		for _, id := range slices.Clone(o.active) {
			o.endLocked(ctx, id, &c)
		}
	}
	o.renewLocked(ctx, &c)
	o.startLocked(ctx, def, &c)
	o.mu.Unlock()
	o.flush(c)
}

func (o *Overlay) startLocked(ctx context.Context, def model.Scenario, c *changes) {
	_, span := observability.StartSpan(ctx, "scenario.begin", "scenario", def.ID,
		attribute.Int("scenario.overrides", len(def.Overrides)),
	)
	defer span.End()

	o.active = append(o.active, def.ID)
	o.defs[def.ID] = def
	o.started[def.ID] = o.epochContext()
	for _, ov := range def.Overrides {
		if cur, ok := o.overrides[ov.ZoneID]; ok {
			o.log.Debug(ctx, "zone override already installed",
				logging.String("zone", ov.ZoneID),
				logging.String("owner", cur.owner),
				logging.String("scenario", def.ID),
			)
			continue
		}
		o.overrides[ov.ZoneID] = override{owner: def.ID, list: slices.Clone(ov.ContentList)}
		c.events = append(c.events, events.Event{Type: events.OverridesChanged, ZoneID: ov.ZoneID, ScenarioID: def.ID})
	}
	c.loads = append(c.loads, def.Scenes()...)
	c.events = append(c.events, events.Event{Type: events.ScenarioListChanged, List: slices.Clone(o.active)})
	c.active = len(o.active)
	o.log.Info(ctx, "scenario started", logging.String("scenario", def.ID), logging.Strings("scenes", def.Scenes()))
}

// End deactivates scenarioID and reverses what Begin installed. Scenes that
// another active scenario lists stay loaded, and each released zone passes to
// the earliest remaining scenario that overrides it. Under the manual policy it prompts for the next active scenario, or starts
// the parked request once none remain.
func (o *Overlay) End(ctx context.Context, scenarioID string) {
	o.mu.Lock()
	if !slices.Contains(o.active, scenarioID) {
		if o.parked == scenarioID {
			o.parked = ""
			o.mu.Unlock()
			o.log.Info(ctx, "parked scenario cancelled", logging.String("scenario", scenarioID))
			return
		}
		o.mu.Unlock()
		o.log.Debug(ctx, "scenario not active", logging.String("scenario", scenarioID))
		return
	}

	var c changes
	o.endLocked(ctx, scenarioID, &c)
	o.renewLocked(ctx, &c)
	if o.parked != "" {
		if len(o.active) > 0 {
			c.events = append(c.events, events.Event{Type: events.EndScenarioPrompt, ScenarioID: o.active[0]})
		} else {
			parked := o.parked
			o.parked = ""
			def, err := o.topo.Scenario(parked)
			if err != nil {
				o.log.Warn(ctx, "parked scenario vanished", logging.String("scenario", parked), logging.Err(err))
			} else {
				o.startLocked(ctx, def, &c)
			}
		}
	}
	o.mu.Unlock()
	o.flush(c)
}

func (o *Overlay) endLocked(ctx context.Context, scenarioID string, c *changes) {
	_, span := observability.StartSpan(ctx, "scenario.end", "scenario", scenarioID)
	defer span.End()

	def := o.defs[scenarioID]
	released := o.ownedZonesLocked(scenarioID)
	delete(o.defs, scenarioID)
	delete(o.started, scenarioID)
	o.active = slices.DeleteFunc(o.active, func(id string) bool { return id == scenarioID })

	for _, name := range def.Scenes() {
		if user := o.sceneUserLocked(name); user != "" {
			o.log.Debug(ctx, "scene kept for active scenario",
				logging.String("scene", name),
				logging.String("scenario", user),
			)
			continue
		}
		c.unloads = append(c.unloads, name)
	}
	for _, zone := range released {
		delete(o.overrides, zone)
		owner := scenarioID
		if next, ok := o.nextOverrideLocked(zone); ok {
			o.overrides[zone] = next
			owner = next.owner
			o.log.Debug(ctx, "zone override handed over",
				logging.String("zone", zone),
				logging.String("from", scenarioID),
				logging.String("to", owner),
			)
		}
		c.events = append(c.events, events.Event{Type: events.OverridesChanged, ZoneID: zone, ScenarioID: owner})
	}
	c.events = append(c.events, events.Event{Type: events.ScenarioListChanged, List: slices.Clone(o.active)})
	c.active = len(o.active)
	o.log.Info(ctx, "scenario ended", logging.String("scenario", scenarioID))
}

// sceneUserLocked returns the first active scenario that lists name.
func (o *Overlay) sceneUserLocked(name string) string {
	for _, id := range o.active {
		if slices.Contains(o.defs[id].Scenes(), name) {
			return id
		}
	}
	return ""
}

// nextOverrideLocked picks the override for zone declared by the earliest
// active scenario.
func (o *Overlay) nextOverrideLocked(zone string) (override, bool) {
	for _, id := range o.active {
		for _, ov := range o.defs[id].Overrides {
			if ov.ZoneID == zone {
				return override{owner: id, list: slices.Clone(ov.ContentList)}, true
			}
		}
	}
	return override{}, false
}

func (o *Overlay) epochContext() context.Context {
	if o.epochs == nil {
		return context.Background()
	}
	return o.epochs.EpochContext()
}

// renewLocked requests the scenes of every active scenario whose epoch was
// cancelled by a scheduler reset again, under the current epoch.
func (o *Overlay) renewLocked(ctx context.Context, c *changes) {
	for _, id := range o.active {
		epoch := o.started[id]
		if epoch == nil || epoch.Err() == nil {
			continue
		}
		o.started[id] = o.epochContext()
		scenes := o.defs[id].Scenes()
		c.loads = append(c.loads, scenes...)
		o.log.Info(ctx, "scenario scenes requested again after scheduler reset",
			logging.String("scenario", id),
			logging.Strings("scenes", scenes),
		)
	}
}

// ownedZonesLocked lists the zones whose override belongs to scenarioID, in
// the scenario's declaration order.
func (o *Overlay) ownedZonesLocked(scenarioID string) []string {
	var zones []string
	for _, ov := range o.defs[scenarioID].Overrides {
		if cur, ok := o.overrides[ov.ZoneID]; ok && cur.owner == scenarioID && !slices.Contains(zones, ov.ZoneID) {
			zones = append(zones, ov.ZoneID)
		}
	}
	return zones
}

// EndAll deactivates every scenario and drops a parked request. Each affected
// zone gets one OverridesChanged after all unloads are queued.
func (o *Overlay) EndAll(ctx context.Context) {
	o.mu.Lock()
	o.parked = ""
	if len(o.active) == 0 {
		o.mu.Unlock()
		return
	}

	affected := make([]string, 0, len(o.overrides))
	for zone := range o.overrides {
		affected = append(affected, zone)
	}
	sort.Strings(affected)

	var c changes
	for _, id := range o.active {
		c.unloads = append(c.unloads, o.defs[id].Scenes()...)
	}
	ended := len(o.active)
	o.active = nil
	clear(o.defs)
	clear(o.started)
	clear(o.overrides)
	for _, zone := range affected {
		c.events = append(c.events, events.Event{Type: events.OverridesChanged, ZoneID: zone})
	}
	c.events = append(c.events, events.Event{Type: events.ScenarioListChanged, List: []string{}})
	o.mu.Unlock()

	o.log.Info(ctx, "all scenarios ended", logging.Int("scenarios", ended), logging.Strings("zones", affected))
	o.flush(c)
}

// Reset forgets every scenario and override without queueing unloads.
func (o *Overlay) Reset(ctx context.Context) {
	o.mu.Lock()
	hadActive := len(o.active) > 0
	o.active = nil
	o.parked = ""
	clear(o.defs)
	clear(o.started)
	clear(o.overrides)
	o.mu.Unlock()

	c := changes{}
	if hadActive {
		c.events = append(c.events, events.Event{Type: events.ScenarioListChanged, List: []string{}})
	}
	o.flush(c)
	o.log.Debug(ctx, "scenario overlay reset")
}

// EffectiveContent returns the override for zoneID when one is installed,
// otherwise the zone's default content list.
func (o *Overlay) EffectiveContent(zoneID string) ([]string, error) {
	o.mu.Lock()
	ov, ok := o.overrides[zoneID]
	o.mu.Unlock()
	if ok {
		return slices.Clone(ov.list), nil
	}
	z, err := o.topo.Zone(zoneID)
	if err != nil {
		return nil, err
	}
	return z.ContentList, nil
}

// Active returns the active scenarios in activation order.
func (o *Overlay) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.active)
}

// Parked returns the begin request waiting under the manual policy.
func (o *Overlay) Parked() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.parked
}

// OverrideOwners maps each overridden zone to the scenario that owns it.
func (o *Overlay) OverrideOwners() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string, len(o.overrides))
	for zone, ov := range o.overrides {
		out[zone] = ov.owner
	}
	return out
}
