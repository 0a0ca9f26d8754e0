package scenario

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/world-streamer/internal/events"
	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/internal/observability"
	"github.com/signalsfoundry/world-streamer/internal/scene"
	"github.com/signalsfoundry/world-streamer/topology"
)

const worldYAML = `
regions:
  - id: forest
    initial_spawn: {position: {x: 0, y: 0, z: 0}}
    scenarios: [storm, fog, festival]
    zones:
      - {id: forest_edge, content: [birds, wind]}
      - {id: forest_deep, content: [owls]}
scenarios:
  - id: storm
    scene: storm_fx
    dependencies: [storm_audio]
    overrides:
      - {zone: forest_edge, content: [shelter]}
  - id: fog
    scene: fog_fx
    dependencies: [shared_weather]
    overrides:
      - {zone: forest_edge, content: [mist]}
      - {zone: forest_deep, content: [haze]}
  - id: festival
    scene: festival_stage
`

type journal struct {
	entries []string
	events  events.Recorder
}

func (j *journal) Enqueue(kind scene.Kind, name string) {
	j.entries = append(j.entries, kind.String()+" "+name)
}

func (j *journal) Publish(ev events.Event) {
	j.entries = append(j.entries, ev.Type.String()+" "+ev.ZoneID+ev.ScenarioID)
	j.events.Record(ev)
}

func (j *journal) take() []string {
	out := j.entries
	j.entries = nil
	return out
}

const sharedYAML = `
regions:
  - id: forest
    initial_spawn: {position: {x: 0, y: 0, z: 0}}
    scenarios: [a, b]
    zones:
      - {id: forest_edge, content: [birds]}
scenarios:
  - id: a
    scene: a_fx
    dependencies: [shared_weather]
    overrides:
      - {zone: forest_edge, content: [from_a]}
  - id: b
    scene: b_fx
    dependencies: [shared_weather]
    overrides:
      - {zone: forest_edge, content: [from_b]}
`

func loadTopology(t *testing.T, src string) *topology.Topology {
	t.Helper()
	cfg, err := topology.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	topo, err := topology.New(cfg)
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}
	return topo
}

func newOverlay(t *testing.T, opts ...Option) (*Overlay, *journal) {
	t.Helper()
	j := &journal{}
	return New(loadTopology(t, worldYAML), j, j, opts...), j
}

func newScheduler(t *testing.T) *scene.Scheduler {
	t.Helper()
	s := scene.NewScheduler(scene.NewMemoryPrimitive(1), scene.Config{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// drainScenes ticks s until nothing is queued, validating or in flight.
func drainScenes(t *testing.T, s *scene.Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.IsBusy() {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler still busy: %+v", s.Snapshot())
		}
		if s.ValidationBacklog() > 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		s.Tick(context.Background())
	}
}

func content(t *testing.T, o *Overlay, zone string) []string {
	t.Helper()
	list, err := o.EffectiveContent(zone)
	if err != nil {
		t.Fatalf("EffectiveContent(%s): %v", zone, err)
	}
	return list
}

func TestBeginEndIsSymmetric(t *testing.T) {
	o, j := newOverlay(t)
	ctx := context.Background()

	o.Begin(ctx, "storm")
	want := []string{
		"load storm_fx", "load storm_audio",
		"overrides-changed forest_edgestorm",
		"scenario-list-changed ",
	}
	if got := j.take(); !slices.Equal(got, want) {
		t.Fatalf("begin = %v, want %v", got, want)
	}
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"shelter"}) {
		t.Fatalf("forest_edge = %v, want override", got)
	}

	o.End(ctx, "storm")
	want = []string{
		"unload storm_fx", "unload storm_audio",
		"overrides-changed forest_edgestorm",
		"scenario-list-changed ",
	}
	if got := j.take(); !slices.Equal(got, want) {
		t.Fatalf("end = %v, want %v", got, want)
	}
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"birds", "wind"}) {
		t.Fatalf("forest_edge = %v, want default restored", got)
	}
	if len(o.Active()) != 0 || len(o.OverrideOwners()) != 0 {
		t.Fatalf("state left behind: active=%v overrides=%v", o.Active(), o.OverrideOwners())
	}
}

func TestFirstWriterWins(t *testing.T) {
	o, j := newOverlay(t, WithPolicy(Stack))
	ctx := context.Background()

	o.Begin(ctx, "storm")
	j.take()
	o.Begin(ctx, "fog")
	changed := j.events.OfType(events.OverridesChanged)
	if len(changed) != 2 || changed[1].ZoneID != "forest_deep" {
		t.Fatalf("fog should only install forest_deep, got %+v", changed)
	}
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"shelter"}) {
		t.Fatalf("forest_edge = %v, first writer should win", got)
	}
	if got := content(t, o, "forest_deep"); !slices.Equal(got, []string{"haze"}) {
		t.Fatalf("forest_deep = %v", got)
	}

	j.take()
	j.events.Reset()
	o.End(ctx, "storm")
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"mist"}) {
		t.Fatalf("forest_edge = %v, fog's override should take over once storm ends", got)
	}
	if got := o.OverrideOwners(); len(got) != 2 || got["forest_edge"] != "fog" || got["forest_deep"] != "fog" {
		t.Fatalf("owners = %v, want fog on both zones", got)
	}
	changed = j.events.OfType(events.OverridesChanged)
	if len(changed) != 1 || changed[0].ZoneID != "forest_edge" || changed[0].ScenarioID != "fog" {
		t.Fatalf("OverridesChanged after storm ended = %+v, want forest_edge handed to fog", changed)
	}
}

func TestStackEndKeepsScenesOtherScenariosNeed(t *testing.T) {
	sched := newScheduler(t)
	o := New(loadTopology(t, sharedYAML), sched, nil, WithPolicy(Stack))
	ctx := context.Background()

	o.Begin(ctx, "a")
	o.Begin(ctx, "b")
	drainScenes(t, sched)
	if got := sched.Loaded(); !slices.Equal(got, []string{"a_fx", "b_fx", "shared_weather"}) {
		t.Fatalf("loaded after begin = %v", got)
	}

	o.End(ctx, "a")
	drainScenes(t, sched)
	if got := sched.Loaded(); !slices.Equal(got, []string{"b_fx", "shared_weather"}) {
		t.Fatalf("loaded after ending a = %v, want b's scenes kept", got)
	}
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"from_b"}) {
		t.Fatalf("forest_edge = %v, want b's override once a ends", got)
	}

	o.End(ctx, "b")
	drainScenes(t, sched)
	if got := sched.Loaded(); len(got) != 0 {
		t.Fatalf("loaded after ending b = %v, want nothing", got)
	}
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"birds"}) {
		t.Fatalf("forest_edge = %v, want the default list", got)
	}
}

func TestStackEndHandsOverrideToNextScenario(t *testing.T) {
	j := &journal{}
	o := New(loadTopology(t, sharedYAML), j, j, WithPolicy(Stack))
	ctx := context.Background()

	o.Begin(ctx, "a")
	o.Begin(ctx, "b")
	j.take()
	o.End(ctx, "a")
	want := []string{
		"unload a_fx",
		"overrides-changed forest_edgeb",
		"scenario-list-changed ",
	}
	if got := j.take(); !slices.Equal(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	if got := o.OverrideOwners(); got["forest_edge"] != "b" {
		t.Fatalf("owners = %v, want b on forest_edge", got)
	}
}

func TestSchedulerResetRequestsActiveScenesAgain(t *testing.T) {
	sched := newScheduler(t)
	log := logging.NewRecorder()
	o := New(loadTopology(t, worldYAML), sched, nil, WithPolicy(Stack), WithLogger(log))
	ctx := context.Background()

	o.Begin(ctx, "storm")
	sched.Reset()
	if n := sched.PendingCount(); n != 0 {
		t.Fatalf("PendingCount after reset = %d, want 0", n)
	}

	o.Begin(ctx, "festival")
	drainScenes(t, sched)
	want := []string{"festival_stage", "storm_audio", "storm_fx"}
	if got := sched.Loaded(); !slices.Equal(got, want) {
		t.Fatalf("loaded = %v, want %v", got, want)
	}
	if !log.Contains("scenario scenes requested again after scheduler reset") {
		t.Fatalf("renewal was not logged")
	}

	// A live epoch does not request anything twice.
	o.End(ctx, "festival")
	renewals := 0
	for _, e := range log.Entries() {
		if e.Message == "scenario scenes requested again after scheduler reset" {
			renewals++
		}
	}
	if renewals != 1 {
		t.Fatalf("renewals = %d, want 1; storm was requested again while its epoch was live", renewals)
	}
}

func TestAutoUnloadEndsOthersFirst(t *testing.T) {
	o, j := newOverlay(t)
	ctx := context.Background()

	o.Begin(ctx, "storm")
	j.take()
	o.Begin(ctx, "fog")
	got := j.take()
	want := []string{
		"unload storm_fx", "unload storm_audio",
		"load fog_fx", "load shared_weather",
		"overrides-changed forest_edgestorm",
		"scenario-list-changed ",
		"overrides-changed forest_edgefog",
		"overrides-changed forest_deepfog",
		"scenario-list-changed ",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	if !slices.Equal(o.Active(), []string{"fog"}) {
		t.Fatalf("Active() = %v, want [fog]", o.Active())
	}
}

func TestManualPolicyParksAndPrompts(t *testing.T) {
	o, j := newOverlay(t, WithPolicy(Manual))
	ctx := context.Background()

	o.Begin(ctx, "storm")
	j.take()
	o.Begin(ctx, "fog")
	if got := j.take(); !slices.Equal(got, []string{"end-scenario-prompt storm"}) {
		t.Fatalf("timeline = %v, want a single prompt for storm", got)
	}
	if o.Parked() != "fog" || !slices.Equal(o.Active(), []string{"storm"}) {
		t.Fatalf("parked=%q active=%v", o.Parked(), o.Active())
	}

	o.Begin(ctx, "festival")
	if o.Parked() != "festival" {
		t.Fatalf("latest begin should replace the parked one, parked=%q", o.Parked())
	}
	j.take()

	o.End(ctx, "storm")
	if !slices.Equal(o.Active(), []string{"festival"}) || o.Parked() != "" {
		t.Fatalf("parked scenario did not start: active=%v parked=%q", o.Active(), o.Parked())
	}
	got := j.take()
	if !slices.Contains(got, "load festival_stage") || !slices.Contains(got, "unload storm_fx") {
		t.Fatalf("timeline = %v", got)
	}
	if slices.Index(got, "unload storm_fx") > slices.Index(got, "load festival_stage") {
		t.Fatalf("parked load queued before the unload: %v", got)
	}
}

func TestManualPolicyCancelParked(t *testing.T) {
	o, j := newOverlay(t, WithPolicy(Manual))
	ctx := context.Background()
	o.Begin(ctx, "storm")
	o.Begin(ctx, "fog")
	o.End(ctx, "fog")
	j.take()
	if o.Parked() != "" {
		t.Fatalf("End of the parked scenario should cancel it")
	}
	o.End(ctx, "storm")
	if len(o.Active()) != 0 {
		t.Fatalf("Active() = %v after ending the only scenario", o.Active())
	}
}

func TestEndAllAnnouncesEachZoneOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := observability.NewStreamingCollector(reg)
	if err != nil {
		t.Fatalf("NewStreamingCollector: %v", err)
	}
	o, j := newOverlay(t, WithPolicy(Stack), WithMetricsRecorder(metrics))
	ctx := context.Background()

	o.Begin(ctx, "storm")
	o.Begin(ctx, "fog")
	o.Begin(ctx, "festival")
	if v := testutil.ToFloat64(metrics.ActiveScenarios); v != 3 {
		t.Fatalf("scenarios_active = %v, want 3", v)
	}
	j.take()

	o.EndAll(ctx)
	want := []string{
		"unload storm_fx", "unload storm_audio",
		"unload fog_fx", "unload shared_weather",
		"unload festival_stage",
		"overrides-changed forest_deep",
		"overrides-changed forest_edge",
		"scenario-list-changed ",
	}
	if got := j.take(); !slices.Equal(got, want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	if v := testutil.ToFloat64(metrics.ActiveScenarios); v != 0 {
		t.Fatalf("scenarios_active = %v, want 0", v)
	}
	if got := content(t, o, "forest_deep"); !slices.Equal(got, []string{"owls"}) {
		t.Fatalf("forest_deep = %v", got)
	}

	o.EndAll(ctx)
	if got := j.take(); len(got) != 0 {
		t.Fatalf("EndAll with nothing active produced %v", got)
	}
}

func TestIgnoredRequests(t *testing.T) {
	log := logging.NewRecorder()
	o, j := newOverlay(t, WithLogger(log))
	ctx := context.Background()

	o.Begin(ctx, "volcano")
	if !log.Contains("scenario begin ignored") {
		t.Fatalf("unknown scenario was not logged")
	}
	o.End(ctx, "storm")
	if got := j.take(); len(got) != 0 {
		t.Fatalf("no-op requests produced %v", got)
	}

	o.Begin(ctx, "storm")
	j.take()
	o.Begin(ctx, "storm")
	if got := j.take(); len(got) != 0 {
		t.Fatalf("begin of an active scenario produced %v", got)
	}

	if _, err := o.EffectiveContent("nowhere"); !errors.Is(err, topology.ErrUnknownZone) {
		t.Fatalf("EffectiveContent err = %v, want ErrUnknownZone", err)
	}
}

func TestResetForgetsWithoutUnloading(t *testing.T) {
	o, j := newOverlay(t)
	ctx := context.Background()
	o.Begin(ctx, "storm")
	j.take()

	o.Reset(ctx)
	if got := j.take(); !slices.Equal(got, []string{"scenario-list-changed "}) {
		t.Fatalf("timeline = %v", got)
	}
	if got := content(t, o, "forest_edge"); !slices.Equal(got, []string{"birds", "wind"}) {
		t.Fatalf("forest_edge = %v after reset", got)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"manual": Manual, "stack": Stack, "auto-unload": AutoUnload, "": AutoUnload} {
		if got := ParsePolicy(in); got != want {
			t.Fatalf("ParsePolicy(%q) = %s, want %s", in, got, want)
		}
	}
}
