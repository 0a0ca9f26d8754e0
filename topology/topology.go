package topology

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/world-streamer/model"
)

var (
	// ErrUnknownRegion indicates a region id that the topology does not define.
	ErrUnknownRegion = errors.New("unknown region")
	// ErrUnknownZone indicates a zone id that the topology does not define.
	ErrUnknownZone = errors.New("unknown zone")
	// ErrUnknownScenario indicates a scenario id that the topology does not define.
	ErrUnknownScenario = errors.New("unknown scenario")
	// ErrNotReady is returned while the lookup tables are being rebuilt.
	ErrNotReady = errors.New("topology is rebuilding")
)

// tables is one immutable generation of lookup data. It is never mutated
// after build returns.
type tables struct {
	generation uint64

	regions     map[string]model.Region
	regionOrder []string
	zones       map[string]model.Zone
	scenarios   map[string]model.Scenario
	landing     map[string]bool
	checkable   map[string]map[string]bool
	volumes     []model.VolumeSet
	sections    []model.BandedSet
}

// Topology is the read-only lookup structure for regions, zones, scenarios
// and streaming volumes. Reads are lock-free; Rebuild swaps in a fresh
// generation.
type Topology struct {
	buildMu    sync.Mutex
	current    atomic.Pointer[tables]
	building   atomic.Bool
	generation atomic.Uint64
}

// New builds a topology from cfg.
func New(cfg Config) (*Topology, error) {
	t := &Topology{}
	if err := t.Rebuild(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Rebuild validates cfg, then clears the current tables and builds a new
// generation from it. Reads issued while the build runs fail with
// ErrNotReady. An invalid cfg is rejected before anything is cleared, so the
// previous generation keeps serving lookups.
func (t *Topology) Rebuild(cfg Config) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.buildMu.Lock()
	defer t.buildMu.Unlock()

	t.building.Store(true)
	defer t.building.Store(false)
	t.current.Store(nil)

	built := build(cfg, t.generation.Add(1))
	t.current.Store(built)
	return nil
}

// Generation increments on every rebuild.
func (t *Topology) Generation() uint64 {
	return t.generation.Load()
}

func (t *Topology) snapshot() (*tables, error) {
	if t.building.Load() {
		return nil, ErrNotReady
	}
	tb := t.current.Load()
	if tb == nil {
		return nil, ErrNotReady
	}
	return tb, nil
}

func build(cfg Config, generation uint64) *tables {
	tb := &tables{
		generation: generation,
		regions:    make(map[string]model.Region, len(cfg.Regions)),
		zones:      map[string]model.Zone{},
		scenarios:  make(map[string]model.Scenario, len(cfg.Scenarios)),
		landing:    map[string]bool{},
		checkable:  make(map[string]map[string]bool, len(cfg.Regions)),
	}
	for _, id := range cfg.LandingZones {
		tb.landing[id] = true
	}
	for _, rs := range cfg.Regions {
		region := model.Region{
			ID:           rs.ID,
			Dependencies: slices.Clone(rs.Dependencies),
			InitialSpawn: rs.InitialSpawn.model(),
			ReentrySpawn: rs.ReentrySpawn.model(),
			Scenarios:    slices.Clone(rs.Scenarios),
		}
		for _, zs := range rs.Zones {
			region.Zones = append(region.Zones, zs.ID)
			if zs.Landing {
				tb.landing[zs.ID] = true
			}
			tb.zones[zs.ID] = model.Zone{
				ID:          zs.ID,
				RegionID:    rs.ID,
				ContentList: slices.Clone(zs.Content),
			}
		}
		tb.regions[rs.ID] = region
		tb.regionOrder = append(tb.regionOrder, rs.ID)
	}
	for id, z := range tb.zones {
		z.Landing = tb.landing[id]
		tb.zones[id] = z
	}
	for id, region := range tb.regions {
		set := make(map[string]bool, len(region.Zones)+len(tb.landing))
		for _, z := range region.Zones {
			set[z] = true
		}
		for z := range tb.landing {
			set[z] = true
		}
		tb.checkable[id] = set
	}
	for _, ss := range cfg.Scenarios {
		sc := model.Scenario{
			ID:           ss.ID,
			Scene:        ss.Scene,
			Dependencies: slices.Clone(ss.Dependencies),
		}
		for _, o := range ss.Overrides {
			sc.Overrides = append(sc.Overrides, model.ZoneOverride{ZoneID: o.Zone, ContentList: slices.Clone(o.Content)})
		}
		tb.scenarios[ss.ID] = sc
	}
	for _, vs := range cfg.Volumes {
		set := model.VolumeSet{ID: vs.ID, Scene: vs.Scene}
		for _, b := range vs.Volumes {
			set.Volumes = append(set.Volumes, model.StreamingVolume{Bounds: model.Bounds{
				Center:  b.Center.model(),
				Extents: b.Extents.model(),
			}})
		}
		tb.volumes = append(tb.volumes, set)
	}
	for _, bs := range cfg.Sections {
		set := model.BandedSet{ID: bs.ID, Center: bs.Center.model()}
		for _, b := range bs.Bands {
			set.Bands = append(set.Bands, model.Band{MaxDistance: b.MaxDistance, Section: b.Section})
		}
		tb.sections = append(tb.sections, set)
	}
	return tb
}

// Region resolves a region by id.
func (t *Topology) Region(id string) (model.Region, error) {
	tb, err := t.snapshot()
	if err != nil {
		return model.Region{}, err
	}
	r, ok := tb.regions[id]
	if !ok {
		return model.Region{}, fmt.Errorf("%w: %q", ErrUnknownRegion, id)
	}
	return cloneRegion(r), nil
}

// Zone resolves a zone by id.
func (t *Topology) Zone(id string) (model.Zone, error) {
	tb, err := t.snapshot()
	if err != nil {
		return model.Zone{}, err
	}
	z, ok := tb.zones[id]
	if !ok {
		return model.Zone{}, fmt.Errorf("%w: %q", ErrUnknownZone, id)
	}
	z.ContentList = slices.Clone(z.ContentList)
	return z, nil
}

// RegionOfZone returns the id of the region that owns zoneID.
func (t *Topology) RegionOfZone(zoneID string) (string, error) {
	z, err := t.Zone(zoneID)
	if err != nil {
		return "", err
	}
	return z.RegionID, nil
}

// Scenario resolves a scenario by id.
func (t *Topology) Scenario(id string) (model.Scenario, error) {
	tb, err := t.snapshot()
	if err != nil {
		return model.Scenario{}, err
	}
	s, ok := tb.scenarios[id]
	if !ok {
		return model.Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	out := s
	out.Dependencies = slices.Clone(s.Dependencies)
	out.Overrides = make([]model.ZoneOverride, len(s.Overrides))
	for i, o := range s.Overrides {
		out.Overrides[i] = model.ZoneOverride{ZoneID: o.ZoneID, ContentList: slices.Clone(o.ContentList)}
	}
	return out, nil
}

// RegionIDs lists region ids in configuration order.
func (t *Topology) RegionIDs() []string {
	tb, err := t.snapshot()
	if err != nil {
		return nil
	}
	return slices.Clone(tb.regionOrder)
}

// IsLanding reports whether zoneID is a landing zone.
func (t *Topology) IsLanding(zoneID string) bool {
	tb, err := t.snapshot()
	if err != nil {
		return false
	}
	return tb.landing[zoneID]
}

// IsCheckable reports whether zoneID may be validated while regionID is
// current: either it belongs to the region or it is a landing zone. An
// empty regionID only admits landing zones.
func (t *Topology) IsCheckable(regionID, zoneID string) bool {
	tb, err := t.snapshot()
	if err != nil {
		return false
	}
	if set, ok := tb.checkable[regionID]; ok {
		return set[zoneID]
	}
	return tb.landing[zoneID]
}

// CheckableZones returns the sorted checkable set for regionID.
func (t *Topology) CheckableZones(regionID string) []string {
	tb, err := t.snapshot()
	if err != nil {
		return nil
	}
	set, ok := tb.checkable[regionID]
	if !ok {
		set = tb.landing
	}
	out := make([]string, 0, len(set))
	for z := range set {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// VolumeSets returns the proximity volume sets of this generation.
func (t *Topology) VolumeSets() []model.VolumeSet {
	tb, err := t.snapshot()
	if err != nil {
		return nil
	}
	return slices.Clone(tb.volumes)
}

// SectionSets returns the distance-banded section sets of this generation.
func (t *Topology) SectionSets() []model.BandedSet {
	tb, err := t.snapshot()
	if err != nil {
		return nil
	}
	return slices.Clone(tb.sections)
}

func cloneRegion(r model.Region) model.Region {
	r.Zones = slices.Clone(r.Zones)
	r.Dependencies = slices.Clone(r.Dependencies)
	r.Scenarios = slices.Clone(r.Scenarios)
	return r
}
