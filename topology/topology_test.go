package topology

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func mustTopology(t *testing.T) *Topology {
	t.Helper()
	cfg, err := Parse(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	topo, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return topo
}

func TestRegionLookup(t *testing.T) {
	topo := mustTopology(t)

	forest, err := topo.Region("forest")
	if err != nil {
		t.Fatalf("Region: %v", err)
	}
	if len(forest.Dependencies) != 2 || forest.Zones[0] != "forest_edge" {
		t.Fatalf("forest = %+v", forest)
	}
	if forest.InitialSpawn.Yaw != 90 || forest.ReentrySpawn.Position.Z != 20 {
		t.Fatalf("spawns = %+v / %+v", forest.InitialSpawn, forest.ReentrySpawn)
	}

	if _, err := topo.Region("swamp"); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Region(swamp) err = %v, want ErrUnknownRegion", err)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	topo := mustTopology(t)
	forest, _ := topo.Region("forest")
	forest.Dependencies[0] = "mutated"

	again, _ := topo.Region("forest")
	if again.Dependencies[0] != "forest_terrain" {
		t.Fatalf("topology was mutated through a returned slice: %v", again.Dependencies)
	}
}

func TestZoneReverseLookup(t *testing.T) {
	topo := mustTopology(t)
	regionID, err := topo.RegionOfZone("forest_deep")
	if err != nil || regionID != "forest" {
		t.Fatalf("RegionOfZone = %q, %v", regionID, err)
	}
	if _, err := topo.RegionOfZone("nowhere"); !errors.Is(err, ErrUnknownZone) {
		t.Fatalf("err = %v, want ErrUnknownZone", err)
	}
	harbor, _ := topo.Zone("harbor")
	if !harbor.Landing {
		t.Fatalf("harbor should be flagged as landing zone")
	}
}

func TestCheckableZonesIncludeLandingZones(t *testing.T) {
	topo := mustTopology(t)

	got := topo.CheckableZones("forest")
	want := []string{"forest_deep", "forest_edge", "harbor"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("CheckableZones(forest) = %v, want %v", got, want)
	}
	if !topo.IsCheckable("forest", "harbor") {
		t.Fatalf("landing zone should be checkable from forest")
	}
	if topo.IsCheckable("coast", "forest_edge") {
		t.Fatalf("forest_edge must not be checkable from coast")
	}
	if !topo.IsCheckable("", "harbor") || topo.IsCheckable("", "forest_edge") {
		t.Fatalf("with no region only landing zones are checkable")
	}
}

func TestScenarioLookup(t *testing.T) {
	topo := mustTopology(t)
	s, err := topo.Scenario("storm")
	if err != nil {
		t.Fatalf("Scenario: %v", err)
	}
	if got := s.Scenes(); len(got) != 2 || got[0] != "storm_fx" {
		t.Fatalf("Scenes() = %v", got)
	}
	if len(s.Overrides) != 1 || s.Overrides[0].ZoneID != "forest_edge" {
		t.Fatalf("overrides = %+v", s.Overrides)
	}
	if _, err := topo.Scenario("calm"); !errors.Is(err, ErrUnknownScenario) {
		t.Fatalf("err = %v, want ErrUnknownScenario", err)
	}
}

func TestRebuildSwapsGeneration(t *testing.T) {
	topo := mustTopology(t)
	if topo.Generation() != 1 {
		t.Fatalf("Generation = %d, want 1", topo.Generation())
	}

	next, err := Parse(strings.NewReader("regions:\n  - id: desert\n    dependencies: [dunes]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := topo.Rebuild(next); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if topo.Generation() != 2 {
		t.Fatalf("Generation = %d, want 2", topo.Generation())
	}
	if _, err := topo.Region("forest"); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("old region still visible after rebuild: %v", err)
	}
	if ids := topo.RegionIDs(); len(ids) != 1 || ids[0] != "desert" {
		t.Fatalf("RegionIDs = %v", ids)
	}
}

func TestFailedRebuildKeepsPreviousGeneration(t *testing.T) {
	topo := mustTopology(t)
	bad := Config{Regions: []RegionSpec{{ID: "a"}, {ID: "a"}}}
	if err := topo.Rebuild(bad); err == nil {
		t.Fatalf("expected rebuild error")
	}
	if topo.Generation() != 1 {
		t.Fatalf("Generation = %d after failed rebuild, want 1", topo.Generation())
	}
	if _, err := topo.Region("forest"); err != nil {
		t.Fatalf("Region(forest) after failed rebuild: %v", err)
	}
	if _, err := topo.Scenario("storm"); err != nil {
		t.Fatalf("Scenario(storm) after failed rebuild: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bad := Config{Regions: []RegionSpec{{ID: "a"}, {ID: "a"}}}
	if _, err := New(bad); err == nil {
		t.Fatalf("expected New to reject duplicate regions")
	}
}

func TestConcurrentReadsDuringRebuild(t *testing.T) {
	topo := mustTopology(t)
	cfg, _ := Parse(strings.NewReader(sampleYAML))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := topo.Region("forest")
				if err != nil && !errors.Is(err, ErrNotReady) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if err := topo.Rebuild(cfg); err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
	}
	wg.Wait()
}
