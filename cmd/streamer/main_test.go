package main

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/world-streamer/internal/config"
	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/topology"
)

func loadSampleTopology(t *testing.T) *topology.Topology {
	t.Helper()
	cfg, err := topology.Load("../../configs/world.yaml")
	if err != nil {
		t.Fatalf("topology.Load: %v", err)
	}
	topo, err := topology.New(cfg)
	if err != nil {
		t.Fatalf("topology.New: %v", err)
	}
	return topo
}

func TestRunDrivesScriptedRoute(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := prometheus.NewRegistry()
	snap, err := run(ctx, Config{
		Settings:    config.Defaults(),
		Tick:        10 * time.Millisecond,
		Duration:    3 * time.Second,
		Accelerated: true,
		Dwell:       40,
		Speed:       20,
		Registerer:  reg,
	}, loadSampleTopology(t), logging.Noop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if snap.Frame != 300 {
		t.Fatalf("frames = %d, want 300", snap.Frame)
	}
	if snap.Region.Transitions < 3 {
		t.Fatalf("transitions = %d, want the route to visit every region", snap.Region.Transitions)
	}
	if len(snap.Scenes.Loaded) == 0 {
		t.Fatalf("nothing loaded after the route: %+v", snap.Scenes)
	}
	count, err := testutil.GatherAndCount(reg, "region_transition_requests_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if count == 0 {
		t.Fatalf("region transitions were not recorded")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := run(ctx, Config{
		Settings:    config.Defaults(),
		Tick:        time.Millisecond,
		Accelerated: true,
		Dwell:       10,
		Registerer:  prometheus.NewRegistry(),
	}, loadSampleTopology(t), logging.Noop())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Frame != 0 {
		t.Fatalf("frames = %d, want none after cancellation", snap.Frame)
	}
}

func TestRouteWaypointsCoverStreamingSets(t *testing.T) {
	points := routeWaypoints(loadSampleTopology(t))
	// two volume sets and one section set
	if len(points) != 3 {
		t.Fatalf("waypoints = %v, want 3", points)
	}
}

func TestRouteCyclesRegions(t *testing.T) {
	r := newRoute([]string{"a", "b"}, 0)
	if r.dwell != 1 {
		t.Fatalf("dwell = %d, want clamp to 1", r.dwell)
	}
	if got := firstNonEmpty("", "x", "y"); got != "x" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
}
