package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/world-streamer/internal/config"
	"github.com/signalsfoundry/world-streamer/internal/events"
	"github.com/signalsfoundry/world-streamer/internal/logging"
	"github.com/signalsfoundry/world-streamer/internal/observability"
	"github.com/signalsfoundry/world-streamer/internal/observer"
	"github.com/signalsfoundry/world-streamer/internal/world"
	"github.com/signalsfoundry/world-streamer/model"
	"github.com/signalsfoundry/world-streamer/timectrl"
	"github.com/signalsfoundry/world-streamer/topology"
)

// Config holds everything run needs besides the topology.
type Config struct {
	Settings    config.Settings
	Tick        time.Duration
	Duration    time.Duration
	Accelerated bool
	// Dwell is the number of frames spent in each region of the route.
	Dwell int
	// Speed of the observer along the route waypoints, in metres per second.
	Speed       float64
	MetricsAddr string
	Registerer  prometheus.Registerer
}

func main() {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		os.Exit(2)
	}

	topologyPath := flag.String("topology", firstNonEmpty(settings.TopologyPath, "configs/world.yaml"), "path to the YAML world topology")
	tick := flag.Duration("tick", 100*time.Millisecond, "frame interval")
	duration := flag.Duration("duration", 30*time.Second, "simulated run time (0 runs until interrupted)")
	accelerated := flag.Bool("accelerated", true, "run frames as fast as possible instead of in real time")
	dwell := flag.Int("dwell", 50, "frames spent in each region of the scripted route")
	speed := flag.Float64("speed", 4, "observer speed along the route waypoints (m/s)")
	metricsAddr := flag.String("metrics-addr", firstNonEmpty(settings.MetricsAddr, ":9090"), "HTTP address for Prometheus /metrics (empty disables)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	topoCfg, err := topology.Load(*topologyPath)
	if err != nil {
		log.Error(ctx, "failed to load topology", logging.String("path", *topologyPath), logging.Err(err))
		os.Exit(1)
	}
	topo, err := topology.New(topoCfg)
	if err != nil {
		log.Error(ctx, "failed to build topology", logging.Err(err))
		os.Exit(1)
	}

	snap, err := run(ctx, Config{
		Settings:    settings,
		Tick:        *tick,
		Duration:    *duration,
		Accelerated: *accelerated,
		Dwell:       *dwell,
		Speed:       *speed,
		MetricsAddr: *metricsAddr,
	}, topo, log)
	if err != nil {
		log.Error(ctx, "streamer exited", logging.Err(err))
		os.Exit(1)
	}
	log.Info(ctx, "run complete",
		logging.Uint64("frames", snap.Frame),
		logging.String("region", snap.Region.Region),
		logging.Int("transitions", snap.Region.Transitions),
		logging.Strings("loaded", snap.Scenes.Loaded),
	)
}

// run drives a world through the scripted route until cfg.Duration of
// simulated time has passed or ctx is cancelled.
func run(ctx context.Context, cfg Config, topo *topology.Topology, log logging.Logger) (world.Snapshot, error) {
	log = logging.OrNoop(log)

	collector, err := observability.NewStreamingCollector(cfg.Registerer)
	if err != nil {
		return world.Snapshot{}, fmt.Errorf("metrics collector: %w", err)
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	obs := observer.New(observer.NewMotionModel(routeWaypoints(topo), cfg.Speed, true))
	w, err := world.New(topo, cfg.Settings,
		world.WithLogger(log),
		world.WithMetricsRecorder(collector),
		world.WithPlacementSink(obs),
	)
	if err != nil {
		return world.Snapshot{}, err
	}
	defer w.Close()

	unsubscribe := w.Bus().Subscribe(func(ev events.Event) {
		log.Info(ctx, "world event",
			logging.String("type", ev.Type.String()),
			logging.String("region", ev.RegionID),
			logging.String("zone", ev.ZoneID),
			logging.String("scenario", ev.ScenarioID),
			logging.Strings("list", ev.List),
			logging.Bool("flag", ev.Flag),
		)
	}, events.RegionChanged, events.ZoneChanged, events.ContentListBroadcast, events.LoadComplete, events.ScenarioListChanged)
	defer unsubscribe()

	mode := timectrl.RealTime
	if cfg.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(time.Now().UTC(), cfg.Tick, mode)
	route := newRoute(topo.RegionIDs(), cfg.Dwell)

	tc.AddListener(func(f timectrl.Frame) {
		route.step(ctx, w, f.Index)
		w.Tick(ctx, obs.Positions(f.Time))
	})

	log.Info(ctx, "starting world streamer",
		logging.Duration("tick", cfg.Tick),
		logging.Duration("duration", cfg.Duration),
		logging.String("mode", mode.String()),
		logging.Strings("route", route.regions),
	)
	<-tc.Start(ctx, cfg.Duration)

	return w.Snapshot(), nil
}

// route requests the next region every dwell frames, ending the scenarios of
// the region it leaves and beginning the first scenario of the one it enters.
type route struct {
	regions []string
	dwell   uint64
	next    int
}

func newRoute(regions []string, dwell int) *route {
	if dwell <= 0 {
		dwell = 1
	}
	return &route{regions: regions, dwell: uint64(dwell)}
}

func (r *route) step(ctx context.Context, w *world.World, frame uint64) {
	if len(r.regions) == 0 || (frame-1)%r.dwell != 0 {
		return
	}
	id := r.regions[r.next%len(r.regions)]
	r.next++

	w.EndAllScenarios(ctx)
	w.RequestRegionChange(ctx, id)
	reg, err := w.Topology().Region(id)
	if err != nil || len(reg.Scenarios) == 0 {
		return
	}
	w.BeginScenario(ctx, reg.Scenarios[0])
}

// routeWaypoints walks the observer past every volume set and section
// centre so the proximity streamer has something to do.
func routeWaypoints(topo *topology.Topology) []model.Vec3 {
	var points []model.Vec3
	for _, set := range topo.VolumeSets() {
		if len(set.Volumes) > 0 {
			points = append(points, set.Volumes[0].Bounds.Center)
		}
	}
	for _, set := range topo.SectionSets() {
		points = append(points, set.Center)
	}
	return points
}

func serveMetrics(addr string, collector *observability.StreamingCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
