package topology

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/world-streamer/model"
)

// ErrInvalidConfig wraps every structural problem reported by Validate.
var ErrInvalidConfig = errors.New("invalid topology config")

// Config is the on-disk shape of a world topology.
type Config struct {
	LandingZones []string        `yaml:"landing_zones,omitempty"`
	Regions      []RegionSpec    `yaml:"regions"`
	Scenarios    []ScenarioSpec  `yaml:"scenarios,omitempty"`
	Volumes      []VolumeSetSpec `yaml:"volumes,omitempty"`
	Sections     []BandedSetSpec `yaml:"sections,omitempty"`
}

type RegionSpec struct {
	ID           string         `yaml:"id"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	Zones        []ZoneSpec     `yaml:"zones,omitempty"`
	InitialSpawn PlacementSpec  `yaml:"initial_spawn"`
	ReentrySpawn *PlacementSpec `yaml:"reentry_spawn,omitempty"`
	Scenarios    []string       `yaml:"scenarios,omitempty"`
}

type ZoneSpec struct {
	ID      string   `yaml:"id"`
	Content []string `yaml:"content,omitempty"`
	Landing bool     `yaml:"landing,omitempty"`
}

type PlacementSpec struct {
	Position Vec3Spec `yaml:"position"`
	Yaw      float64  `yaml:"yaw,omitempty"`
}

type Vec3Spec struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type ScenarioSpec struct {
	ID           string         `yaml:"id"`
	Scene        string         `yaml:"scene"`
	Dependencies []string       `yaml:"dependencies,omitempty"`
	Overrides    []OverrideSpec `yaml:"overrides,omitempty"`
}

type OverrideSpec struct {
	Zone    string   `yaml:"zone"`
	Content []string `yaml:"content"`
}

type VolumeSetSpec struct {
	ID      string       `yaml:"id"`
	Scene   string       `yaml:"scene"`
	Volumes []BoundsSpec `yaml:"bounds"`
}

type BoundsSpec struct {
	Center  Vec3Spec `yaml:"center"`
	Extents Vec3Spec `yaml:"extents"`
}

type BandedSetSpec struct {
	ID     string     `yaml:"id"`
	Center Vec3Spec   `yaml:"center"`
	Bands  []BandSpec `yaml:"bands"`
}

type BandSpec struct {
	MaxDistance float64 `yaml:"max_distance"`
	Section     string  `yaml:"section"`
}

// Load reads a topology file. An empty path yields an empty, valid config.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, normalizes and validates a YAML topology.
func Parse(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("decode topology: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Normalize trims identifiers, defaults the re-entry spawn to the initial one
// and sorts section bands by distance.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.LandingZones = trimAll(c.LandingZones)
	for i := range c.Regions {
		r := &c.Regions[i]
		r.ID = strings.TrimSpace(r.ID)
		r.Dependencies = trimAll(r.Dependencies)
		r.Scenarios = trimAll(r.Scenarios)
		if r.ReentrySpawn == nil {
			spawn := r.InitialSpawn
			r.ReentrySpawn = &spawn
		}
		for j := range r.Zones {
			r.Zones[j].ID = strings.TrimSpace(r.Zones[j].ID)
		}
	}
	for i := range c.Scenarios {
		s := &c.Scenarios[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Scene = strings.TrimSpace(s.Scene)
		s.Dependencies = trimAll(s.Dependencies)
		for j := range s.Overrides {
			s.Overrides[j].Zone = strings.TrimSpace(s.Overrides[j].Zone)
		}
	}
	for i := range c.Sections {
		bands := c.Sections[i].Bands
		sort.SliceStable(bands, func(a, b int) bool { return bands[a].MaxDistance < bands[b].MaxDistance })
	}
}

// Validate rejects duplicate ids and dangling references.
func (c Config) Validate() error {
	regions := map[string]bool{}
	zones := map[string]bool{}
	for _, r := range c.Regions {
		if r.ID == "" {
			return fmt.Errorf("%w: region id must not be empty", ErrInvalidConfig)
		}
		if regions[r.ID] {
			return fmt.Errorf("%w: duplicate region id %q", ErrInvalidConfig, r.ID)
		}
		regions[r.ID] = true
		for _, z := range r.Zones {
			if z.ID == "" {
				return fmt.Errorf("%w: region %s has a zone with empty id", ErrInvalidConfig, r.ID)
			}
			if zones[z.ID] {
				return fmt.Errorf("%w: duplicate zone id %q", ErrInvalidConfig, z.ID)
			}
			zones[z.ID] = true
		}
	}
	for _, id := range c.LandingZones {
		if !zones[id] {
			return fmt.Errorf("%w: landing zone %q not found", ErrInvalidConfig, id)
		}
	}
	scenarios := map[string]bool{}
	for _, s := range c.Scenarios {
		if s.ID == "" {
			return fmt.Errorf("%w: scenario id must not be empty", ErrInvalidConfig)
		}
		if scenarios[s.ID] {
			return fmt.Errorf("%w: duplicate scenario id %q", ErrInvalidConfig, s.ID)
		}
		scenarios[s.ID] = true
		for _, o := range s.Overrides {
			if !zones[o.Zone] {
				return fmt.Errorf("%w: scenario %s overrides unknown zone %q", ErrInvalidConfig, s.ID, o.Zone)
			}
		}
	}
	for _, r := range c.Regions {
		for _, sid := range r.Scenarios {
			if !scenarios[sid] {
				return fmt.Errorf("%w: region %s lists unknown scenario %q", ErrInvalidConfig, r.ID, sid)
			}
		}
	}
	sets := map[string]bool{}
	for _, v := range c.Volumes {
		if v.ID == "" || sets[v.ID] {
			return fmt.Errorf("%w: volume set id %q empty or duplicated", ErrInvalidConfig, v.ID)
		}
		sets[v.ID] = true
		for i, b := range v.Volumes {
			if b.Extents.X < 0 || b.Extents.Y < 0 || b.Extents.Z < 0 {
				return fmt.Errorf("%w: volume set %s bounds[%d] has negative extents", ErrInvalidConfig, v.ID, i)
			}
		}
	}
	for _, s := range c.Sections {
		if s.ID == "" || sets[s.ID] {
			return fmt.Errorf("%w: section set id %q empty or duplicated", ErrInvalidConfig, s.ID)
		}
		sets[s.ID] = true
		for i, b := range s.Bands {
			if b.MaxDistance <= 0 {
				return fmt.Errorf("%w: section set %s bands[%d] max_distance must be > 0", ErrInvalidConfig, s.ID, i)
			}
		}
	}
	return nil
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (v Vec3Spec) model() model.Vec3 { return model.Vec3{X: v.X, Y: v.Y, Z: v.Z} }

func (p PlacementSpec) model() model.Placement {
	return model.Placement{Position: p.Position.model(), Yaw: p.Yaw}
}
