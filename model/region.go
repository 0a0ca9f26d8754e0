package model

// Region is a coarse world partition with its own zones, dependency scenes
// and spawn placements.
type Region struct {
	ID string
	// Zones is ordered; the first zone becomes current after a transition.
	Zones        []string
	Dependencies []string

	InitialSpawn Placement
	ReentrySpawn Placement

	Scenarios []string
}

// Zone is a named sub-area of a region with a default content list.
type Zone struct {
	ID          string
	RegionID    string
	ContentList []string
	// Landing zones stay checkable regardless of the current region.
	Landing bool
}

// ZoneOverride replaces a zone's content list while its scenario is active.
type ZoneOverride struct {
	ZoneID      string
	ContentList []string
}

// Scenario is a temporary overlay that loads extra scenes and may override
// zone content lists.
type Scenario struct {
	ID           string
	Scene        string
	Dependencies []string
	Overrides    []ZoneOverride
}

// Scenes returns the primary scene followed by the dependencies, skipping
// blanks.
func (s Scenario) Scenes() []string {
	out := make([]string, 0, len(s.Dependencies)+1)
	if s.Scene != "" {
		out = append(out, s.Scene)
	}
	for _, d := range s.Dependencies {
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
