package model

// StreamingVolume is a spatial bound that keeps a streamable unit active.
type StreamingVolume struct {
	Bounds Bounds
}

// VolumeSet groups volumes that stream a single scene together.
type VolumeSet struct {
	ID      string
	Scene   string
	Volumes []StreamingVolume
}

// Band is one concentric distance range of a banded set. A band covers
// planar distances up to MaxDistance, starting where the previous band ends.
type Band struct {
	MaxDistance float64
	Section     string
}

// BandedSet streams progressively finer sections as the observer approaches
// its centre. Bands are kept sorted by MaxDistance.
type BandedSet struct {
	ID     string
	Center Vec3
	Bands  []Band
}
