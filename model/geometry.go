package model

import "math"

// Vec3 is a world-space vector in metres. Y is the vertical axis.
type Vec3 struct {
	X, Y, Z float64
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	d := v.Sub(other)
	return math.Sqrt(d.X*d.X + d.Y*d.Y + d.Z*d.Z)
}

// PlanarDistanceTo returns the distance between two points projected onto the
// horizontal (X/Z) plane.
func (v Vec3) PlanarDistanceTo(other Vec3) float64 {
	dx := v.X - other.X
	dz := v.Z - other.Z
	return math.Sqrt(dx*dx + dz*dz)
}

// Bounds is an axis-aligned box described by its centre and half extents.
type Bounds struct {
	Center  Vec3
	Extents Vec3
}

// Contains reports whether p lies inside the box (faces inclusive).
func (b Bounds) Contains(p Vec3) bool {
	return b.ContainsScaled(p, 1, 1)
}

// ContainsScaled reports whether p lies inside the box after scaling the
// horizontal extents by h and the vertical extent by v.
func (b Bounds) ContainsScaled(p Vec3, h, v float64) bool {
	d := p.Sub(b.Center)
	return math.Abs(d.X) <= b.Extents.X*h &&
		math.Abs(d.Z) <= b.Extents.Z*h &&
		math.Abs(d.Y) <= b.Extents.Y*v
}

// Placement is a spawn location applied to the observer.
type Placement struct {
	Position Vec3
	Yaw      float64 // degrees around the vertical axis
}
