package model

import (
	"slices"
	"testing"
)

func TestBoundsContainsScaled(t *testing.T) {
	b := Bounds{Center: Vec3{X: 10}, Extents: Vec3{X: 2, Y: 1, Z: 2}}

	cases := []struct {
		name string
		p    Vec3
		h, v float64
		want bool
	}{
		{"centre", Vec3{X: 10}, 1, 1, true},
		{"face is inclusive", Vec3{X: 12}, 1, 1, true},
		{"outside horizontally", Vec3{X: 13}, 1, 1, false},
		{"inside scaled box", Vec3{X: 13}, 2, 1, true},
		{"above scaled vertical", Vec3{X: 10, Y: 1.6}, 2, 1.5, false},
	}
	for _, tc := range cases {
		if got := b.ContainsScaled(tc.p, tc.h, tc.v); got != tc.want {
			t.Fatalf("%s: ContainsScaled(%+v) = %v, want %v", tc.name, tc.p, got, tc.want)
		}
	}
}

func TestPlanarDistanceIgnoresHeight(t *testing.T) {
	a := Vec3{X: 0, Y: 100, Z: 0}
	b := Vec3{X: 3, Y: -50, Z: 4}
	if got := a.PlanarDistanceTo(b); got != 5 {
		t.Fatalf("PlanarDistanceTo = %v, want 5", got)
	}
}

func TestScenarioScenesSkipsBlanks(t *testing.T) {
	s := Scenario{Scene: "storm", Dependencies: []string{"", "rain"}}
	if got := s.Scenes(); !slices.Equal(got, []string{"storm", "rain"}) {
		t.Fatalf("Scenes = %v", got)
	}
	if got := (Scenario{Dependencies: []string{"a"}}).Scenes(); !slices.Equal(got, []string{"a"}) {
		t.Fatalf("Scenes without primary = %v", got)
	}
}
