package geom

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestClosestPointOnSegment(t *testing.T) {
	a := orb.Point{0, 0}
	b := orb.Point{10, 0}

	tests := []struct {
		name string
		p    orb.Point
		want orb.Point
	}{
		{"interior", orb.Point{4, 3}, orb.Point{4, 0}},
		{"clamped before a", orb.Point{-5, 2}, a},
		{"clamped after b", orb.Point{15, -1}, b},
		{"on segment", orb.Point{7, 0}, orb.Point{7, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClosestPointOnSegment(tt.p, a, b)
			assert.InDelta(t, tt.want[0], got[0], 1e-9)
			assert.InDelta(t, tt.want[1], got[1], 1e-9)
		})
	}
}

func TestDegenerateSegment(t *testing.T) {
	a := orb.Point{2, 2}
	p := orb.Point{5, 6}
	assert.Equal(t, a, ClosestPointOnSegment(p, a, a))
	assert.InDelta(t, 5.0, PointToSegmentDistance(p, a, a), 1e-9)
	assert.False(t, math.IsNaN(PointToSegmentDistance(a, a, a)))
}

func TestPointToSegmentDistance(t *testing.T) {
	assert.InDelta(t, 3.0, PointToSegmentDistance(orb.Point{4, 3}, orb.Point{0, 0}, orb.Point{10, 0}), 1e-9)
	assert.InDelta(t, 5.0, PointToSegmentDistance(orb.Point{13, 4}, orb.Point{0, 0}, orb.Point{10, 0}), 1e-9)
}

func TestProjectKeepsLongitudeLinear(t *testing.T) {
	a := Project(orb.Point{-3.20, 55.95})
	b := Project(orb.Point{-3.10, 55.95})
	mid := Project(orb.Point{-3.15, 55.95})
	assert.InDelta(t, (a[0]+b[0])/2, mid[0], 1e-6)
	assert.InDelta(t, a[1], mid[1], 1e-6)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(orb.Point{-3.2, 55.9}))
	assert.False(t, Valid(orb.Point{0, 0}))
	assert.False(t, Valid(orb.Point{200, 10}))
	assert.False(t, Valid(orb.Point{math.NaN(), 1}))
}

func TestBearing(t *testing.T) {
	north := Bearing(orb.Point{0, 0}, orb.Point{0, 1})
	assert.InDelta(t, 0, north, 1e-6)
	west := Bearing(orb.Point{0, 0}, orb.Point{-1, 0})
	assert.InDelta(t, 270, west, 1e-6)
}
