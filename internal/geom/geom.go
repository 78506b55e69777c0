// Package geom holds the 2-D point and segment primitives used to place a
// vehicle on a route. Coordinates are orb points (X = lon/easting,
// Y = lat/northing).
package geom

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// ClosestPointOnSegment returns the point of segment a-b nearest p, clamped to
// the segment. A degenerate segment (a == b) yields a.
func ClosestPointOnSegment(p, a, b orb.Point) orb.Point {
	dx := b[0] - a[0]
	dy := b[1] - a[1]
	len2 := dx*dx + dy*dy
	if len2 == 0 {
		return a
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / len2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return orb.Point{a[0] + t*dx, a[1] + t*dy}
}

// PointToSegmentDistance is the Euclidean distance from p to segment a-b.
func PointToSegmentDistance(p, a, b orb.Point) float64 {
	return planar.Distance(p, ClosestPointOnSegment(p, a, b))
}

// Distance is the planar distance between two points.
func Distance(a, b orb.Point) float64 {
	return planar.Distance(a, b)
}

// Project maps a lon/lat point onto spherical mercator metres so that
// segment projection works on a flat plane.
func Project(lonLat orb.Point) orb.Point {
	return project.Point(lonLat, project.WGS84.ToMercator)
}

// ProjectAll projects every point of m, keyed as given.
func ProjectAll(m map[string]orb.Point) map[string]orb.Point {
	out := make(map[string]orb.Point, len(m))
	for k, p := range m {
		out[k] = Project(p)
	}
	return out
}

// Bearing is the initial great-circle bearing from a to b in degrees [0, 360).
func Bearing(a, b orb.Point) float64 {
	brng := geo.Bearing(a, b)
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Metres is the great-circle distance between two lon/lat points.
func Metres(a, b orb.Point) float64 {
	return geo.Distance(a, b)
}

// Valid reports whether p is a usable lon/lat coordinate. Feeds use 0,0 for
// "unknown".
func Valid(p orb.Point) bool {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return false
	}
	if p[0] == 0 && p[1] == 0 {
		return false
	}
	return p[1] >= -90 && p[1] <= 90 && p[0] >= -180 && p[0] <= 180
}
