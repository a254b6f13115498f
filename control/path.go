package control

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ErrEmptyPath is returned when a path is built without any waypoints.
var ErrEmptyPath = errors.New("path must contain at least one waypoint")

// segmentCompletion is the fraction of a segment after which it is considered
// driven and dropped from the remaining path.
const segmentCompletion = 0.99

// Waypoint is a field position (inches) with the speed (in/s) to hold while
// leaving it.
type Waypoint struct {
	Position r2.Point
	Speed    float64
}

// NewWaypoint is shorthand for a waypoint at (x, y).
func NewWaypoint(x, y, speed float64) Waypoint {
	return Waypoint{Position: r2.Point{X: x, Y: y}, Speed: speed}
}

// Path is an ordered, non-empty list of waypoints. It is immutable; progress
// along it is tracked by pathProgress.
type Path struct {
	waypoints []Waypoint
}

// NewPath copies the waypoints into a Path.
func NewPath(waypoints []Waypoint) (Path, error) {
	if len(waypoints) == 0 {
		return Path{}, ErrEmptyPath
	}
	wp := make([]Waypoint, len(waypoints))
	copy(wp, waypoints)
	return Path{waypoints: wp}, nil
}

// Waypoints returns a copy of the waypoints in traversal order.
func (p Path) Waypoints() []Waypoint {
	out := make([]Waypoint, len(p.waypoints))
	copy(out, p.waypoints)
	return out
}

// Len returns the number of waypoints.
func (p Path) Len() int { return len(p.waypoints) }

// Final returns the last waypoint.
func (p Path) Final() Waypoint { return p.waypoints[len(p.waypoints)-1] }

type segment struct {
	start, end r2.Point
	speed      float64
}

func (s segment) length() float64 { return s.end.Sub(s.start).Norm() }

// closest returns the parameter t in [0,1] of the point on s nearest to pt
// and that point.
func (s segment) closest(pt r2.Point) (float64, r2.Point) {
	d := s.end.Sub(s.start)
	l2 := d.Dot(d)
	if l2 == 0 {
		return 1, s.end
	}
	t := pt.Sub(s.start).Dot(d) / l2
	t = ClampFloat(t, 0, 1)
	return t, s.start.Add(d.Mul(t))
}

func (s segment) interpolate(dist float64) r2.Point {
	l := s.length()
	if l == 0 {
		return s.end
	}
	return s.start.Add(s.end.Sub(s.start).Mul(dist / l))
}

// pathProgress tracks the undriven remainder of a Path.
type pathProgress struct {
	segments []segment
	final    Waypoint
}

func newPathProgress(p Path) *pathProgress {
	segs := make([]segment, 0, len(p.waypoints)-1)
	for i := 0; i+1 < len(p.waypoints); i++ {
		segs = append(segs, segment{
			start: p.waypoints[i].Position,
			end:   p.waypoints[i+1].Position,
			speed: p.waypoints[i].Speed,
		})
	}
	return &pathProgress{segments: segs, final: p.Final()}
}

// update drops driven segments, moves the start of the current segment to
// the closest point to pos and returns the distance from pos to the path.
func (pp *pathProgress) update(pos r2.Point) float64 {
	dist := pos.Sub(pp.final.Position).Norm()
	for len(pp.segments) > 0 {
		t, pt := pp.segments[0].closest(pos)
		if t >= segmentCompletion {
			pp.segments = pp.segments[1:]
			continue
		}
		if t > 0 {
			pp.segments[0].start = pt
		}
		dist = pos.Sub(pt).Norm()
		if len(pp.segments) > 1 {
			nt, npt := pp.segments[1].closest(pos)
			nd := pos.Sub(npt).Norm()
			if nt > 0 && nt < segmentCompletion && nd < dist {
				pp.segments[1].start = npt
				pp.segments = pp.segments[1:]
				dist = nd
			}
		}
		break
	}
	return dist
}

func (pp *pathProgress) remaining() float64 {
	var l float64
	for _, s := range pp.segments {
		l += s.length()
	}
	return l
}

// lookahead returns the point dist inches further along the remaining path
// and the speed of the segment it falls on. Past the end it returns the
// final waypoint.
func (pp *pathProgress) lookahead(dist float64) (r2.Point, float64) {
	if len(pp.segments) == 0 {
		return pp.final.Position, pp.final.Speed
	}
	left := math.Max(dist, 0)
	for _, s := range pp.segments {
		l := s.length()
		if left <= l {
			return s.interpolate(left), s.speed
		}
		left -= l
	}
	last := pp.segments[len(pp.segments)-1]
	return last.end, last.speed
}
