package stealth

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Path shape knobs. A straight cursor line at constant speed is a common bot
// signature, so moves bow off the chord and wobble a little mid-flight, with
// an occasional overshoot past the target.
const (
	minPathSteps = 24
	maxPathSteps = 180

	// bowFraction is how far the control points sit off the straight line,
	// as a fraction of the move distance.
	bowFraction = 0.18

	// wobblePx is the peak mid-path wobble. It is eased to zero at both ends
	// so every segment starts and lands exactly where planned.
	wobblePx = 2.5

	overshootOdds  = 0.18
	overshootMinPx = 6
	overshootMaxPx = 18

	// startOffsetPx shifts the synthetic start point outside the element,
	// since rod does not expose where the cursor currently is.
	startOffsetPx = 12

	elementResolveTimeout = 15 * time.Second
)

// MoveMouseHuman walks the cursor from (fromX, fromY) to (toX, toY) along a
// randomized curve instead of teleporting it. minDelayMs is the configured
// action delay; the per-point sleep derives from it so slow pacing profiles
// also move the mouse slowly.
func MoveMouseHuman(page *rod.Page, fromX, fromY, toX, toY, minDelayMs int) error {
	r := newRand()

	from := proto.Point{X: float64(fromX), Y: float64(fromY)}
	to := proto.Point{X: float64(toX), Y: float64(toY)}
	points := cursorPath(r, from, to)

	idx := 0
	err := page.Mouse.MoveAlong(func() (proto.Point, bool) {
		if idx >= len(points) {
			return proto.Point{}, false
		}
		p := points[idx]
		idx++
		// Uneven step timing gives the move an accelerate/decelerate feel.
		time.Sleep(durationBetween(r, max(3, minDelayMs/25), max(10, minDelayMs/12)))
		return p, true
	})
	if err != nil {
		return fmt.Errorf("mouse move: %w", err)
	}
	return nil
}

// MoveToElementHuman resolves the element's visual center and runs a
// human-like move to it.
func MoveToElementHuman(page *rod.Page, el *rod.Element, minDelayMs int) error {
	target, origin, err := elementCenter(el.Timeout(elementResolveTimeout))
	if err != nil {
		return fmt.Errorf("element center: %w", err)
	}
	return MoveMouseHuman(page, int(origin.X), int(origin.Y), int(target.X), int(target.Y), minDelayMs)
}

// cursorPath plans the points a cursor move visits. Most moves are a single
// bowed segment; some overshoot along the travel direction and settle back
// with a short second segment. The final point is always exactly to, and
// moves under 2px collapse to that single point.
func cursorPath(r *rand.Rand, from, to proto.Point) []proto.Point {
	dist := math.Hypot(to.X-from.X, to.Y-from.Y)
	if dist < 2 {
		return []proto.Point{to}
	}

	if r.Float64() < overshootOdds {
		ux := (to.X - from.X) / dist
		uy := (to.Y - from.Y) / dist
		past := overshootMinPx + r.Float64()*(overshootMaxPx-overshootMinPx)
		miss := proto.Point{X: to.X + ux*past, Y: to.Y + uy*past}

		approach := curveSegment(r, from, miss, pathSteps(dist+past))
		settle := curveSegment(r, miss, to, 6+r.Intn(5))
		return append(approach, settle...)
	}
	return curveSegment(r, from, to, pathSteps(dist))
}

// curveSegment renders one cubic Bézier arc from a to b as steps discrete
// points. Both control points sit on the same side of the chord so the arc
// bows one way, and the wobble fades at the ends so the segment lands
// exactly on b.
func curveSegment(r *rand.Rand, a, b proto.Point, steps int) []proto.Point {
	dist := math.Hypot(b.X-a.X, b.Y-a.Y)
	if dist == 0 || steps < 1 {
		return []proto.Point{b}
	}

	// Unit perpendicular to the chord.
	px := (a.Y - b.Y) / dist
	py := (b.X - a.X) / dist
	side := 1.0
	if r.Intn(2) == 0 {
		side = -1
	}
	bow1 := side * dist * bowFraction * (0.4 + 0.6*r.Float64())
	bow2 := side * dist * bowFraction * (0.4 + 0.6*r.Float64())

	c1 := proto.Point{X: a.X + (b.X-a.X)*0.3 + px*bow1, Y: a.Y + (b.Y-a.Y)*0.3 + py*bow1}
	c2 := proto.Point{X: a.X + (b.X-a.X)*0.7 + px*bow2, Y: a.Y + (b.Y-a.Y)*0.7 + py*bow2}

	points := make([]proto.Point, 0, steps)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		p := bezierAt(a, c1, c2, b, t)

		// Parabolic ease: full wobble mid-segment, exactly zero at t=0 and t=1.
		w := wobblePx * 4 * t * (1 - t)
		p.X += (r.Float64()*2 - 1) * w
		p.Y += (r.Float64()*2 - 1) * w

		points = append(points, p)
	}
	return points
}

// pathSteps picks how many points to render for a move of the given length:
// roughly one every 6px, clamped so short hops still curve and long sweeps
// stay bounded.
func pathSteps(dist float64) int {
	return min(max(int(dist/6), minPathSteps), maxPathSteps)
}

// bezierAt evaluates the cubic Bézier through a and b with control points
// c1, c2 at parameter t.
func bezierAt(a, c1, c2, b proto.Point, t float64) proto.Point {
	u := 1 - t
	return proto.Point{
		X: u*u*u*a.X + 3*u*u*t*c1.X + 3*u*t*t*c2.X + t*t*t*b.X,
		Y: u*u*u*a.Y + 3*u*u*t*c1.Y + 3*u*t*t*c2.Y + t*t*t*b.Y,
	}
}

// elementCenter resolves the point to aim the cursor at, plus a plausible
// start position offset outside the element's top-left corner. Shape quads
// are absent on some nodes; WaitInteractable and a boundingClientRect eval
// cover those.
func elementCenter(el *rod.Element) (proto.Point, proto.Point, error) {
	if shape, err := el.Shape(); err == nil && len(shape.Quads) > 0 && len(shape.Quads[0]) >= 8 {
		q := shape.Quads[0]
		left := min(q[0], q[2], q[4], q[6])
		top := min(q[1], q[3], q[5], q[7])
		target := proto.Point{
			X: (left + max(q[0], q[2], q[4], q[6])) / 2,
			Y: (top + max(q[1], q[3], q[5], q[7])) / 2,
		}
		return target, proto.Point{X: left - startOffsetPx, Y: top - startOffsetPx}, nil
	}

	if pt, err := el.WaitInteractable(); err == nil && pt != nil {
		return *pt, proto.Point{X: pt.X - startOffsetPx, Y: pt.Y - startOffsetPx}, nil
	}

	res, err := el.Eval(`() => {
		const r = this.getBoundingClientRect()
		return { x: r.x, y: r.y, w: r.width, h: r.height }
	}`)
	if err != nil {
		return proto.Point{}, proto.Point{}, fmt.Errorf("bounding rect: %w", err)
	}
	x := res.Value.Get("x").Num()
	y := res.Value.Get("y").Num()
	target := proto.Point{X: x + res.Value.Get("w").Num()/2, Y: y + res.Value.Get("h").Num()/2}
	return target, proto.Point{X: x - startOffsetPx, Y: y - startOffsetPx}, nil
}
