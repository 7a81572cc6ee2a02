package topology

import (
	"hash/fnv"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"firestige.xyz/tracevia/internal/core"
)

const (
	defaultIterations    = 30
	defaultPositionCache = 4096

	// Layout space is the unit square; renderers scale it.
	minCoord = 0.05
	maxCoord = 0.95

	peerOffset = 0.08

	hotStart  = 0.05
	warmStart = 0.005
)

// layout runs an incremental force-directed relaxation. Positions survive
// between builds in an LRU keyed by endpoint id, so an endpoint that leaves
// the graph and comes back lands where it was.
type layout struct {
	iterations int
	positions  *lru.Cache[EndpointID, core.Point]
}

func newLayout(iterations, cacheSize int) (*layout, error) {
	if iterations <= 0 {
		iterations = defaultIterations
	}
	if cacheSize <= 0 {
		cacheSize = defaultPositionCache
	}
	c, err := lru.New[EndpointID, core.Point](cacheSize)
	if err != nil {
		return nil, err
	}
	return &layout{iterations: iterations, positions: c}, nil
}

// place returns the starting position of id and whether it was cached.
// Known endpoints keep their cached position; new ones are placed next to
// peer when the peer already has a position, otherwise at a point derived
// from the id.
func (l *layout) place(id EndpointID, peer EndpointID, placed map[EndpointID]core.Point) (core.Point, bool) {
	if p, ok := l.positions.Get(id); ok {
		return p, true
	}
	angle, radius := jitter(id)
	if p, ok := placed[peer]; ok && peer != "" {
		return clampPoint(core.Point{
			X: p.X + peerOffset*math.Cos(angle),
			Y: p.Y + peerOffset*math.Sin(angle),
		}), false
	}
	return clampPoint(core.Point{
		X: 0.5 + radius*math.Cos(angle),
		Y: 0.5 + radius*math.Sin(angle),
	}), false
}

// relax moves pos in place. Edges are index pairs into ids. A warm layout,
// where every endpoint already had a position, starts cooler so settled
// nodes only drift.
func (l *layout) relax(ids []EndpointID, pos []core.Point, edges [][2]int, warm bool) {
	n := len(ids)
	if n < 2 {
		for i, id := range ids {
			l.positions.Add(id, pos[i])
		}
		return
	}

	k := math.Sqrt(1.0 / float64(n))
	disp := make([]core.Point, n)
	temp := hotStart
	if warm {
		temp = warmStart
	}

	for iter := 0; iter < l.iterations; iter++ {
		clear(disp)
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				dx, dy, d := delta(pos[i], pos[j])
				f := k * k / d
				disp[i].X += dx / d * f
				disp[i].Y += dy / d * f
				disp[j].X -= dx / d * f
				disp[j].Y -= dy / d * f
			}
		}
		for _, e := range edges {
			i, j := e[0], e[1]
			if i == j {
				continue
			}
			dx, dy, d := delta(pos[i], pos[j])
			f := d * d / k
			disp[i].X -= dx / d * f
			disp[i].Y -= dy / d * f
			disp[j].X += dx / d * f
			disp[j].Y += dy / d * f
		}
		for i := range pos {
			length := math.Hypot(disp[i].X, disp[i].Y)
			if length == 0 {
				continue
			}
			step := math.Min(length, temp)
			pos[i] = clampPoint(core.Point{
				X: pos[i].X + disp[i].X/length*step,
				Y: pos[i].Y + disp[i].Y/length*step,
			})
		}
		temp *= 0.9
	}

	for i, id := range ids {
		l.positions.Add(id, pos[i])
	}
}

func delta(a, b core.Point) (dx, dy, d float64) {
	dx, dy = a.X-b.X, a.Y-b.Y
	d = math.Hypot(dx, dy)
	if d < 1e-6 {
		// Coincident points: push apart along a fixed axis.
		dx, d = 1e-6, 1e-6
	}
	return dx, dy, d
}

// jitter derives a stable angle and radius from id.
func jitter(id EndpointID) (angle, radius float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	v := h.Sum64()
	angle = float64(v%3600) / 3600 * 2 * math.Pi
	radius = 0.1 + float64((v>>16)%1000)/1000*0.3
	return angle, radius
}

func clampPoint(p core.Point) core.Point {
	return core.Point{X: clamp(p.X), Y: clamp(p.Y)}
}

func clamp(v float64) float64 {
	return math.Max(minCoord, math.Min(maxCoord, v))
}
