package topology

import (
	"sort"
	"sync"

	"firestige.xyz/tracevia/internal/core"
	"firestige.xyz/tracevia/internal/dialog"
)

// Config holds layout settings. Zero fields take defaults.
type Config struct {
	// Iterations is the number of relaxation steps per build.
	Iterations int
	// PositionCache bounds how many endpoint positions are remembered.
	PositionCache int
}

// Node is an endpoint placed in layout space.
type Node struct {
	Endpoint
	Position core.Point
}

// Edge is a dialog drawn between two endpoints.
type Edge struct {
	ID          string // dialog id, unique even when a Call-ID is reused
	CallID      string
	From        EndpointID
	To          EndpointID
	State       dialog.State
	Annotation  string
	FinalStatus int
	Fade        float64
}

// Label is the text drawn along the edge.
func (e Edge) Label() string {
	if e.Annotation != "" {
		return e.State.String() + " (" + e.Annotation + ")"
	}
	return e.State.String()
}

// Graph is the topology derived from one tracker snapshot.
type Graph struct {
	Nodes []Node
	Edges []Edge
}

// Builder turns dialog snapshots into graphs with stable positions.
type Builder struct {
	mu     sync.Mutex
	reg    *Registry
	layout *layout
}

// NewBuilder creates a builder over reg.
func NewBuilder(reg *Registry, cfg Config) (*Builder, error) {
	l, err := newLayout(cfg.Iterations, cfg.PositionCache)
	if err != nil {
		return nil, err
	}
	return &Builder{reg: reg, layout: l}, nil
}

// Registry returns the endpoint registry the builder resolves against.
func (b *Builder) Registry() *Registry {
	return b.reg
}

// Build derives the graph: one node per endpoint referenced by a visible
// dialog and one edge per visible dialog.
func (b *Builder) Build(snaps []dialog.Snapshot) Graph {
	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		g     Graph
		ids   []EndpointID
		index = make(map[EndpointID]int)
		peer  = make(map[EndpointID]EndpointID)
	)
	add := func(id, other EndpointID) int {
		if i, ok := index[id]; ok {
			return i
		}
		index[id] = len(ids)
		ids = append(ids, id)
		peer[id] = other
		return index[id]
	}

	var pairs [][2]int
	for _, s := range snaps {
		if !s.Visible() {
			continue
		}
		from, _ := b.reg.Resolve(s.Caller.Addr)
		to, _ := b.reg.Resolve(s.Callee.Addr)
		b.reg.Learn(from, s.Caller.Name, s.Caller.User)
		b.reg.Learn(to, s.Callee.Name, s.Callee.User)

		pairs = append(pairs, [2]int{add(from, to), add(to, from)})
		g.Edges = append(g.Edges, Edge{
			ID:          s.ID,
			CallID:      s.CallID,
			From:        from,
			To:          to,
			State:       s.State,
			Annotation:  s.Annotation,
			FinalStatus: s.FinalStatus,
			Fade:        s.Fade,
		})
	}

	placed := make(map[EndpointID]core.Point, len(ids))
	pos := make([]core.Point, len(ids))
	warm := true
	for i, id := range ids {
		var cached bool
		pos[i], cached = b.layout.place(id, peer[id], placed)
		warm = warm && cached
		placed[id] = pos[i]
	}
	b.layout.relax(ids, pos, pairs, warm)

	g.Nodes = make([]Node, 0, len(ids))
	for i, id := range ids {
		ep, _ := b.reg.Endpoint(id)
		g.Nodes = append(g.Nodes, Node{Endpoint: ep, Position: pos[i]})
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return idLess(g.Nodes[i].ID, g.Nodes[j].ID) })
	return g
}
