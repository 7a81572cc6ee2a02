// Package core defines the render snapshot handed to frame sinks.
package core

import "time"

// Color is a "#rrggbb" string understood by every renderer.
type Color string

// Point is a position in layout space. Renderers scale it to their surface.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one signaling endpoint.
type Node struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Address  string `json:"address"`
	Position Point  `json:"position"`
	Color    Color  `json:"color"`
	Presence string `json:"presence,omitempty"` // AMI extension status text, if known
}

// Edge is one dialog between two nodes.
type Edge struct {
	ID     string  `json:"id"` // unique per dialog, also across Call-ID reuse
	CallID string  `json:"call_id"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Label  string  `json:"label"`
	Status string  `json:"status"`
	Color  Color   `json:"color"`
	Fade   float64 `json:"fade"` // 0 = fully visible, 1 = about to disappear
}

// Frame is an immutable render snapshot. Seq is strictly increasing for the
// lifetime of an engine, across restarts.
type Frame struct {
	Surface string    `json:"surface"`
	Run     string    `json:"run"`
	Seq     uint64    `json:"seq"`
	Emitted time.Time `json:"emitted"`
	Nodes   []Node    `json:"nodes"`
	Edges   []Edge    `json:"edges"`
}

// NodeByID returns the node with the given id.
func (f *Frame) NodeByID(id string) (Node, bool) {
	for _, n := range f.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgeByID returns the edge with the given id.
func (f *Frame) EdgeByID(id string) (Edge, bool) {
	for _, e := range f.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}
