// Package topology derives the endpoint graph drawn for each frame.
// It owns endpoint identity and the layout cache; dialog state stays in the
// tracker and arrives here only as snapshots.
package topology

import (
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// EndpointID is the stable identity of a signaling endpoint, "ep-N".
type EndpointID string

// Presence is an extension status learned outside of SIP signaling.
type Presence struct {
	Extension string
	Status    int
	Text      string
}

// Endpoint is one signaling participant, identified by address and port.
type Endpoint struct {
	ID       EndpointID
	Addr     netip.AddrPort
	Name     string
	User     string
	Presence *Presence
}

// Label is the text drawn under the node.
func (e Endpoint) Label() string {
	switch {
	case e.Name != "":
		return e.Name
	case e.User != "":
		return e.User
	default:
		return e.Addr.String()
	}
}

// Registry assigns endpoint identities. An id, once given to an address,
// is never reassigned.
type Registry struct {
	mu        sync.RWMutex
	next      uint64
	byAddr    map[netip.AddrPort]EndpointID
	endpoints map[EndpointID]*Endpoint
	presence  map[string]Presence
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddr:    make(map[netip.AddrPort]EndpointID),
		endpoints: make(map[EndpointID]*Endpoint),
		presence:  make(map[string]Presence),
	}
}

// Resolve returns the id of addr, assigning the next one on first sight.
// The bool reports whether the endpoint was new.
func (r *Registry) Resolve(addr netip.AddrPort) (EndpointID, bool) {
	r.mu.RLock()
	id, ok := r.byAddr[addr]
	r.mu.RUnlock()
	if ok {
		return id, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byAddr[addr]; ok {
		return id, false
	}
	r.next++
	id = EndpointID("ep-" + strconv.FormatUint(r.next, 10))
	r.byAddr[addr] = id
	r.endpoints[id] = &Endpoint{ID: id, Addr: addr}
	return id, true
}

// Learn records display name and user part seen in From/To headers.
// Empty values never overwrite known ones.
func (r *Registry) Learn(id EndpointID, name, user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return
	}
	if name != "" {
		ep.Name = name
	}
	if user != "" {
		ep.User = user
	}
}

// SetPresence records the status of an extension. It is matched against
// endpoint user parts and display names when endpoints are read.
func (r *Registry) SetPresence(p Presence) {
	if p.Extension == "" {
		return
	}
	r.mu.Lock()
	r.presence[strings.ToLower(p.Extension)] = p
	r.mu.Unlock()
}

// Endpoint returns a copy of the endpoint with its presence resolved.
func (r *Registry) Endpoint(id EndpointID) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return r.resolved(ep), true
}

// Endpoints returns every known endpoint ordered by id number.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, r.resolved(ep))
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out
}

// Len returns the number of endpoints ever observed.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

func (r *Registry) resolved(ep *Endpoint) Endpoint {
	out := *ep
	for _, key := range []string{ep.User, ep.Name} {
		if key == "" {
			continue
		}
		if p, ok := r.presence[strings.ToLower(key)]; ok {
			out.Presence = &p
			break
		}
	}
	return out
}

func idLess(a, b EndpointID) bool {
	na, _ := strconv.ParseUint(strings.TrimPrefix(string(a), "ep-"), 10, 64)
	nb, _ := strconv.ParseUint(strings.TrimPrefix(string(b), "ep-"), 10, 64)
	return na < nb
}
