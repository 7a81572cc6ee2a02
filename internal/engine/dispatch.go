package engine

import (
	"hash/fnv"

	"firestige.xyz/tracevia/internal/core"
)

// lane picks the parser worker for a frame. Both directions of a flow
// hash to the same lane, so messages exchanged by two endpoints keep
// their capture order through parsing.
func lane(meta core.TransportMeta, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	a, b := meta.Src.String(), meta.Dst.String()
	if b < a {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	h.Write([]byte{byte(meta.Transport)})
	return int(h.Sum32() % uint32(lanes))
}
