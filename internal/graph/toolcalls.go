package graph

import (
	"strings"
)

// RawToolCallChunk is one incremental fragment of a streaming tool call
// as emitted by an LLM provider. The provider's raw index identifies
// which call a fragment belongs to, since providers interleave fragments
// when emitting multiple calls.
type RawToolCallChunk struct {
	Index *int // nil means "no index; treat as a standalone call"
	ID    string
	Name  string
	Args  string
}

// reassemblyGroup accumulates all chunks seen for one tool-call index.
type reassemblyGroup struct {
	index     int
	id        string
	name      string
	args      strings.Builder
	nameSeen  bool
}

// Reassembler groups incoming chunks by index, concatenates args strings,
// and adopts the first non-empty name/id seen for each index. Chunks
// without an index are each a standalone group keyed by a synthetic,
// strictly decreasing negative index so they never collide with provider
// indices.
type Reassembler struct {
	groups    map[int]*reassemblyGroup
	order     []int
	nextSolo  int
	onMismatch func(index int, have, got string)
}

// NewReassembler builds an empty Reassembler. onMismatch, if non-nil, is
// called whenever a later chunk's name disagrees with the first non-empty
// name already adopted for that index.
func NewReassembler(onMismatch func(index int, have, got string)) *Reassembler {
	return &Reassembler{
		groups:     map[int]*reassemblyGroup{},
		nextSolo:   -1,
		onMismatch: onMismatch,
	}
}

// Add folds one chunk into its group, returning the group's index.
func (r *Reassembler) Add(c RawToolCallChunk) int {
	idx := r.nextSolo
	if c.Index != nil {
		idx = *c.Index
	}

	g, ok := r.groups[idx]
	if !ok {
		g = &reassemblyGroup{index: idx}
		r.groups[idx] = g
		r.order = append(r.order, idx)
		if c.Index == nil {
			r.nextSolo--
		}
	}

	if c.ID != "" && g.id == "" {
		g.id = c.ID
	}
	if c.Name != "" {
		if !g.nameSeen {
			g.name = c.Name
			g.nameSeen = true
		} else if g.name != c.Name && r.onMismatch != nil {
			r.onMismatch(idx, g.name, c.Name)
		}
	}
	g.args.WriteString(c.Args)

	return idx
}

// Group is a read-only snapshot of one reassembled tool call.
type Group struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// Snapshot returns every group in first-seen order.
func (r *Reassembler) Snapshot() []Group {
	out := make([]Group, 0, len(r.order))
	for _, idx := range r.order {
		g := r.groups[idx]
		out = append(out, Group{Index: g.index, ID: g.id, Name: g.name, Args: g.args.String()})
	}
	return out
}

// ByIndex returns the single group at idx, if present.
func (r *Reassembler) ByIndex(idx int) (Group, bool) {
	g, ok := r.groups[idx]
	if !ok {
		return Group{}, false
	}
	return Group{Index: g.index, ID: g.id, Name: g.name, Args: g.args.String()}, true
}
