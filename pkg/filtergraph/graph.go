package filtergraph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/user/avflow/pkg/pipeline"
)

// Node is one filter. Process and Flush take ownership of their input and
// hand ownership of every returned frame to the caller.
type Node interface {
	Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error)
	Flush(ctx context.Context) ([]*pipeline.Frame, error)
	Close()
}

type vertex struct {
	id      string
	label   string
	node    Node
	inputs  []string
	outputs []string
	pending []*pipeline.Frame
}

// Graph is a DAG of nodes with exactly one source and one sink. Frames
// leaving a node with several outputs are shared between them.
type Graph struct {
	vertices map[string]*vertex
	added    []string
	order    []*vertex
	source   *vertex
	sink     *vertex
	outPad   Pad
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{vertices: make(map[string]*vertex)}
}

// AddNode registers a node under a unique id.
func (g *Graph) AddNode(id, label string, n Node) error {
	if _, dup := g.vertices[id]; dup {
		return pipeline.Configuration("duplicate filter node %q", id)
	}
	g.vertices[id] = &vertex{id: id, label: label, node: n}
	g.added = append(g.added, id)
	g.order = nil
	return nil
}

// Connect adds an edge from one node to another.
func (g *Graph) Connect(from, to string) error {
	a, ok := g.vertices[from]
	if !ok {
		return pipeline.Configuration("unknown filter node %q", from)
	}
	b, ok := g.vertices[to]
	if !ok {
		return pipeline.Configuration("unknown filter node %q", to)
	}
	a.outputs = append(a.outputs, to)
	b.inputs = append(b.inputs, from)
	g.order = nil
	return nil
}

// Validate checks the graph shape and fixes the processing order.
func (g *Graph) Validate() error {
	var sources, sinks []*vertex
	indeg := make(map[string]int, len(g.vertices))
	for _, id := range g.added {
		v := g.vertices[id]
		indeg[id] = len(v.inputs)
		if len(v.inputs) == 0 {
			sources = append(sources, v)
		}
		if len(v.outputs) == 0 {
			sinks = append(sinks, v)
		}
	}
	if len(sources) != 1 {
		return pipeline.Configuration("filter graph needs one source, found %d", len(sources))
	}
	if len(sinks) != 1 {
		return pipeline.Configuration("filter graph needs one sink, found %d", len(sinks))
	}

	// Kahn's algorithm; ties resolved in insertion order.
	pos := make(map[string]int, len(g.added))
	for i, id := range g.added {
		pos[id] = i
	}
	ready := []string{sources[0].id}
	var order []*vertex
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		v := g.vertices[id]
		order = append(order, v)
		for _, out := range v.outputs {
			indeg[out]--
			if indeg[out] == 0 {
				ready = append(ready, out)
			}
		}
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
	}
	if len(order) != len(g.vertices) {
		return pipeline.Configuration("filter graph has a cycle or unreachable nodes")
	}

	g.order = order
	g.source = sources[0]
	g.sink = sinks[0]
	return nil
}

// OutputPad describes frames leaving the sink.
func (g *Graph) OutputPad() Pad {
	return g.outPad
}

// Process pushes one frame through the graph and returns the frames that
// reached the sink.
func (g *Graph) Process(ctx context.Context, f *pipeline.Frame) ([]*pipeline.Frame, error) {
	if g.order == nil {
		f.Release()
		return nil, fmt.Errorf("%w: filter graph not validated", pipeline.ErrInvalidState)
	}
	g.source.pending = append(g.source.pending, f)
	return g.run(ctx, false)
}

// Flush drains every node in order and returns the remaining frames.
func (g *Graph) Flush(ctx context.Context) ([]*pipeline.Frame, error) {
	if g.order == nil {
		return nil, fmt.Errorf("%w: filter graph not validated", pipeline.ErrInvalidState)
	}
	return g.run(ctx, true)
}

func (g *Graph) run(ctx context.Context, flush bool) ([]*pipeline.Frame, error) {
	var result []*pipeline.Frame
	for _, v := range g.order {
		var produced []*pipeline.Frame
		inputs := v.pending
		v.pending = nil
		for i, in := range inputs {
			outs, err := v.node.Process(ctx, in)
			if err != nil {
				releaseAll(inputs[i+1:])
				releaseAll(produced)
				releaseAll(result)
				g.releasePending()
				return nil, fmt.Errorf("filter %s: %w", v.label, err)
			}
			produced = append(produced, outs...)
		}
		if flush {
			outs, err := v.node.Flush(ctx)
			if err != nil {
				releaseAll(produced)
				releaseAll(result)
				g.releasePending()
				return nil, fmt.Errorf("filter %s: flush: %w", v.label, err)
			}
			produced = append(produced, outs...)
		}

		if v == g.sink {
			result = append(result, produced...)
			continue
		}
		for _, f := range produced {
			for i, out := range v.outputs {
				next := f
				if i < len(v.outputs)-1 {
					next = f.Retain()
				}
				g.vertices[out].pending = append(g.vertices[out].pending, next)
			}
		}
	}
	return result, nil
}

func (g *Graph) releasePending() {
	for _, v := range g.vertices {
		releaseAll(v.pending)
		v.pending = nil
	}
}

// Close releases node state.
func (g *Graph) Close() {
	g.releasePending()
	for _, id := range g.added {
		g.vertices[id].node.Close()
	}
}

// String renders the graph in processing order.
func (g *Graph) String() string {
	var b strings.Builder
	vs := g.order
	if vs == nil {
		for _, id := range g.added {
			vs = append(vs, g.vertices[id])
		}
	}
	for _, v := range vs {
		fmt.Fprintf(&b, "%s [%s]", v.id, v.label)
		if len(v.outputs) > 0 {
			fmt.Fprintf(&b, " -> %s", strings.Join(v.outputs, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func releaseAll(frames []*pipeline.Frame) {
	for _, f := range frames {
		f.Release()
	}
}
