// Package graph holds flowgraph topology: blocks, port-to-port edges and the
// serializable definition they are loaded from.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/petal-labs/petalstream/core"
)

// Graph errors
var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrDuplicateBlock = errors.New("duplicate block ID")
	ErrInvalidEdge    = errors.New("invalid edge")
	ErrEmptyGraph     = errors.New("graph has no blocks")
)

// Endpoint names one port of one block.
type Endpoint struct {
	Block string
	Port  int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Block, e.Port)
}

// Edge connects an output port to an input port.
type Edge struct {
	Src Endpoint
	Dst Endpoint
}

// Flowgraph is a set of blocks wired output port to input port. An output
// may feed any number of inputs; an input is driven by exactly one output.
type Flowgraph struct {
	name       string
	blocks     map[string]core.Block
	blockOrder []string // insertion order
	edges      []Edge
}

// New creates an empty flowgraph.
func New(name string) *Flowgraph {
	return &Flowgraph{
		name:   name,
		blocks: make(map[string]core.Block),
	}
}

// Name returns the flowgraph's identifier.
func (g *Flowgraph) Name() string {
	return g.name
}

// Add registers blocks with the graph.
func (g *Flowgraph) Add(blocks ...core.Block) error {
	for _, b := range blocks {
		if b == nil {
			return errors.New("cannot add nil block")
		}
		id := b.ID()
		if _, exists := g.blocks[id]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateBlock, id)
		}
		g.blocks[id] = b
		g.blockOrder = append(g.blockOrder, id)
	}
	return nil
}

// Connect wires output srcPort of src to input dstPort of dst. Both blocks
// must already be added.
func (g *Flowgraph) Connect(src string, srcPort int, dst string, dstPort int) error {
	if _, ok := g.blocks[src]; !ok {
		return fmt.Errorf("%w: source block %q not found", ErrInvalidEdge, src)
	}
	if _, ok := g.blocks[dst]; !ok {
		return fmt.Errorf("%w: target block %q not found", ErrInvalidEdge, dst)
	}
	if srcPort < 0 || dstPort < 0 {
		return fmt.Errorf("%w: negative port", ErrInvalidEdge)
	}
	e := Edge{Src: Endpoint{src, srcPort}, Dst: Endpoint{dst, dstPort}}
	for _, existing := range g.edges {
		if existing == e {
			return nil
		}
		if existing.Dst == e.Dst {
			return fmt.Errorf("%w: input %s already driven by %s", ErrInvalidEdge, e.Dst, existing.Src)
		}
	}
	g.edges = append(g.edges, e)
	return nil
}

// Chain adds the blocks if needed and connects output 0 of each to input 0
// of the next.
func (g *Flowgraph) Chain(blocks ...core.Block) error {
	for _, b := range blocks {
		if _, ok := g.blocks[b.ID()]; ok {
			continue
		}
		if err := g.Add(b); err != nil {
			return err
		}
	}
	for i := 1; i < len(blocks); i++ {
		if err := g.Connect(blocks[i-1].ID(), 0, blocks[i].ID(), 0); err != nil {
			return err
		}
	}
	return nil
}

// Blocks returns all blocks in insertion order.
func (g *Flowgraph) Blocks() []core.Block {
	out := make([]core.Block, 0, len(g.blockOrder))
	for _, id := range g.blockOrder {
		out = append(out, g.blocks[id])
	}
	return out
}

// Block retrieves a block by ID.
func (g *Flowgraph) Block(id string) (core.Block, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

// Edges returns all edges.
func (g *Flowgraph) Edges() []Edge {
	return g.edges
}

// InputEdges returns the edges feeding id, ordered by input port.
func (g *Flowgraph) InputEdges(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Dst.Block == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dst.Port < out[j].Dst.Port })
	return out
}

// OutputEdges returns the edges leaving id, ordered by output port.
func (g *Flowgraph) OutputEdges(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Src.Block == id {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Src.Port < out[j].Src.Port })
	return out
}

// NumInputs returns the number of connected input ports of id.
func (g *Flowgraph) NumInputs(id string) int {
	return portSpan(g.InputEdges(id), func(e Edge) int { return e.Dst.Port })
}

// NumOutputs returns the number of connected output ports of id.
func (g *Flowgraph) NumOutputs(id string) int {
	return portSpan(g.OutputEdges(id), func(e Edge) int { return e.Src.Port })
}

func portSpan(edges []Edge, port func(Edge) int) int {
	n := 0
	for _, e := range edges {
		n = max(n, port(e)+1)
	}
	return n
}

// Downstream returns the distinct IDs of blocks consuming any output of id.
func (g *Flowgraph) Downstream(id string) []string {
	return distinct(g.OutputEdges(id), func(e Edge) string { return e.Dst.Block })
}

// Upstream returns the distinct IDs of blocks feeding any input of id.
func (g *Flowgraph) Upstream(id string) []string {
	return distinct(g.InputEdges(id), func(e Edge) string { return e.Src.Block })
}

func distinct(edges []Edge, pick func(Edge) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range edges {
		id := pick(e)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Order returns block IDs sources first. Blocks on a cycle, which can only
// run when something outside the graph breaks it, follow in insertion order.
func (g *Flowgraph) Order() []string {
	// Kahn's algorithm over insertion order for a deterministic result.
	inDegree := make(map[string]int, len(g.blocks))
	for _, id := range g.blockOrder {
		inDegree[id] = len(g.Upstream(id))
	}
	queue := make([]string, 0)
	for _, id := range g.blockOrder {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	result := make([]string, 0, len(g.blocks))
	placed := make(map[string]bool, len(g.blocks))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)
		placed[current] = true
		for _, succ := range g.Downstream(current) {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	for _, id := range g.blockOrder {
		if !placed[id] {
			result = append(result, id)
		}
	}
	return result
}

// Validate finalizes the graph: every block's policy must be valid, port
// counts must fall inside the block signatures, connected ports must be
// contiguous from zero, both ends of an edge must agree on item size and
// one_to_one tag propagation needs equal input and output counts. All
// problems are returned joined.
func (g *Flowgraph) Validate() error {
	if len(g.blocks) == 0 {
		return ErrEmptyGraph
	}
	var errs []error
	for _, id := range g.blockOrder {
		b := g.blocks[id]
		if err := core.ValidatePolicy(b); err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, checkPorts(b, "inputs", b.InputSignature(), g.InputEdges(id), func(e Edge) int { return e.Dst.Port })...)
		errs = append(errs, checkPorts(b, "outputs", b.OutputSignature(), g.OutputEdges(id), func(e Edge) int { return e.Src.Port })...)
		if b.TagPropagation() == core.PropagateOneToOne && g.NumInputs(id) != g.NumOutputs(id) {
			errs = append(errs, &core.ConfigurationError{
				BlockID: b.ID(), Block: b.Name(), Field: "tag_propagation",
				Reason: fmt.Sprintf("one_to_one needs as many outputs as inputs, has %d in and %d out", g.NumInputs(id), g.NumOutputs(id)),
			})
		}
	}
	for _, e := range g.edges {
		src, dst := g.blocks[e.Src.Block], g.blocks[e.Dst.Block]
		srcSize := src.OutputSignature().ItemSize(e.Src.Port)
		dstSize := dst.InputSignature().ItemSize(e.Dst.Port)
		if srcSize != dstSize {
			errs = append(errs, &core.ConfigurationError{
				BlockID: dst.ID(),
				Block:   dst.Name(),
				Field:   "item_size",
				Reason:  fmt.Sprintf("input %d expects %d byte items, %s produces %d", e.Dst.Port, dstSize, e.Src, srcSize),
			})
		}
	}
	return errors.Join(errs...)
}

func checkPorts(b core.Block, field string, sig core.IOSignature, edges []Edge, port func(Edge) int) []error {
	var errs []error
	used := make(map[int]bool)
	n := 0
	for _, e := range edges {
		used[port(e)] = true
		n = max(n, port(e)+1)
	}
	for p := 0; p < n; p++ {
		if !used[p] {
			errs = append(errs, &core.ConfigurationError{
				BlockID: b.ID(), Block: b.Name(), Field: field,
				Reason: fmt.Sprintf("port %d is not connected but port %d is", p, n-1),
			})
		}
	}
	if !sig.Accepts(n) {
		errs = append(errs, &core.ConfigurationError{
			BlockID: b.ID(), Block: b.Name(), Field: field,
			Reason: fmt.Sprintf("%d connected, signature allows %s", n, sig),
		})
	}
	return errs
}
