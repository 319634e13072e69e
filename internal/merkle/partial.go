package merkle

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// PartialTree extends an Edge with new leaves. It holds only the nodes to
// the right of the edge; suffix[l] starts at index base>>l of level l.
type PartialTree struct {
	params   Params
	zeros    []fr.Element
	base     uint64
	frontier []*fr.Element
	suffix   [][]fr.Element
	root     fr.Element
}

func checkEdge(params Params, edge Edge, added int) ([]*fr.Element, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if edge.Height != params.Height {
		return nil, fmt.Errorf("edge height %d does not match tree height %d", edge.Height, params.Height)
	}
	if edge.LeafCount > params.capacity() || uint64(added) > params.capacity()-edge.LeafCount {
		return nil, fmt.Errorf("%w: %d + %d leaves for height %d", ErrTreeFull, edge.LeafCount, added, params.Height)
	}
	return edge.frontierByLevel()
}

// buildPartial hashes leaves appended after edge. Only the nodes on the
// right of the frontier are computed.
func buildPartial(params Params, edge Edge, leaves []fr.Element) (*PartialTree, error) {
	frontier, err := checkEdge(params, edge, len(leaves))
	if err != nil {
		return nil, err
	}

	p := &PartialTree{
		params:   params,
		zeros:    zeroLevels(params.Height, params.Zero, params.Hash),
		base:     edge.LeafCount,
		frontier: frontier,
		suffix:   make([][]fr.Element, params.Height+1),
		root:     edge.Root,
	}
	if len(leaves) == 0 {
		return p, nil
	}

	p.suffix[0] = append([]fr.Element(nil), leaves...)
	for l := 1; l <= params.Height; l++ {
		prev := p.suffix[l-1]
		if (p.base>>uint(l-1))&1 == 1 {
			// start the level on an even index by pulling in the frontier
			prev = append([]fr.Element{*frontier[l-1]}, prev...)
		}
		p.suffix[l] = hashLayer(prev, p.zeros[l-1], params.Hash)
	}
	p.root = p.suffix[params.Height][0]
	return p, nil
}

// partialFromSuffix rebuilds a PartialTree from suffix layers computed
// elsewhere.
func partialFromSuffix(params Params, edge Edge, suffix [][]fr.Element) (*PartialTree, error) {
	frontier, err := checkEdge(params, edge, len(suffix[0]))
	if err != nil {
		return nil, err
	}
	p := &PartialTree{
		params:   params,
		zeros:    zeroLevels(params.Height, params.Zero, params.Hash),
		base:     edge.LeafCount,
		frontier: frontier,
		suffix:   suffix,
		root:     edge.Root,
	}
	if len(suffix[0]) > 0 {
		if len(suffix[params.Height]) != 1 {
			return nil, fmt.Errorf("partial tree encoding has no root")
		}
		p.root = suffix[params.Height][0]
	}
	return p, nil
}

func (p *PartialTree) Height() int { return p.params.Height }

// LeafCount returns the total number of leaves, including those behind
// the edge.
func (p *PartialTree) LeafCount() uint64 {
	return p.base + uint64(len(p.suffix[0]))
}

func (p *PartialTree) Root() fr.Element { return p.root }

// Edge returns the frontier after the appended leaves.
func (p *PartialTree) Edge() Edge {
	return edgeFrom(p.params, p.LeafCount(), p.root, func(l int, i uint64) fr.Element {
		offset := p.base >> uint(l)
		if i < offset {
			return *p.frontier[l]
		}
		return p.suffix[l][i-offset]
	})
}

// MarshalBinary encodes the suffix layers in the Tree layer format.
func (p *PartialTree) MarshalBinary() ([]byte, error) {
	return encodeLayers(p.params.Height, p.suffix), nil
}
