package merkle

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Edge is the serialisable right frontier of a tree. It carries, for every
// level l where (LeafCount >> l) is odd, the completed left node that the
// next insertion at that level pairs with.
type Edge struct {
	Height    int
	LeafCount uint64
	Root      fr.Element
	Frontier  []FrontierNode
}

// FrontierNode is node (LeafCount>>Level)-1 of its level.
type FrontierNode struct {
	Level int
	Value fr.Element
}

// EmptyEdge returns the edge of a tree without leaves.
func EmptyEdge(params Params) Edge {
	zeros := zeroLevels(params.Height, params.Zero, params.Hash)
	return Edge{Height: params.Height, Root: zeros[params.Height]}
}

func edgeFrom(params Params, leafCount uint64, root fr.Element, nodeAt func(l int, i uint64) fr.Element) Edge {
	edge := Edge{Height: params.Height, LeafCount: leafCount, Root: root}
	for l := 0; l < params.Height; l++ {
		if c := leafCount >> uint(l); c&1 == 1 {
			edge.Frontier = append(edge.Frontier, FrontierNode{Level: l, Value: nodeAt(l, c-1)})
		}
	}
	return edge
}

// frontierByLevel indexes the frontier and checks that it matches LeafCount.
func (e Edge) frontierByLevel() ([]*fr.Element, error) {
	byLevel := make([]*fr.Element, e.Height)
	for i := range e.Frontier {
		node := e.Frontier[i]
		if node.Level < 0 || node.Level >= e.Height {
			return nil, fmt.Errorf("edge frontier level %d out of range", node.Level)
		}
		if byLevel[node.Level] != nil {
			return nil, fmt.Errorf("edge frontier level %d repeated", node.Level)
		}
		byLevel[node.Level] = &e.Frontier[i].Value
	}
	for l := 0; l < e.Height; l++ {
		odd := (e.LeafCount>>uint(l))&1 == 1
		if odd != (byLevel[l] != nil) {
			return nil, fmt.Errorf("edge frontier inconsistent with %d leaves at level %d", e.LeafCount, l)
		}
	}
	return byLevel, nil
}

type edgeJSON struct {
	Height    int                `json:"height"`
	LeafCount uint64             `json:"leaf_count"`
	Root      string             `json:"root"`
	Frontier  []frontierNodeJSON `json:"frontier"`
}

type frontierNodeJSON struct {
	Level int    `json:"level"`
	Value string `json:"value"`
}

// MarshalJSON renders field elements as decimal strings.
func (e Edge) MarshalJSON() ([]byte, error) {
	out := edgeJSON{
		Height:    e.Height,
		LeafCount: e.LeafCount,
		Root:      e.Root.String(),
		Frontier:  make([]frontierNodeJSON, 0, len(e.Frontier)),
	}
	for _, node := range e.Frontier {
		out.Frontier = append(out.Frontier, frontierNodeJSON{Level: node.Level, Value: node.Value.String()})
	}
	return json.Marshal(out)
}

func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw edgeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	root, err := ParseElement(raw.Root)
	if err != nil {
		return fmt.Errorf("edge root: %w", err)
	}
	var frontier []FrontierNode
	for _, node := range raw.Frontier {
		value, err := ParseElement(node.Value)
		if err != nil {
			return fmt.Errorf("edge frontier level %d: %w", node.Level, err)
		}
		frontier = append(frontier, FrontierNode{Level: node.Level, Value: value})
	}
	sort.Slice(frontier, func(i, j int) bool { return frontier[i].Level < frontier[j].Level })

	*e = Edge{Height: raw.Height, LeafCount: raw.LeafCount, Root: root, Frontier: frontier}
	return nil
}
