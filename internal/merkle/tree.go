package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

var (
	// ErrTreeFull is returned when the leaves do not fit the tree height.
	ErrTreeFull = errors.New("merkle tree is full")
	// ErrInvalidLeaf marks a commitment outside the scalar field.
	ErrInvalidLeaf = errors.New("leaf is not a field element")
	// ErrIndexOutOfRange is returned by Path for a leaf not in the tree.
	ErrIndexOutOfRange = errors.New("leaf index out of range")
)

const maxHeight = 32

// Params fixes the shape of a tree. The zero value is not usable; start
// from DefaultParams.
type Params struct {
	Height int
	Zero   fr.Element
	Hash   HashFunc
}

// DefaultParams returns height 20, the tornado zero and MiMCSponge.
func DefaultParams() Params {
	return Params{Height: DefaultHeight, Zero: DefaultZero(), Hash: MiMCSpongeHash}
}

func (p Params) validate() error {
	if p.Height < 1 || p.Height > maxHeight {
		return fmt.Errorf("tree height must be in [1,%d], got %d", maxHeight, p.Height)
	}
	if p.Hash == nil {
		return fmt.Errorf("tree hash function is nil")
	}
	return nil
}

func (p Params) capacity() uint64 {
	return uint64(1) << uint(p.Height)
}

// Tree is a fixed-height append-only Merkle tree. layers[0] holds the
// leaves and layers[Height] the root once any leaf exists; missing right
// children are the zero of their level.
type Tree struct {
	params Params
	zeros  []fr.Element
	layers [][]fr.Element
}

func newTree(params Params, layers [][]fr.Element) *Tree {
	return &Tree{
		params: params,
		zeros:  zeroLevels(params.Height, params.Zero, params.Hash),
		layers: layers,
	}
}

// buildTree hashes all layers from leaves.
func buildTree(params Params, leaves []fr.Element) (*Tree, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if uint64(len(leaves)) > params.capacity() {
		return nil, fmt.Errorf("%w: %d leaves for height %d", ErrTreeFull, len(leaves), params.Height)
	}

	t := newTree(params, make([][]fr.Element, params.Height+1))
	t.layers[0] = append([]fr.Element(nil), leaves...)
	for l := 1; l <= params.Height; l++ {
		t.layers[l] = hashLayer(t.layers[l-1], t.zeros[l-1], params.Hash)
	}
	return t, nil
}

// hashLayer pairs adjacent nodes, padding an odd tail with zero.
func hashLayer(prev []fr.Element, zero fr.Element, hash HashFunc) []fr.Element {
	next := make([]fr.Element, (len(prev)+1)/2)
	for i := range next {
		right := zero
		if 2*i+1 < len(prev) {
			right = prev[2*i+1]
		}
		next[i] = hash(prev[2*i], right)
	}
	return next
}

func (t *Tree) Height() int { return t.params.Height }

// LeafCount returns the number of inserted leaves.
func (t *Tree) LeafCount() uint64 { return uint64(len(t.layers[0])) }

// Leaves returns a copy of the leaves.
func (t *Tree) Leaves() []fr.Element {
	return append([]fr.Element(nil), t.layers[0]...)
}

// Root returns the tree root; an empty tree has the zero of the top level.
func (t *Tree) Root() fr.Element {
	top := t.layers[t.params.Height]
	if len(top) == 0 {
		return t.zeros[t.params.Height]
	}
	return top[0]
}

// node returns the node at index i of level l, or the level's zero.
func (t *Tree) node(l int, i uint64) fr.Element {
	if i < uint64(len(t.layers[l])) {
		return t.layers[l][i]
	}
	return t.zeros[l]
}

// Proof is a Merkle path from a leaf to the root.
type Proof struct {
	Leaf     fr.Element
	Index    uint64
	Siblings []fr.Element
	// Bits[l] is 1 when the path node at level l is a right child.
	Bits []uint8
}

// Path returns the inclusion proof of the leaf at index.
func (t *Tree) Path(index uint64) (Proof, error) {
	if index >= t.LeafCount() {
		return Proof{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, t.LeafCount())
	}
	proof := Proof{
		Leaf:     t.layers[0][index],
		Index:    index,
		Siblings: make([]fr.Element, t.params.Height),
		Bits:     make([]uint8, t.params.Height),
	}
	i := index
	for l := 0; l < t.params.Height; l++ {
		proof.Siblings[l] = t.node(l, i^1)
		proof.Bits[l] = uint8(i & 1)
		i >>= 1
	}
	return proof, nil
}

// Compute folds the proof back into a root using hash.
func (p Proof) Compute(hash HashFunc) fr.Element {
	cur := p.Leaf
	for l, sibling := range p.Siblings {
		if p.Bits[l] == 1 {
			cur = hash(sibling, cur)
		} else {
			cur = hash(cur, sibling)
		}
	}
	return cur
}

// Edge returns the frontier needed to extend the tree without its leaves.
func (t *Tree) Edge() Edge {
	return edgeFrom(t.params, t.LeafCount(), t.Root(), func(l int, i uint64) fr.Element {
		return t.layers[l][i]
	})
}

// MarshalBinary encodes the layers as: height, then per level the node
// count followed by 32-byte big-endian nodes.
func (t *Tree) MarshalBinary() ([]byte, error) {
	return encodeLayers(t.params.Height, t.layers), nil
}

// unmarshalTree decodes MarshalBinary output for params.
func unmarshalTree(params Params, data []byte) (*Tree, error) {
	layers, err := decodeLayers(params, data)
	if err != nil {
		return nil, err
	}
	return newTree(params, layers), nil
}

func encodeLayers(height int, layers [][]fr.Element) []byte {
	size := 4
	for _, layer := range layers {
		size += 8 + 32*len(layer)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(height))
	for _, layer := range layers {
		out = binary.BigEndian.AppendUint64(out, uint64(len(layer)))
		for _, node := range layer {
			b := node.Bytes()
			out = append(out, b[:]...)
		}
	}
	return out
}

func decodeLayers(params Params, data []byte) ([][]fr.Element, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("tree encoding too short")
	}
	if h := int(binary.BigEndian.Uint32(data)); h != params.Height {
		return nil, fmt.Errorf("tree encoding height %d, want %d", h, params.Height)
	}
	data = data[4:]

	layers := make([][]fr.Element, params.Height+1)
	for l := range layers {
		if len(data) < 8 {
			return nil, fmt.Errorf("tree encoding truncated at level %d", l)
		}
		n := binary.BigEndian.Uint64(data)
		data = data[8:]
		if n > params.capacity() || uint64(len(data)) < n*32 {
			return nil, fmt.Errorf("tree encoding truncated in level %d", l)
		}
		layer := make([]fr.Element, n)
		for i := range layer {
			layer[i].SetBytes(data[:32])
			data = data[32:]
		}
		layers[l] = layer
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("tree encoding has %d trailing bytes", len(data))
	}
	return layers, nil
}
