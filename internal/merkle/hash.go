package merkle

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultHeight is the pool tree height.
const DefaultHeight = 20

// DefaultZeroValue is keccak256("tornado") reduced modulo the BN254 scalar
// field, used to pad empty leaves.
const DefaultZeroValue = "21663839004416932945382355908790599225266501822907911457504978515578255421292"

// HashFunc combines two child nodes into their parent.
type HashFunc func(left, right fr.Element) fr.Element

// Hash names accepted by HashByName.
const (
	HashMiMCSponge = "mimcsponge"
	HashMiMC       = "mimc"
)

// HashByName returns the node hash registered under name.
func HashByName(name string) (HashFunc, error) {
	switch name {
	case HashMiMCSponge, "":
		return MiMCSpongeHash, nil
	case HashMiMC:
		return MiMCHash, nil
	default:
		return nil, fmt.Errorf("unknown tree hash %q", name)
	}
}

// MiMCHash hashes the big-endian encodings of left and right with gnark's
// MiMC over BN254. Pools with a gnark circuit use it instead of the sponge.
func MiMCHash(left, right fr.Element) fr.Element {
	h := mimc.NewMiMC()
	l := left.Bytes()
	r := right.Bytes()
	// canonical encodings are always accepted
	_, _ = h.Write(l[:])
	_, _ = h.Write(r[:])

	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// DefaultZero returns DefaultZeroValue as a field element.
func DefaultZero() fr.Element {
	zero, err := ParseElement(DefaultZeroValue)
	if err != nil {
		panic(err)
	}
	return zero
}

// ParseElement parses a decimal or 0x-prefixed hex string that must be
// below the field modulus.
func ParseElement(s string) (fr.Element, error) {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return fr.Element{}, fmt.Errorf("invalid field element %q", s)
	}
	if n.Sign() < 0 || n.Cmp(fr.Modulus()) >= 0 {
		return fr.Element{}, fmt.Errorf("field element %q out of range", s)
	}
	var e fr.Element
	e.SetBigInt(n)
	return e, nil
}

// ElementFromHash converts a 32-byte big-endian value into a field element.
func ElementFromHash(h common.Hash) (fr.Element, error) {
	n := new(big.Int).SetBytes(h.Bytes())
	if n.Cmp(fr.Modulus()) >= 0 {
		return fr.Element{}, fmt.Errorf("%w: %s", ErrInvalidLeaf, h.Hex())
	}
	var e fr.Element
	e.SetBigInt(n)
	return e, nil
}

// HashOf returns the 32-byte big-endian encoding of e.
func HashOf(e fr.Element) common.Hash {
	return common.Hash(e.Bytes())
}

func zeroLevels(height int, zero fr.Element, hash HashFunc) []fr.Element {
	zeros := make([]fr.Element, height+1)
	zeros[0] = zero
	for l := 1; l <= height; l++ {
		zeros[l] = hash(zeros[l-1], zeros[l-1])
	}
	return zeros
}
