// Package merkle builds keccak256 Merkle trees over batch commitment leaves
// and produces the inclusion proofs returned to submitters.
package merkle

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrEmptyBatch = errors.New("merkle: cannot build a tree over an empty batch")

// Tree is a full Merkle tree. All levels are retained so inclusion proofs
// can be generated for any leaf without rebuilding.
type Tree struct {
	Root   [32]byte
	Leaves [][32]byte

	levels [][][32]byte
}

func hashPair(left, right [32]byte) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256(left[:], right[:]))
	return out
}

// Build constructs the tree bottom-up. A level with an odd node count has
// its last node duplicated, so every parent has exactly two children.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyBatch
	}

	level := make([][32]byte, len(leaves))
	copy(level, leaves)

	levels := [][][32]byte{level}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{
		Root:   level[0],
		Leaves: levels[0],
		levels: levels,
	}, nil
}

// Proof returns the sibling hashes from the leaf at index up to the root.
// The side of each sibling is implied by the corresponding bit of index.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, errors.New("merkle: leaf index out of range")
	}

	path := make([][32]byte, 0, len(t.levels)-1)
	for _, level := range t.levels[:len(t.levels)-1] {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		path = append(path, level[sibling])
		index /= 2
	}
	return path, nil
}

// VerifyProof checks a path produced by Proof against the given root.
func VerifyProof(leaf [32]byte, path [][32]byte, index uint64, root [32]byte) bool {
	current := leaf
	for _, sibling := range path {
		if index%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		index /= 2
	}
	return current == root
}
