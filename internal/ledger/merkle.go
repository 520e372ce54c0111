package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to a binary merkle root.
type ProofStep struct {
	Hash  string `json:"hash"`
	Right bool   `json:"right"` // sibling is on the right of the running hash
}

// MerkleTreeRoot computes a binary merkle root over hex leaf hashes. Odd
// nodes are paired with themselves. It is not part of the persisted block
// format; it exists for callers that need per-entry inclusion proofs.
func MerkleTreeRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return EmptyRoot, nil
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

// InclusionProof returns the sibling path proving leaves[i] is under the
// MerkleTreeRoot of leaves.
func InclusionProof(leaves []string, i int) ([]ProofStep, error) {
	if i < 0 || i >= len(leaves) {
		return nil, fmt.Errorf("leaf %d out of range", i)
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return nil, err
	}
	var proof []ProofStep
	for len(level) > 1 {
		sib := i ^ 1
		if sib >= len(level) {
			sib = i
		}
		proof = append(proof, ProofStep{
			Hash:  hex.EncodeToString(level[sib]),
			Right: i%2 == 0,
		})
		level = nextLevel(level)
		i /= 2
	}
	return proof, nil
}

// VerifyInclusion checks a proof produced by InclusionProof.
func VerifyInclusion(leaf string, proof []ProofStep, root string) bool {
	cur, err := hex.DecodeString(leaf)
	if err != nil {
		return false
	}
	for _, step := range proof {
		sib, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Right {
			cur = hashPair(cur, sib)
		} else {
			cur = hashPair(sib, cur)
		}
	}
	return hex.EncodeToString(cur) == root
}

func decodeLeaves(leaves []string) ([][]byte, error) {
	out := make([][]byte, 0, len(leaves))
	for i, h := range leaves {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
