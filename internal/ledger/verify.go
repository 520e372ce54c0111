package ledger

import (
	"context"
	"errors"
	"fmt"
)

// DiscrepancyKind classifies the first failed check of a verification run.
type DiscrepancyKind string

const (
	KindMissingBlock        DiscrepancyKind = "missing_block"
	KindChainLinkBroken     DiscrepancyKind = "chain_link_broken"
	KindEntrySequenceBroken DiscrepancyKind = "entry_sequence_broken"
	KindEntryHashMismatch   DiscrepancyKind = "entry_hash_mismatch"
	KindMerkleRootMismatch  DiscrepancyKind = "merkle_root_mismatch"
	KindBlockHashMismatch   DiscrepancyKind = "block_hash_mismatch"
	KindHMACMismatch        DiscrepancyKind = "hmac_mismatch"
)

// Discrepancy describes where and how the persisted chain diverges from
// its recomputation.
type Discrepancy struct {
	Kind       DiscrepancyKind `json:"kind"`
	BlockIndex int64           `json:"block_index"`
	EntryIndex int             `json:"entry_index,omitempty"`
	Expected   string          `json:"expected,omitempty"`
	Actual     string          `json:"actual,omitempty"`
}

func (d Discrepancy) String() string {
	s := fmt.Sprintf("%s at block %d", d.Kind, d.BlockIndex)
	if d.EntryIndex > 0 {
		s += fmt.Sprintf(" entry %d", d.EntryIndex)
	}
	if d.Expected != "" || d.Actual != "" {
		s += fmt.Sprintf(" (expected %s, got %s)", d.Expected, d.Actual)
	}
	return s
}

// VerifyRange bounds a verification run. Nil bounds mean the genesis block
// and the latest block respectively.
type VerifyRange struct {
	From *int64
	To   *int64
}

// VerificationResult is the outcome of a verification run. Valid is true
// only when every block in [From, To] was checked and none diverged.
type VerificationResult struct {
	Valid             bool         `json:"valid"`
	Complete          bool         `json:"complete"`
	From              int64        `json:"from"`
	To                int64        `json:"to"`
	BlocksChecked     int          `json:"blocks_checked"`
	EntriesChecked    int          `json:"entries_checked"`
	LastVerifiedBlock int64        `json:"last_verified_block"`
	Discrepancy       *Discrepancy `json:"discrepancy,omitempty"`
}

// Err returns an *IntegrityError when the run found a discrepancy.
func (r *VerificationResult) Err() error {
	if r == nil || r.Discrepancy == nil {
		return nil
	}
	return &IntegrityError{Discrepancy: *r.Discrepancy}
}

// verifyPageSize is the number of blocks fetched per store round trip.
const verifyPageSize = 256

// Verifier replays stored blocks and entries, recomputing every content hash
// and MAC, and reports the first divergence.
type Verifier struct {
	store   Store
	chainer *Chainer
}

// NewVerifier creates a Verifier. chainer must hold the key the chain was
// written with.
func NewVerifier(store Store, chainer *Chainer) *Verifier {
	return &Verifier{store: store, chainer: chainer}
}

// Verify checks blocks in ascending index order over r:
//   - no index is missing,
//   - each block links to the hash of its predecessor,
//   - entry indexes run 1..entries_count and each entry_hash matches the
//     stored payload,
//   - merkle_root and block_hash match their recomputation,
//   - the HMAC chain recomputed in insertion order matches hmac_chain.
//
// It stops at the first discrepancy. A store failure or context
// cancellation returns the partial result (Valid and Complete false)
// together with the error; a partial run is never reported as valid.
func (v *Verifier) Verify(ctx context.Context, r VerifyRange) (*VerificationResult, error) {
	res := &VerificationResult{LastVerifiedBlock: -1}
	if r.From != nil {
		res.From = *r.From
	}
	if res.From < 0 {
		return nil, &ValidationError{Field: "from", Msg: "must be non-negative"}
	}

	latest, err := v.store.LatestBlock(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		latest = nil
	case err != nil:
		return nil, &PersistenceError{Op: "verify", Err: err}
	}

	switch {
	case r.To != nil:
		res.To = *r.To
		latestIdx := int64(-1)
		if latest != nil {
			latestIdx = latest.Index
		}
		if res.To > latestIdx {
			return nil, &ValidationError{Field: "to", Msg: fmt.Sprintf("must not exceed the latest block index %d", latestIdx)}
		}
	case latest != nil:
		res.To = latest.Index
	default:
		// Empty ledger, open range: nothing to check.
		res.To = res.From - 1
		res.Valid, res.Complete = true, true
		return res, nil
	}
	if res.To < res.From {
		return nil, &ValidationError{Field: "to", Msg: "must not be below from"}
	}

	prevHash := GenesisHash
	if res.From > 0 {
		prev, err := v.store.Block(ctx, res.From-1)
		if errors.Is(err, ErrNotFound) {
			return res.fail(Discrepancy{Kind: KindMissingBlock, BlockIndex: res.From - 1}), nil
		}
		if err != nil {
			return res, &PersistenceError{Op: "verify", Err: err}
		}
		prevHash = prev.Hash
	}

	prior, err := v.store.PriorHMAC(ctx, res.From)
	if err != nil {
		return res, &PersistenceError{Op: "verify", Err: err}
	}

	expected := res.From
	for expected <= res.To {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := v.store.ListBlocks(ctx, expected, verifyPageSize)
		if err != nil {
			return res, &PersistenceError{Op: "verify", Err: err}
		}
		if len(page) == 0 {
			break
		}

		for _, b := range page {
			if b.Index > res.To {
				break
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			if b.Index != expected {
				return res.fail(Discrepancy{Kind: KindMissingBlock, BlockIndex: expected}), nil
			}

			entries, err := v.store.EntriesByBlock(ctx, b.Index)
			if err != nil {
				return res, &PersistenceError{Op: "verify", Err: err}
			}
			d, next := v.checkBlock(b, prevHash, prior, entries)
			if d != nil {
				return res.fail(*d), nil
			}

			prevHash, prior = b.Hash, next
			res.BlocksChecked++
			res.EntriesChecked += len(entries)
			res.LastVerifiedBlock = b.Index
			expected++
		}
		if len(page) < verifyPageSize {
			break
		}
	}

	if expected <= res.To {
		return res.fail(Discrepancy{Kind: KindMissingBlock, BlockIndex: expected}), nil
	}
	res.Valid, res.Complete = true, true
	return res, nil
}

func (r *VerificationResult) fail(d Discrepancy) *VerificationResult {
	r.Valid = false
	r.Complete = true
	r.Discrepancy = &d
	return r
}

// checkBlock verifies one block against its predecessor's hash and the
// running MAC, returning the MAC after its last entry.
func (v *Verifier) checkBlock(b *Block, prevHash, prior string, entries []*ChainEntry) (*Discrepancy, string) {
	if b.PrevHash != prevHash {
		return &Discrepancy{Kind: KindChainLinkBroken, BlockIndex: b.Index, Expected: prevHash, Actual: b.PrevHash}, ""
	}

	hashes := make([]string, len(entries))
	for i, e := range entries {
		if e.EntryIndex != i+1 || e.BlockIndex != b.Index {
			return &Discrepancy{
				Kind: KindEntrySequenceBroken, BlockIndex: b.Index, EntryIndex: i + 1,
				Expected: fmt.Sprintf("entry %d", i+1), Actual: fmt.Sprintf("entry %d", e.EntryIndex),
			}, ""
		}
		h := sha256Hex(e.Payload)
		if h != e.EntryHash {
			return &Discrepancy{Kind: KindEntryHashMismatch, BlockIndex: b.Index, EntryIndex: e.EntryIndex, Expected: h, Actual: e.EntryHash}, ""
		}
		hashes[i] = h
	}
	if len(entries) != b.EntriesCount {
		return &Discrepancy{
			Kind: KindEntrySequenceBroken, BlockIndex: b.Index,
			Expected: fmt.Sprintf("%d entries", b.EntriesCount), Actual: fmt.Sprintf("%d entries", len(entries)),
		}, ""
	}

	if root := MerkleRoot(hashes); root != b.MerkleRoot {
		return &Discrepancy{Kind: KindMerkleRootMismatch, BlockIndex: b.Index, Expected: root, Actual: b.MerkleRoot}, ""
	}

	h, err := HeaderHash(b)
	if err != nil || h != b.Hash {
		return &Discrepancy{Kind: KindBlockHashMismatch, BlockIndex: b.Index, Expected: h, Actual: b.Hash}, ""
	}

	for i, e := range entries {
		want := v.chainer.Extend(prior, hashes[i])
		if !equalMAC(want, e.HMACChain) {
			// The expected MAC is never reported: it would hand out valid links.
			return &Discrepancy{Kind: KindHMACMismatch, BlockIndex: b.Index, EntryIndex: e.EntryIndex, Actual: e.HMACChain}, ""
		}
		prior = want
	}
	return nil, prior
}
