package ledger

import (
	"errors"
	"strings"
	"time"

	"github.com/jmerrifield20/fraudledger/internal/canonical"
)

// MaxTxReferenceLen bounds tx_reference, matching the chain_entries column.
const MaxTxReferenceLen = 128

// PrepareEntries validates and hashes entries in order. The returned
// ChainEntries carry payload bytes, entry hashes and 1-based entry indexes;
// block index, HMAC and timestamp are filled in when the block is sealed.
func PrepareEntries(entries []Entry) ([]*ChainEntry, error) {
	out := make([]*ChainEntry, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.TxReference) == "" {
			return nil, &ValidationError{Field: "tx_reference", Index: i + 1, Msg: "tx_reference is required"}
		}
		if len(e.TxReference) > MaxTxReferenceLen {
			return nil, &ValidationError{Field: "tx_reference", Index: i + 1, Msg: "tx_reference exceeds 128 bytes"}
		}
		payload, err := encodePayload(e.Payload)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Index = i + 1
			}
			return nil, err
		}
		out = append(out, &ChainEntry{
			EntryIndex:  i + 1,
			TxReference: e.TxReference,
			Payload:     payload,
			EntryHash:   sha256Hex(payload),
		})
	}
	return out, nil
}

// Assemble builds the block at index on top of prevHash from entries, sealed
// at ts. It is pure: identical inputs always yield identical output.
func Assemble(index int64, prevHash string, entries []Entry, ts time.Time) (*Block, []*ChainEntry, error) {
	prepared, err := PrepareEntries(entries)
	if err != nil {
		return nil, nil, err
	}
	block, err := sealBlock(index, prevHash, prepared, ts)
	if err != nil {
		return nil, nil, err
	}
	return block, prepared, nil
}

// sealBlock computes the merkle root and header hash over already prepared
// entries and stamps them with the block index and timestamp.
func sealBlock(index int64, prevHash string, entries []*ChainEntry, ts time.Time) (*Block, error) {
	if index < 0 {
		return nil, &ValidationError{Field: "block_index", Msg: "block index must be non-negative"}
	}
	if err := mustDigest("prev_block_hash", prevHash); err != nil {
		return nil, &ValidationError{Field: "prev_block_hash", Msg: err.Error()}
	}
	if index == 0 && prevHash != GenesisHash {
		return nil, &ValidationError{Field: "prev_block_hash", Msg: "genesis block must link to GenesisHash"}
	}

	createdAt := ts.UTC().Truncate(time.Second)
	hashes := make([]string, len(entries))
	for i, e := range entries {
		e.BlockIndex = index
		e.CreatedAt = createdAt
		hashes[i] = e.EntryHash
	}

	b := &Block{
		Index:        index,
		PrevHash:     prevHash,
		MerkleRoot:   MerkleRoot(hashes),
		EntriesCount: len(entries),
		CreatedAt:    createdAt,
	}
	h, err := HeaderHash(b)
	if err != nil {
		return nil, err
	}
	b.Hash = h
	return b, nil
}

// MerkleRoot is the SHA-256 of the concatenated hex entry hashes, in entry
// order. It is a single rolling hash rather than a binary tree; see
// MerkleTreeRoot for per-entry inclusion proofs.
func MerkleRoot(entryHashes []string) string {
	if len(entryHashes) == 0 {
		return EmptyRoot
	}
	return sha256Hex([]byte(strings.Join(entryHashes, "")))
}

// HeaderHash recomputes a block's hash from its header fields.
func HeaderHash(b *Block) (string, error) {
	header, err := canonical.Marshal(map[string]any{
		"block_index":     b.Index,
		"prev_block_hash": b.PrevHash,
		"merkle_root":     b.MerkleRoot,
		"entries_count":   b.EntriesCount,
		"timestamp":       b.CreatedAt.Unix(),
	})
	if err != nil {
		return "", &ValidationError{Field: "block", Msg: "header is not canonically encodable", Err: err}
	}
	return sha256Hex(header), nil
}
