package ledger

import (
	"encoding/json"
	"time"
)

// Payload is the notarized content of one fraud decision: verdict, scores,
// risk updates. Values must be canonically encodable (see package canonical).
type Payload map[string]any

// Entry is one fraud-decision fact submitted for chaining.
type Entry struct {
	TxReference string  `json:"tx_reference"`
	Payload     Payload `json:"payload"`
}

// Block is a sealed batch boundary in the chain.
type Block struct {
	Index        int64     `json:"block_index"`
	PrevHash     string    `json:"prev_block_hash"`
	Hash         string    `json:"block_hash"`
	MerkleRoot   string    `json:"merkle_root"`
	EntriesCount int       `json:"entries_count"`
	CreatedAt    time.Time `json:"created_at"` // also the hashed header timestamp
}

// ChainEntry is a persisted Entry.
type ChainEntry struct {
	BlockIndex  int64           `json:"block_index"`
	EntryIndex  int             `json:"entry_index"` // 1-based within the block
	TxReference string          `json:"tx_reference"`
	Payload     json.RawMessage `json:"entry_payload"` // canonical bytes, stored verbatim
	EntryHash   string          `json:"entry_hash"`
	HMACChain   string          `json:"hmac_chain"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Receipt is returned to the caller of AppendEntries.
type Receipt struct {
	BlockIndex   int64  `json:"block_index"`
	BlockHash    string `json:"block_hash"`
	MerkleRoot   string `json:"merkle_root"`
	EntriesCount int    `json:"entries_count"`
}

// BlockWithEntries is a block together with its persisted entries.
type BlockWithEntries struct {
	*Block
	Entries []*ChainEntry `json:"entries"`
}
