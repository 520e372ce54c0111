// Package ledger implements the fraud-decision audit ledger: an append-only,
// tamper-evident chain of blocks, each sealing a batch of fraud verdicts.
//
// Two integrity layers are maintained. The content layer links every block
// header to its predecessor by SHA-256 (starting from GenesisHash) and commits
// to the block's entries through a merkle root. The keyed layer threads an
// HMAC-SHA256 chain through every entry ever written, ignoring block
// boundaries, so that a party without the secret key cannot rewrite history
// even though content hashes are publicly recomputable.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
//   - SQLiteStore: single-node file-backed deployments and operator tooling.
//
// Verifier replays a persisted range and reports the first discrepancy.
package ledger
