package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmerrifield20/fraudledger/internal/canonical"
)

// GenesisHash is the sentinel used as prev_block_hash of block 0 and as the
// prior HMAC of the first entry ever written.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashAlgorithm names the digest used for entry hashes, merkle roots and
// block hashes.
const HashAlgorithm = "sha256"

// EmptyRoot is the merkle root of a block without entries.
var EmptyRoot = sha256Hex(nil)

// sha256Hex returns the hex-encoded SHA-256 digest of data.
func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashEntry returns the content hash of a payload.
func HashEntry(p Payload) (string, error) {
	b, err := encodePayload(p)
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}

func encodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, &ValidationError{Field: "payload", Msg: "payload is required"}
	}
	b, err := canonical.Marshal(map[string]any(p))
	if err != nil {
		return nil, &ValidationError{Field: "payload", Msg: "payload is not canonically encodable", Err: err}
	}
	return b, nil
}

// isDigest reports whether s is a lowercase hex SHA-256 digest.
func isDigest(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func mustDigest(field, s string) error {
	if !isDigest(s) {
		return fmt.Errorf("%s %q is not a lowercase hex %s digest", field, s, HashAlgorithm)
	}
	return nil
}
