package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// AggregateEntry is one accepted signature feeding the aggregate
// commitment.
type AggregateEntry struct {
	SignerID      string
	SignatureHash string
}

// AggregateSignatures builds a Merkle root over the signatures sorted by
// signer id, duplicating an odd trailing node. The result is one
// fixed-size commitment per approved operation regardless of signer
// count, invariant under input permutation.
func AggregateSignatures(entries []AggregateEntry) string {
	if len(entries) == 0 {
		return ""
	}

	sorted := append([]AggregateEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SignerID < sorted[j].SignerID
	})

	level := make([][]byte, 0, len(sorted))
	for _, entry := range sorted {
		leaf := sha256.Sum256([]byte(entry.SignerID + "|" + entry.SignatureHash))
		level = append(level, leaf[:])
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			parent := sha256.Sum256(append(append([]byte{}, level[i]...), level[i+1]...))
			next = append(next, parent[:])
		}
		level = next
	}

	return hex.EncodeToString(level[0])
}
