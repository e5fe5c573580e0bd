// Package ids provides the identifier and content-hashing utilities used
// throughout the kernel and sync engine (spec ยง2.c): opaque node IDs,
// content refs, and SHA-256 content hashing. It is a leaf package with no
// dependency on storage or the kernel.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strconv"

	"github.com/google/uuid"
)

// RootNodeID is the well-known, stable ID of the tree root (spec ยง4.e
// "initialize() ensures path=\"/\" exists with nodeId=\"root\"").
const RootNodeID = "root"

// NewNodeID generates a fresh opaque node identifier.
func NewNodeID() string {
	return uuid.NewString()
}

// NewContentRef generates a fresh opaque content-blob reference. Refs are
// independent of content hash: rewriting a file replaces the blob payload
// under the same ref (spec ยง3.1 invariant), so the ref cannot simply be the
// hash of the current bytes.
func NewContentRef() string {
	return "cref_" + uuid.NewString()
}

// NewPacketID generates a fresh opaque sync packet identifier.
func NewPacketID() string {
	return "pkt_" + uuid.NewString()
}

// NewConflictID generates a fresh opaque conflict record identifier.
func NewConflictID() string {
	return "cfl_" + uuid.NewString()
}

// HashBytes returns the lowercase hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256 and returns the lowercase hex
// digest, without buffering the whole payload in memory.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewHasher returns a fresh SHA-256 hash.Hash for incremental (streaming)
// use, e.g. the chunk manager hashing chunks as it splits a payload.
func NewHasher() hash.Hash {
	return sha256.New()
}

// ChunkID derives the stable chunk identifier from a content hash and
// chunk index (spec ยง3.1 "chunkId = contentHash + \"_\" + index").
func ChunkID(contentHash string, index int) string {
	return contentHash + "_" + strconv.Itoa(index)
}
