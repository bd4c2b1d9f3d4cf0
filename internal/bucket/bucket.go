// Package bucket maps user identifiers to stable rollout buckets.
//
// The mapping must be deterministic across processes, restarts and runtimes:
// a user who lands in bucket 42 today lands in bucket 42 forever. SHA-256 is
// used so the distribution is uniform and the mapping is one-way.
package bucket

import (
	"crypto/sha256"
	"encoding/binary"
)

// Buckets is the size of the bucket space. Rollout percentages are compared
// against buckets in [0, Buckets).
const Buckets = 100

// UserID returns the rollout bucket for the given user identifier.
//
// The first 4 bytes of the SHA-256 digest are interpreted as a big-endian
// uint32 and reduced modulo 100, matching the hex-prefix reduction used by
// the evaluation clients. Pure and stateless: no I/O, no side effects.
func UserID(userID string) int {
	sum := sha256.Sum256([]byte(userID))
	return int(binary.BigEndian.Uint32(sum[:4]) % Buckets)
}
