// Package keyhash derives the bit-field windows every other component of
// docidx depends on: a single 64-bit hash per key, split into a bucket
// index, an 8-bit fingerprint tag, and a preferred slot. All functions here
// are pure and allocation-free so they can sit directly on the read and
// write hot paths.
package keyhash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key is the 128-bit opaque document identifier the index maps from.
type Key [16]byte

// Bytes returns k as a byte slice view suitable for hashing.
func (k Key) Bytes() []byte { return k[:] }

// Layout describes how a 64-bit hash is split into bucket/tag/slot windows.
// BucketBits (b) selects low bits for the bucket index, TagBits is always
// fixed at 8, and SlotBits (s) selects the preferred-slot window directly
// above the tag. The windows must not overlap and must fit in 64 bits.
type Layout struct {
	BucketBits uint
	SlotBits   uint
}

const tagBits = 8

// Validate checks the b+8+s <= 64 invariant from spec §4.1. It is the one
// debug-time assertion the hashing layer performs; callers are expected to
// validate a Layout once at construction, not on every hash.
func (l Layout) Validate() error {
	if l.BucketBits+tagBits+l.SlotBits > 64 {
		return fmt.Errorf("keyhash: layout overflows 64 bits: b=%d tag=%d s=%d sums to %d",
			l.BucketBits, tagBits, l.SlotBits, l.BucketBits+tagBits+l.SlotBits)
	}
	return nil
}

// NumBuckets returns 2^BucketBits.
func (l Layout) NumBuckets() uint64 { return uint64(1) << l.BucketBits }

// Hash64 computes the single 64-bit hash used everywhere for k. The same
// function must be used for the lifetime of every structure built from it;
// changing it invalidates the delta, the Bloom filter, and any MPH
// snapshot built over the old hash.
func Hash64(k Key) uint64 {
	return xxhash.Sum64(k.Bytes())
}

// Split is the result of deriving bucket/tag/slot from one hash. Computing
// it once per operation and threading h through every tier (Bloom, delta,
// fp16 verification) avoids rehashing, per spec §4.5.2.
type Split struct {
	Bucket uint64
	Tag    uint8
	Slot   uint64
}

// SplitHash derives bucket index, fingerprint tag, and preferred slot from
// a precomputed hash h, given layout l and bucketSlots S (must be a power
// of two, S <= 64).
func SplitHash(h uint64, l Layout, bucketSlots uint64) Split {
	bucketMask := l.NumBuckets() - 1
	bucket := h & bucketMask

	tag := uint8((h >> l.BucketBits) & 0xff)

	slotShift := l.BucketBits + tagBits
	slotMask := bucketSlots - 1
	slot := (h >> slotShift) & slotMask

	return Split{Bucket: bucket, Tag: tag, Slot: slot}
}

// SplitKey is a convenience wrapper combining Hash64 and SplitHash.
func SplitKey(k Key, l Layout, bucketSlots uint64) (uint64, Split) {
	h := Hash64(k)
	return h, SplitHash(h, l, bucketSlots)
}

// Fingerprint16 derives a 16-bit digest of h used to verify MPH base-tier
// hits: since an MPH maps unknown keys to arbitrary indices, a stored
// fp16 mismatch at the evaluated index means "not present in the base".
func Fingerprint16(h uint64) uint16 {
	return uint16(h >> 48)
}
