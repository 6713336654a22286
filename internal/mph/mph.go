// Package mph implements the MPH base snapshot tier (spec §3 "MPH
// snapshot", §4.5.5 "Consolidation pipeline"): an immutable,
// minimal-perfect-hash-indexed value array built once per consolidation
// and swapped in atomically. The default Builder is backed by BBHash, but
// Builder is the documented external-collaborator contract from spec §6
// ("An MPH builder: given a finite key set, returns an MPH function with
// eval(&K) -> usize ... and an associated fingerprint function") -- any
// other minimal perfect hash construction can satisfy it.
package mph

import (
	"errors"

	"github.com/opencoff/go-bbhash"

	"github.com/eth2030/docidx/internal/keyhash"
)

// ErrEmptyKeySet is returned by Build when asked to construct a snapshot
// over zero keys; callers should special-case an empty base rather than
// invoking the MPH builder.
var ErrEmptyKeySet = errors.New("mph: cannot build over an empty key set")

// Evaluator maps a key's hash to an index in 0..n for a fixed key set. It
// is the "eval(&K) -> usize" half of spec §6's MPH builder contract.
// Evaluator implementations are only well-defined for hashes of keys in
// the set they were built over; evaluating an unknown key's hash yields
// an arbitrary index, which is why Snapshot always verifies with fp16.
type Evaluator interface {
	Eval(h uint64) int
}

// Builder constructs an Evaluator (plus, implicitly, ownership of the
// 0..n index space) from a finite set of key hashes. version, keys, and
// values are threaded through so Build can return a ready-to-publish
// Snapshot in one call. keys is carried alongside hashes purely so the
// facade's iter_with_keys() can recover the original 128-bit key for a
// base-tier entry; the MPH itself and fp16 verification only ever touch
// hashes.
type Builder[V any] interface {
	Build(version uint64, keys []keyhash.Key, hashes []uint64, values []V) (*Snapshot[V], error)
}

// Snapshot is immutable from construction to garbage collection: a
// monotonically increasing version, the MPH evaluator, the shared value
// array, and an optional fp16 fingerprint array used to reject keys that
// were never in the base (since an MPH maps *unknown* keys to arbitrary
// indices, a fingerprint mismatch at the evaluated index means "not in
// base", per spec §3).
type Snapshot[V any] struct {
	Version uint64
	eval    Evaluator
	values  []V
	fp16    []uint16
	hashes  []uint64
	keys    []keyhash.Key
}

// Len returns n, the number of keys this snapshot was built over.
func (s *Snapshot[V]) Len() int { return len(s.values) }

// Lookup evaluates h against the snapshot and verifies it with fp16 (if
// present). ok is false if h's fingerprint does not match what is stored
// at the evaluated index, meaning the key is not in this base.
func (s *Snapshot[V]) Lookup(h uint64) (value V, ok bool) {
	var zero V
	idx := s.eval.Eval(h)
	if idx < 0 || idx >= len(s.values) {
		return zero, false
	}
	if s.fp16 != nil && s.fp16[idx] != keyhash.Fingerprint16(h) {
		return zero, false
	}
	return s.values[idx], true
}

// Values returns the full backing value array in MPH index order, for
// enumeration during the next consolidation.
func (s *Snapshot[V]) Values() []V { return s.values }

// Hashes returns the key hash for every entry, parallel to Values(): the
// base tier's notion of a key's identity is its 64-bit hash (the same one
// that drove the MPH build and is re-verified via fp16 on lookup), not
// the original 128-bit key, so this -- not the key itself -- is what
// consolidation needs to enumerate the base and union it with the delta.
func (s *Snapshot[V]) Hashes() []uint64 { return s.hashes }

// Keys returns the original 128-bit key for every entry, parallel to
// Values() and Hashes(). The MPH and fp16 verification never need this --
// they operate purely on hashes -- but iter_with_keys() at the facade
// level has to hand back real keys, not just their hashes, so the base
// tier carries this alongside the hash it actually computes against.
func (s *Snapshot[V]) Keys() []keyhash.Key { return s.keys }

// Empty returns a valid zero-key snapshot at version 0, the starting
// point for an index constructed with no initial data (spec §6 "new(cfg,
// initial_snapshot)").
func Empty[V any]() *Snapshot[V] {
	return EmptyAt[V](0)
}

// EmptyAt returns a valid zero-key snapshot at the given version, used by
// consolidation when a cut absorbs every remaining key (an empty result
// set is still a valid base, just an empty one, and still needs its
// version bumped like any other consolidation outcome).
func EmptyAt[V any](version uint64) *Snapshot[V] {
	return &Snapshot[V]{Version: version, eval: noopEvaluator{}}
}

type noopEvaluator struct{}

func (noopEvaluator) Eval(uint64) int { return -1 }

// BBHashBuilder is the default Builder, backed by BBHash (a real minimal
// perfect hash construction). Gamma trades construction time/memory
// against lookup speed, matching the library's own Freeze(gamma) knob;
// the zero value picks BBHash's own recommended default.
type BBHashBuilder[V any] struct {
	Gamma float64
}

func (b BBHashBuilder[V]) gamma() float64 {
	if b.Gamma <= 0 {
		return 2.0
	}
	return b.Gamma
}

// Build constructs a new immutable Snapshot over keys/hashes/values
// (keys[i], hashes[i], and values[i] all describe the same entry i) plus
// their derived fp16 fingerprints. keys may be nil if the caller has no
// need for iter_with_keys() over this snapshot (hashes and values alone
// are sufficient for Lookup).
func (b BBHashBuilder[V]) Build(version uint64, keys []keyhash.Key, hashes []uint64, values []V) (*Snapshot[V], error) {
	if len(hashes) == 0 {
		return nil, ErrEmptyKeySet
	}
	if len(hashes) != len(values) {
		return nil, errors.New("mph: hashes and values must be the same length")
	}
	if keys != nil && len(keys) != len(hashes) {
		return nil, errors.New("mph: keys and hashes must be the same length")
	}

	bb, err := bbhash.New(b.gamma(), hashes)
	if err != nil {
		return nil, err
	}

	n := len(hashes)
	orderedValues := make([]V, n)
	orderedHashes := make([]uint64, n)
	fp16 := make([]uint16, n)
	var orderedKeys []keyhash.Key
	if keys != nil {
		orderedKeys = make([]keyhash.Key, n)
	}
	for i, h := range hashes {
		idx := bbEvalIndex(bb, h)
		orderedValues[idx] = values[i]
		orderedHashes[idx] = h
		fp16[idx] = keyhash.Fingerprint16(h)
		if keys != nil {
			orderedKeys[idx] = keys[i]
		}
	}

	return &Snapshot[V]{
		Version: version,
		eval:    bbhashEvaluator{bb: bb},
		values:  orderedValues,
		fp16:    fp16,
		hashes:  orderedHashes,
		keys:    orderedKeys,
	}, nil
}

type bbhashEvaluator struct {
	bb *bbhash.BBHash
}

func (e bbhashEvaluator) Eval(h uint64) int {
	return bbEvalIndex(e.bb, h)
}

// bbEvalIndex adapts BBHash's 1-based Find() (0 reserved to mean "key not
// recognized" in the upstream library) to this package's 0-based index
// space.
func bbEvalIndex(bb *bbhash.BBHash, h uint64) int {
	v := bb.Find(h)
	if v == 0 {
		return -1
	}
	return int(v) - 1
}
