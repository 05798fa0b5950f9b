// Package doe implements the two denial-of-existence proof engines
// (spec.md C3 NSEC, C4 NSEC3): closest-encloser arithmetic, wildcard and
// no-wildcard proofs, NODATA/name-error proofs, and NSEC3's
// algorithm/iteration hygiene and opt-out handling.
//
// Grounded on nsmithuk/resolver's dnssec/doe package (doe.go, nsec.go,
// nsec3.go, functions.go).
package doe

import (
	"github.com/miekg/dns"

	"github.com/nsmithuk/dnssecval/name"
)

// Result is the outcome of a denial-of-existence proof attempt.
type Result uint8

const (
	Indeterminate Result = iota
	Secure
	Insecure
	Bogus
)

// NSECSet is the set of NSEC records found in one response's authority
// section, scoped to the zone that is expected to have signed them.
type NSECSet struct {
	zone    name.Name
	records []*dns.NSEC
}

// NewNSECSet builds an NSECSet from the raw NSEC records found in a
// response's authority section.
func NewNSECSet(zone name.Name, records []*dns.NSEC) *NSECSet {
	return &NSECSet{zone: zone, records: records}
}

func (s *NSECSet) Empty() bool { return s == nil || len(s.records) == 0 }

// IterationPolicy caps the NSEC3 iteration count an implementation will
// accept, scaled to the weakest known key size in use, per spec.md §4.5.
//
// Grounded directly on spec.md's table; the teacher's retrieved snapshot
// has no equivalent (it silently accepts any iteration count).
type IterationPolicy struct {
	Cap1024 uint16
	Cap2048 uint16
	Cap4096 uint16
}

// DefaultIterationPolicy returns spec.md's default caps: 150/500/2500
// iterations for 1024/2048/4096-bit keys respectively.
func DefaultIterationPolicy() IterationPolicy {
	return IterationPolicy{Cap1024: 150, Cap2048: 500, Cap4096: 2500}
}

// CapForKeySize returns the maximum acceptable NSEC3 iteration count for a
// key of the given size in bits.
func (p IterationPolicy) CapForKeySize(bits int) uint16 {
	switch {
	case bits <= 1024:
		return p.Cap1024
	case bits <= 2048:
		return p.Cap2048
	default:
		return p.Cap4096
	}
}

// UnsupportedHashAlgorithm reports whether r uses an NSEC3 hash algorithm
// this engine does not implement. SHA-1 (value 1) is the only algorithm
// defined by RFC 5155.
func UnsupportedHashAlgorithm(r *dns.NSEC3) bool {
	return r.Hash != dns.SHA1
}

// StripUnknownAlg removes NSEC3 records using an unsupported hash
// algorithm. Per spec.md §4.5, if this empties the set, callers must treat
// the proof as unobtainable (the set is "ignorable", see AllIgnorable),
// not simply proceed with whatever remains.
func StripUnknownAlg(records []*dns.NSEC3) []*dns.NSEC3 {
	out := make([]*dns.NSEC3, 0, len(records))
	for _, r := range records {
		if !UnsupportedHashAlgorithm(r) {
			out = append(out, r)
		}
	}
	return out
}

// AllIgnorable reports whether every record in the set must be ignored:
// either it uses an unsupported hash algorithm, or its iteration count
// exceeds maxIterations (the cap appropriate to the weakest key currently
// in use for the zone, from IterationPolicy.CapForKeySize). An empty set is
// trivially all-ignorable.
func AllIgnorable(records []*dns.NSEC3, maxIterations uint16) bool {
	for _, r := range records {
		if !UnsupportedHashAlgorithm(r) && r.Iterations <= maxIterations {
			return false
		}
	}
	return true
}

// NSEC3Set is the set of NSEC3 records found in one response's authority
// section, after unknown-algorithm hygiene, scoped to the signing zone.
type NSEC3Set struct {
	zone    name.Name
	records []*dns.NSEC3
}

// NewNSEC3Set builds an NSEC3Set, first stripping any record with an
// unsupported hash algorithm per StripUnknownAlg. Callers that need to
// distinguish "no usable records because unsupported algorithm" from "no
// usable records because the response had none at all" should call
// AllIgnorable on the raw records before constructing the set.
func NewNSEC3Set(zone name.Name, records []*dns.NSEC3) *NSEC3Set {
	return &NSEC3Set{zone: zone, records: StripUnknownAlg(records)}
}

func (s *NSEC3Set) Empty() bool { return s == nil || len(s.records) == 0 }

// ExtractNSEC extracts NSEC records from a generic RR slice.
func ExtractNSEC(rrs []dns.RR) []*dns.NSEC {
	out := make([]*dns.NSEC, 0, len(rrs))
	for _, rr := range rrs {
		if n, ok := rr.(*dns.NSEC); ok {
			out = append(out, n)
		}
	}
	return out
}

// ExtractNSEC3 extracts NSEC3 records from a generic RR slice.
func ExtractNSEC3(rrs []dns.RR) []*dns.NSEC3 {
	out := make([]*dns.NSEC3, 0, len(rrs))
	for _, rr := range rrs {
		if n, ok := rr.(*dns.NSEC3); ok {
			out = append(out, n)
		}
	}
	return out
}

func typeBitMapContains(bitmap []uint16, t uint16) bool {
	for _, b := range bitmap {
		if b == t {
			return true
		}
	}
	return false
}
