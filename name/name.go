// Package name implements the canonical DNS name arithmetic shared by the
// proof engines (doe), the key-finding walk (keyfinder), and the trust
// anchor store (anchor): label counting, ancestor tests, canonical
// ordering, and wildcard/closest-encloser arithmetic.
//
// Grounded on nsmithuk/resolver's unexported domain type (domain.go), here
// promoted to a standalone, exported package so it can be depended on by
// every component that needs it rather than re-derived locally.
package name

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Name is a canonical, fully-qualified DNS name with its label boundaries
// precomputed for cheap ancestor/ENT walking.
type Name struct {
	fqdn         string // canonical, trailing-dot form
	labelIndexes []int  // byte offset of each label, leaf-most first
}

// New canonicalises s and precomputes its label indexes.
func New(s string) Name {
	fqdn := dns.CanonicalName(s)
	idx := dns.Split(fqdn)
	return Name{fqdn: fqdn, labelIndexes: idx}
}

// String returns the canonical, trailing-dot form of the name.
func (n Name) String() string { return n.fqdn }

// Labels returns the number of labels, matching dns.CountLabel semantics
// (the root has zero labels).
func (n Name) Labels() int { return dns.CountLabel(n.fqdn) }

// IsRoot reports whether the name is the DNS root.
func (n Name) IsRoot() bool { return n.fqdn == "." }

// IsAncestorOf reports whether n is equal to, or a proper ancestor
// (enclosing zone) of, other.
func (n Name) IsAncestorOf(other Name) bool {
	return dns.IsSubDomain(n.fqdn, other.fqdn)
}

// Parent returns the immediate parent of n. Calling Parent on the root, or
// on a single-label name (e.g. "com."), returns the root.
func (n Name) Parent() Name {
	if len(n.labelIndexes) <= 1 {
		return New(".")
	}
	return New(n.fqdn[n.labelIndexes[1]:])
}

// Wildcard returns "*.n", the wildcard owner name that would synthesise an
// answer enclosed by n.
func (n Name) Wildcard() Name {
	return New("*." + n.fqdn)
}

// Relativize returns the labels of n that lie above ancestor (no trailing
// dot), for DNAME->CNAME synthesis (spec.md §4.8 item 1:
// "CNAME.owner.relativize(DNAME.owner)"). ok is false unless ancestor is a
// proper ancestor of n.
func (n Name) Relativize(ancestor Name) (prefix string, ok bool) {
	if !ancestor.IsAncestorOf(n) || n.fqdn == ancestor.fqdn {
		return "", false
	}
	prefix = strings.TrimSuffix(n.fqdn, ancestor.fqdn)
	prefix = strings.TrimSuffix(prefix, ".")
	return prefix, true
}

// PrependLabelsFrom builds the name formed by taking the single next label
// of target (counted from target's root end) beyond n's current depth, and
// prepending it to n. It is used by keyfinder to walk one label at a time
// from an anchor down towards a target signer name.
//
// ok is false if n is not already an ancestor of target, or if n already
// equals target.
func (n Name) PrependLabelsFrom(target Name) (next Name, ok bool) {
	if !n.IsAncestorOf(target) || n.fqdn == target.fqdn {
		return Name{}, false
	}

	// SplitDomainName returns target's labels leaf-to-root (e.g.
	// ["www","example","com"] for "www.example.com."); its last `want`
	// elements are target's root-most `want` labels, already in the right
	// order to join directly into dotted notation.
	targetLabels := dns.SplitDomainName(target.fqdn)

	want := n.Labels() + 1
	if want > len(targetLabels) {
		return Name{}, false
	}

	built := strings.Join(targetLabels[len(targetLabels)-want:], ".") + "."
	return New(built), true
}

// CanonicalCompare implements RFC 4034 §6.1 canonical ordering between two
// names: shared labels are compared lexicographically from the rightmost
// (most significant) label inward; names agreeing on all shared labels
// order the shorter name first. Escaped-octet labels (\DDD) are decoded to
// their byte value before comparison.
//
// Grounded on nsmithuk/resolver's canonicalCmp/canonicalDecodeEscaped
// helpers (dnssec/doe_nsec.go).
func CanonicalCompare(a, b Name) int {
	labelsA := dns.SplitDomainName(a.fqdn)
	labelsB := dns.SplitDomainName(b.fqdn)

	min := len(labelsA)
	if len(labelsB) < min {
		min = len(labelsB)
	}

	for i := 1; i <= min; i++ {
		la := decodeEscaped(labelsA[len(labelsA)-i])
		lb := decodeEscaped(labelsB[len(labelsB)-i])
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(labelsA) < len(labelsB):
		return -1
	case len(labelsA) > len(labelsB):
		return 1
	default:
		return 0
	}
}

// Covers reports whether qname falls strictly between owner and next in
// canonical order, including the wrap-around case where next is the zone
// apex (the last NSEC/NSEC3 in a zone "covers" everything after it, back
// around to the apex).
func Covers(owner, next, zoneApex, qname Name) bool {
	afterOwner := CanonicalCompare(owner, qname) < 0
	beforeNext := next.fqdn == zoneApex.fqdn || CanonicalCompare(qname, next) < 0
	return afterOwner && beforeNext
}

func decodeEscaped(label string) string {
	if !strings.Contains(label, `\`) {
		return label
	}
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		if label[i] == '\\' && i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			v, err := strconv.Atoi(label[i+1 : i+4])
			if err == nil {
				b.WriteRune(rune(v))
				i += 3
				continue
			}
		}
		b.WriteByte(label[i])
	}
	return b.String()
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
