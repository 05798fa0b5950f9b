package doe

import (
	"github.com/miekg/dns"

	"github.com/nsmithuk/dnssecval/name"
)

// optOutFlag is the NSEC3 Opt-Out flag bit (RFC 5155 §3.1.2.1).
const optOutFlag = 1

// FindClosestEncloser locates the closest encloser of qname: the longest
// ancestor of qname (within zone) whose hashed name matches an NSEC3 owner
// in the set, skipping any candidate whose type bitmap marks it ineligible
// (DNAME present, or NS present without SOA — RFC 7129 §5.5's anti-forgery
// check). It also returns the "next closer" name: the one-label-longer
// child of the closest encloser that is itself a prefix of qname.
//
// Grounded on nsmithuk/resolver's findClosestEncloser (dnssec/doe/nsec3.go).
func (s *NSEC3Set) FindClosestEncloser(qname name.Name) (closestEncloser, nextCloser name.Name, ok bool) {
	if s.Empty() {
		return name.Name{}, name.Name{}, false
	}

	type candidate struct {
		ce, ncn name.Name
	}
	var best *candidate

	for _, nsec3 := range s.records {
		current := qname
		var child name.Name
		haveChild := false

		for {
			if !s.zone.IsAncestorOf(current) {
				break
			}

			if nsec3.Match(current.String()) {
				if typeBitMapContains(nsec3.TypeBitMap, dns.TypeDNAME) {
					break
				}
				if typeBitMapContains(nsec3.TypeBitMap, dns.TypeNS) && !typeBitMapContains(nsec3.TypeBitMap, dns.TypeSOA) {
					break
				}

				ncn := current
				if haveChild {
					ncn = child
				}

				if best == nil || current.Labels() > best.ce.Labels() {
					best = &candidate{ce: current, ncn: ncn}
				}
				break
			}

			if current.IsRoot() || current.String() == s.zone.String() {
				break
			}
			child = current
			haveChild = true
			current = current.Parent()
		}
	}

	if best == nil {
		return name.Name{}, name.Name{}, false
	}
	return best.ce, best.ncn, true
}

// coveredBy reports whether any record in the set covers (not matches) n,
// and whether any covering record has the opt-out flag set.
func (s *NSEC3Set) coveredBy(n name.Name) (covered, optedOut bool) {
	for _, nsec3 := range s.records {
		if nsec3.Match(n.String()) {
			return false, false
		}
		if nsec3.Cover(n.String()) {
			covered = true
			if nsec3.Flags == optOutFlag {
				optedOut = true
			}
		}
	}
	return covered, optedOut
}

// matchedBy reports whether any record in the set exactly matches n.
func (s *NSEC3Set) matchedBy(n name.Name) bool {
	for _, nsec3 := range s.records {
		if nsec3.Match(n.String()) {
			return true
		}
	}
	return false
}

// TypeBitMapContainsAnyOf reports whether an NSEC3 whose owner hash matches
// n is present (nameSeen), and if so, whether its type bitmap contains any
// of types (typeSeen).
func (s *NSEC3Set) TypeBitMapContainsAnyOf(n name.Name, types []uint16) (nameSeen, typeSeen bool) {
	for _, nsec3 := range s.records {
		if !nsec3.Match(n.String()) {
			continue
		}
		nameSeen = true
		for _, t := range types {
			if typeBitMapContains(nsec3.TypeBitMap, t) {
				return nameSeen, true
			}
		}
	}
	return nameSeen, false
}

// PerformClosestEncloserProof implements RFC 5155 §8.3/§8.4's combined
// closest-encloser proof: find CE and next-closer name, confirm the
// wildcard immediately below CE is covered (not matched), and confirm the
// next-closer name is covered. optedOut reports whether the next-closer
// covering record carries the Opt-Out flag.
func (s *NSEC3Set) PerformClosestEncloserProof(qname name.Name) (optedOut, closestEncloserProof, nextCloserProof, wildcardProof bool) {
	ce, ncn, ok := s.FindClosestEncloser(qname)
	if !ok {
		return
	}
	closestEncloserProof = true
	wildcardProof, _ = s.coveredBy(ce.Wildcard())
	nextCloserProof, optedOut = s.coveredBy(ncn)
	return
}

// ProveNameError implements spec.md §4.5's proveNameError: the closest
// encloser must be matched, and the next-closer name and the CE's wildcard
// must each be proven absent (covered, no direct match).
func (s *NSEC3Set) ProveNameError(qname name.Name) Result {
	if s.Empty() {
		return Indeterminate
	}
	optedOut, ceOK, ncnOK, wcOK := s.PerformClosestEncloserProof(qname)
	if !ceOK || !ncnOK || !wcOK {
		return Bogus
	}
	if optedOut {
		return Insecure
	}
	return Secure
}

// ProveNodata implements spec.md §4.5's proveNodata: either a direct match
// on qname whose bitmap excludes qtype and CNAME, or a wildcard match at
// the closest encloser with qtype/CNAME excluded, or (ENT case) a covering
// record demonstrating qname is an empty non-terminal.
func (s *NSEC3Set) ProveNodata(qname name.Name, qtype uint16) Result {
	if s.Empty() {
		return Indeterminate
	}

	if nameSeen, typeSeen := s.TypeBitMapContainsAnyOf(qname, []uint16{dns.TypeCNAME, qtype}); nameSeen {
		if typeSeen {
			return Bogus
		}
		return Secure
	}

	ce, _, ok := s.FindClosestEncloser(qname)
	if ok {
		wildcard := ce.Wildcard()
		if nameSeen, typeSeen := s.TypeBitMapContainsAnyOf(wildcard, []uint16{dns.TypeCNAME, qtype}); nameSeen {
			if typeSeen {
				return Bogus
			}
			return Secure
		}
	}

	// ENT case: qname itself has no NSEC3, but something between the
	// closest encloser and qname is covered, proving an empty
	// non-terminal rather than a truly absent name.
	if covered, optedOut := s.coveredBy(qname); covered {
		if optedOut {
			return Insecure
		}
		return Secure
	}

	return Indeterminate
}

// ProveWildcard implements spec.md §4.5's proveWildcard: an NSEC3 covers
// the next-closer name of qname relative to the closest encloser that
// generated the wildcard, confirming no more specific name exists.
//
// wildcardAnswerSignatureLabels is the RRSIG Labels field of the
// wildcard-expanded answer; it identifies how many labels belong to the
// generating closest encloser.
func (s *NSEC3Set) ProveWildcard(wildcardAnswerOwner name.Name, wildcardAnswerSignatureLabels uint8) bool {
	if s.Empty() {
		return false
	}

	total := wildcardAnswerOwner.Labels()
	if int(wildcardAnswerSignatureLabels) > total {
		return false
	}

	closestEncloser := ancestorWithLabels(wildcardAnswerOwner, int(wildcardAnswerSignatureLabels))
	nextCloser := ancestorWithLabels(wildcardAnswerOwner, int(wildcardAnswerSignatureLabels)+1)

	wildcardCovered, _ := s.coveredBy(closestEncloser.Wildcard())
	nextCloserCovered, _ := s.coveredBy(nextCloser)

	// We need no proof that the wildcard itself is absent (it plainly
	// isn't, since it generated the answer) and a proof that the original
	// qname (the next-closer name) is absent.
	return !wildcardCovered && nextCloserCovered
}

func ancestorWithLabels(n name.Name, labels int) name.Name {
	current := n
	for current.Labels() > labels && !current.IsRoot() {
		current = current.Parent()
	}
	return current
}

// ProveNoDS implements spec.md §4.5's proveNoDS: either a direct match on
// qname whose bitmap excludes both DS and SOA, or a next-closer proof with
// Opt-Out (which yields Insecure rather than Secure, since an opted-out
// delegation's security status cannot be proven either way).
func (s *NSEC3Set) ProveNoDS(qname name.Name) Result {
	if s.Empty() {
		return Indeterminate
	}

	if nameSeen, typeSeen := s.TypeBitMapContainsAnyOf(qname, []uint16{dns.TypeDS, dns.TypeSOA}); nameSeen {
		if typeSeen {
			return Bogus
		}
		return Secure
	}

	if optedOut, ceOK, ncnOK, _ := s.PerformClosestEncloserProof(qname); ceOK && ncnOK {
		if optedOut {
			return Insecure
		}
		return Bogus
	}

	return Indeterminate
}
