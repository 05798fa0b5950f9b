package doe

import (
	"github.com/miekg/dns"

	"github.com/nsmithuk/dnssecval/name"
)

// ProvesNameError reports whether this NSEC set proves qname does not
// exist: an NSEC must cover qname, and another (or the same) NSEC must
// cover the wildcard at qname's closest encloser, ruling out a wildcard
// expansion too.
//
// Grounded on nsmithuk/resolver's PerformQNameDoesNotExistProof
// (dnssec/doe/nsec.go).
func (s *NSECSet) ProvesNameError(qname name.Name) bool {
	if s.Empty() {
		return false
	}
	return s.coversName(qname) && s.coversWildcard(qname)
}

// ProvesNoWildcard reports whether an NSEC in the set covers qname while the
// wildcard at qname's closest encloser is not covered. Used for the
// expanded-wildcard proof: the caller already has a verified
// wildcard-expanded answer, so the wildcard exists, and the covering NSEC
// shows that no closer, more specific name matches qname.
//
// Grounded on nsmithuk/resolver's PerformExpandedWildcardProof.
func (s *NSECSet) ProvesNoWildcard(qname name.Name) bool {
	if s.Empty() {
		return false
	}
	return s.coversName(qname) && !s.coversWildcard(qname)
}

// ProvesNodata reports whether an NSEC matching qname exists whose type
// bitmap excludes qtype (and excludes CNAME, since a CNAME redirect should
// have been chased rather than answered NODATA), or, failing that, whether
// qname is proven to be an empty non-terminal: an NSEC covers qname and its
// owner is the closest encloser (a proper ancestor of qname), which can only
// happen if some longer descendant of owner exists in the zone, meaning
// qname itself is a node with no data of its own rather than an absent name.
//
// Grounded on nsmithuk/resolver's PerformQNameDoesNotExistProof for the
// covering half; the ENT test mirrors NSEC3Set.ProveNodata's own ENT branch
// (doe/nsec3.go), per spec.md §4.4's "qname would be an ENT" clause.
func (s *NSECSet) ProvesNodata(qname name.Name, qtype uint16) bool {
	if nameSeen, typeSeen := s.TypeBitMapContainsAnyOf(qname, []uint16{dns.TypeCNAME, qtype}); nameSeen {
		return !typeSeen
	}
	return s.provesEmptyNonTerminal(qname)
}

// provesEmptyNonTerminal reports whether an NSEC in the set covers qname
// while being owned by a proper ancestor of qname, proving qname is an
// empty non-terminal rather than a name that could still hold qtype data.
func (s *NSECSet) provesEmptyNonTerminal(qname name.Name) bool {
	for _, nsec := range s.records {
		owner := name.New(nsec.Header().Name)
		next := name.New(nsec.NextDomain)
		if !name.Covers(owner, next, s.zone, qname) {
			continue
		}
		if owner.IsAncestorOf(qname) && owner.String() != qname.String() {
			return true
		}
	}
	return false
}

// ClosestEncloser returns the longest ancestor of qname that is proven (by
// this NSEC set) to exist: walking up from qname, the first name within zone
// that owns an NSEC in the set. Returns ok=false if no such name exists
// within zone.
//
// Grounded on nsmithuk/resolver's verifyQNameCovered/verifyWildcardCovered
// pairing, generalised into an explicit closest-encloser search matching
// spec.md §4.4's "Closest encloser" operation.
func (s *NSECSet) ClosestEncloser(qname name.Name) (ce name.Name, ok bool) {
	if s.Empty() {
		return name.Name{}, false
	}

	current := qname
	for {
		if !s.zone.IsAncestorOf(current) {
			return name.Name{}, false
		}
		if s.matchesOwner(current) {
			return current, true
		}
		if current.IsRoot() || current.String() == s.zone.String() {
			break
		}
		current = current.Parent()
	}
	return name.Name{}, false
}

func (s *NSECSet) matchesOwner(n name.Name) bool {
	for _, nsec := range s.records {
		if name.New(nsec.Header().Name).String() == n.String() {
			return true
		}
	}
	return false
}

// coversName reports whether any NSEC in the set covers qname.
func (s *NSECSet) coversName(qname name.Name) bool {
	for _, nsec := range s.records {
		owner := name.New(nsec.Header().Name)
		next := name.New(nsec.NextDomain)
		if name.Covers(owner, next, s.zone, qname) {
			return true
		}
	}
	return false
}

// coversWildcard reports whether any NSEC in the set covers the wildcard at
// qname's closest encloser. The closest encloser is taken from an NSEC that
// covers qname: the longest ancestor qname shares with that NSEC's owner or
// next name.
func (s *NSECSet) coversWildcard(qname name.Name) bool {
	for _, nsec := range s.records {
		owner := name.New(nsec.Header().Name)
		next := name.New(nsec.NextDomain)
		if !name.Covers(owner, next, s.zone, qname) {
			continue
		}
		common := dns.CompareDomainName(qname.String(), owner.String())
		if n := dns.CompareDomainName(qname.String(), next.String()); n > common {
			common = n
		}
		if s.coversName(ancestorWithLabels(qname, common).Wildcard()) {
			return true
		}
	}
	return false
}

// TypeBitMapContainsAnyOf reports whether an NSEC owned by n is present
// (nameSeen), and if so, whether its type bitmap contains any of types
// (typeSeen).
func (s *NSECSet) TypeBitMapContainsAnyOf(n name.Name, types []uint16) (nameSeen, typeSeen bool) {
	for _, nsec := range s.records {
		if name.New(nsec.Header().Name).String() != n.String() {
			continue
		}
		nameSeen = true
		for _, t := range types {
			if typeBitMapContains(nsec.TypeBitMap, t) {
				return nameSeen, true
			}
		}
	}
	return nameSeen, false
}
