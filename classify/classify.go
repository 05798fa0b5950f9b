// Package classify implements the response classifier (spec.md C7): a
// decision table over rcode, answer presence and authority contents that
// maps one response to the category its per-class validator (package
// validate) expects.
//
// Grounded on nsmithuk/resolver's dnssec/verify.go (the soaFoundInAuthority
// / answer-count / NS-presence branching) and dnssec/authenticate_msg.go's
// validateNegativeResponse, which together implicitly encode this decision
// table across two files; this package makes it a single, named, directly
// testable function, extended with the ANY/CNAME_NODATA/CNAME_NAMEERROR/
// REFERRAL/UNKNOWN cases spec.md §3/§4.6 add and the teacher's retrieved
// snapshot doesn't yet distinguish.
package classify

import "github.com/miekg/dns"

// Classification is spec.md §3's ResponseClassification enum.
type Classification uint8

const (
	Unknown Classification = iota
	Positive
	Any
	CNAME
	CNAMENodata
	CNAMENameError
	Nodata
	NameError
	Referral
)

func (c Classification) String() string {
	switch c {
	case Positive:
		return "POSITIVE"
	case Any:
		return "ANY"
	case CNAME:
		return "CNAME"
	case CNAMENodata:
		return "CNAME_NODATA"
	case CNAMENameError:
		return "CNAME_NAMEERROR"
	case Nodata:
		return "NODATA"
	case NameError:
		return "NAMEERROR"
	case Referral:
		return "REFERRAL"
	default:
		return "UNKNOWN"
	}
}

// Classify maps resp to one of spec.md §4.6's classifications, given the
// question's qname/qtype. Tie-breaks follow RFC 4035 §5: a referral (NS in
// authority with no SOA, no answer) is distinguished from a true NODATA,
// and a CNAME chain ending in NODATA or NXDOMAIN is reported distinctly
// from the non-CNAME equivalent so validate can run the two-stage
// CNAME-then-tail validator spec.md §4.8 describes.
func Classify(qname string, qtype uint16, resp *dns.Msg) Classification {
	if resp == nil || len(resp.Question) == 0 {
		return Unknown
	}

	ans := resp.Answer
	ns := resp.Ns

	// ANY queries are classified on answer presence alone, regardless of
	// CNAME chaining, per spec.md §4.6.
	if qtype == dns.TypeANY && len(ans) > 0 {
		return Any
	}

	cnameSeen := hasType(ans, dns.TypeCNAME) && qtype != dns.TypeCNAME
	finalOwner := finalCNAMEOwner(ans, qname)
	answeredAtFinal := hasOwnerAndType(ans, finalOwner, qtype)

	switch {
	case resp.Rcode == dns.RcodeNameError:
		if cnameSeen {
			return CNAMENameError
		}
		return NameError

	case len(ans) == 0:
		if hasType(ns, dns.TypeNS) && !hasType(ns, dns.TypeSOA) {
			return Referral
		}
		return Nodata

	case cnameSeen && !answeredAtFinal:
		return CNAMENodata

	case cnameSeen:
		return CNAME

	default:
		return Positive
	}
}

func hasType(rrs []dns.RR, t uint16) bool {
	for _, rr := range rrs {
		if rr.Header().Rrtype == t {
			return true
		}
	}
	return false
}

func hasOwnerAndType(rrs []dns.RR, owner string, t uint16) bool {
	owner = dns.CanonicalName(owner)
	for _, rr := range rrs {
		if rr.Header().Rrtype == t && dns.CanonicalName(rr.Header().Name) == owner {
			return true
		}
	}
	return false
}

// finalCNAMEOwner follows the CNAME chain in ans starting at qname and
// returns the owner name of the last link, i.e. the name a terminal
// non-CNAME answer (or NODATA/NXDOMAIN) would be found under.
func finalCNAMEOwner(ans []dns.RR, qname string) string {
	current := dns.CanonicalName(qname)
	for {
		next, ok := cnameTarget(ans, current)
		if !ok {
			return current
		}
		current = next
	}
}

func cnameTarget(ans []dns.RR, owner string) (string, bool) {
	owner = dns.CanonicalName(owner)
	for _, rr := range ans {
		if c, ok := rr.(*dns.CNAME); ok && dns.CanonicalName(c.Header().Name) == owner {
			return dns.CanonicalName(c.Target), true
		}
	}
	return "", false
}
