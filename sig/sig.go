// Package sig implements the signature verifier adapter (spec.md C2):
// given an RRset and the DNSKEY RRset for its signer, try every RRSIG
// against every matching DNSKEY and report SECURE on first success, BOGUS
// otherwise.
//
// Grounded on nsmithuk/resolver's dnssec.authenticate (authenticate_rrset.go):
// the RRSIG/DNSKEY matching loop, label-count and validity-period checks,
// and the "one RRSIG per name/type combination" completeness check are all
// carried over; RRSIG clock injection is new (see DESIGN.md, Open Question).
package sig

import (
	"fmt"
	"strings"
	"time"

	"github.com/hako/durafmt"
	"github.com/miekg/dns"

	"github.com/nsmithuk/dnssecval/clock"
	"github.com/nsmithuk/dnssecval/reason"
)

// Verdict is the outcome of verifying one signed RRset.
type Verdict uint8

const (
	Unchecked Verdict = iota
	Secure
	Bogus
)

// Signature carries one RRSIG, the RRset it covers, and the outcome of
// attempting to verify it.
type Signature struct {
	Zone  string
	Name  string
	Type  uint16
	RRSIG *dns.RRSIG
	RRset []dns.RR

	// Wildcard is true when the RRSIG's Labels field is fewer than the
	// owner name's actual label count, meaning this RRset was synthesised
	// from a wildcard.
	Wildcard bool

	MatchedKey *dns.DNSKEY
	Verdict    Verdict
	Reason     *reason.Reason
}

// Verifier verifies signed RRsets against a zone's DNSKEY set.
type Verifier struct {
	Now clock.Clock
}

// New returns a Verifier using the real wall clock.
func New() *Verifier {
	return &Verifier{Now: clock.Real()}
}

// Verify authenticates every RRSIG found in rrs against dnskeys, returning
// one Signature per RRSIG (an RRSIG whose covered records are not present
// in rrs fails verification and still counts toward the completeness
// check). skipNSCompleteness controls whether NS records are exempt from the
// "every RRset must have a covering RRSIG" completeness check (they are,
// in the authority section, since delegations are unsigned).
func (v *Verifier) Verify(zone string, rrs []dns.RR, dnskeys []*dns.DNSKEY, skipNSCompleteness bool) ([]*Signature, error) {
	zone = dns.CanonicalName(zone)

	rrsigs := extractRRSIGs(rrs)
	out := make([]*Signature, len(rrsigs))

	for i, rrsig := range rrsigs {
		s := &Signature{
			Zone:  zone,
			Name:  rrsig.Header().Name,
			Type:  rrsig.TypeCovered,
			RRSIG: rrsig,
			RRset: recordsOfNameAndType(rrs, rrsig.Header().Name, rrsig.TypeCovered),
		}
		out[i] = s

		if dns.CanonicalName(rrsig.SignerName) != zone {
			s.Verdict = Bogus
			s.Reason = reason.New(reason.SignerNameMismatch, rrsig.SignerName, zone)
			continue
		}

		if dns.CountLabel(rrsig.Header().Name) < int(rrsig.Labels) {
			s.Verdict = Bogus
			s.Reason = reason.New(reason.InvalidLabelCount, rrsig.Header().Name, rrsig.Labels)
			continue
		}
		if dns.CountLabel(rrsig.Header().Name) > int(rrsig.Labels) {
			s.Wildcard = true
		}

		if !rrsig.ValidityPeriod(v.now()) {
			s.Verdict = Bogus
			s.Reason = reason.New(reason.InvalidValidityPeriod, dns.TimeToString(rrsig.Inception), dns.TimeToString(rrsig.Expiration), validityOffset(v.now(), rrsig))
			continue
		}

		verified := false
		var lastErr error
		for _, key := range dnskeys {
			if key.Algorithm != rrsig.Algorithm || key.KeyTag() != rrsig.KeyTag {
				continue
			}
			if dns.CanonicalName(key.Header().Name) != dns.CanonicalName(rrsig.SignerName) {
				continue
			}

			// RFC 4035 §5.3.1: more than one DNSKEY can match on algorithm
			// and key tag; try each until one verifies or we run out.
			if err := rrsig.Verify(key, s.RRset); err != nil {
				lastErr = err
				continue
			}

			s.MatchedKey = key
			s.Verdict = Secure
			verified = true
			break
		}

		if !verified {
			s.Verdict = Bogus
			if lastErr != nil {
				s.Reason = reason.New(reason.InvalidSignature, lastErr)
			} else {
				s.Reason = reason.New(reason.KeySigningKeyNotFound, rrsig.Header().Name)
			}
		}
	}

	// RFC 4035 §2.2: there must be one RRSIG per (name, type) RRset.
	type combo struct {
		name  string
		rtype uint16
	}
	combos := make(map[combo]bool, len(out))
	for _, rr := range rrs {
		t := rr.Header().Rrtype
		if t == dns.TypeRRSIG {
			continue
		}
		if skipNSCompleteness && t == dns.TypeNS {
			continue
		}
		combos[combo{rr.Header().Name, t}] = true
	}
	if len(combos) != len(out) {
		return out, fmt.Errorf("%w", reason.New(reason.UnexpectedSignatureCount, len(out), len(combos)))
	}

	return out, nil
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now()
	}
	return v.Now()
}

// Signatures is a convenience slice type matching every Signature produced
// by one Verify call.
type Signatures []*Signature

// AllSecure reports whether every signature verified successfully. An
// empty set is never considered secure.
func (ss Signatures) AllSecure() bool {
	if len(ss) == 0 {
		return false
	}
	for _, s := range ss {
		if s.Verdict != Secure {
			return false
		}
	}
	return true
}

// FirstFailure returns the reason for the first non-Secure signature, or
// nil if every signature verified.
func (ss Signatures) FirstFailure() *reason.Reason {
	for _, s := range ss {
		if s.Verdict != Secure {
			return s.Reason
		}
	}
	return nil
}

// FilterType returns the subset of signatures covering rtype.
func (ss Signatures) FilterType(rtype uint16) Signatures {
	out := make(Signatures, 0, len(ss))
	for _, s := range ss {
		if s.Type == rtype {
			out = append(out, s)
		}
	}
	return out
}

// DSRecords extracts every DS record present across the signature set's
// RRsets (used when a DS RRset appears in the answer or authority section).
func (ss Signatures) DSRecords() []*dns.DS {
	out := make([]*dns.DS, 0)
	for _, s := range ss {
		for _, rr := range s.RRset {
			if ds, ok := rr.(*dns.DS); ok {
				out = append(out, ds)
			}
		}
	}
	return out
}

func extractRRSIGs(rrs []dns.RR) []*dns.RRSIG {
	out := make([]*dns.RRSIG, 0, len(rrs))
	for _, rr := range rrs {
		if sig, ok := rr.(*dns.RRSIG); ok {
			out = append(out, sig)
		}
	}
	return out
}

func recordsOfNameAndType(rrs []dns.RR, name string, rtype uint16) []dns.RR {
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if rr.Header().Rrtype == rtype && rr.Header().Name == name {
			out = append(out, rr)
		}
	}
	return out
}

// VerifyDNSKEYSet verifies a zone's DNSKEY RRset is validly signed by at
// least one key that itself matches a DS record supplied by the parent,
// the cross-check spec.md C8's processDNSKEYResponse requires.
//
// Grounded on nsmithuk/resolver's verifyDNSKEYs (dnssec/verify_dnskey.go).
func (v *Verifier) VerifyDNSKEYSet(zone string, dnskeyRRs []dns.RR, parentDS []*dns.DS) (keySigningKeys []*dns.DNSKEY, sigs []*Signature, err error) {
	zoneKeys := make([]*dns.DNSKEY, 0, len(dnskeyRRs))
	for _, rr := range dnskeyRRs {
		if k, ok := rr.(*dns.DNSKEY); ok {
			zoneKeys = append(zoneKeys, k)
		}
	}
	if len(zoneKeys) == 0 {
		return nil, nil, fmt.Errorf("%w", reason.New(reason.KeysNotFound, zone))
	}

	ksks := make([]*dns.DNSKEY, 0, len(parentDS))
	for _, ds := range parentDS {
		for _, k := range zoneKeys {
			if ds.Algorithm == k.Algorithm && ds.KeyTag == k.KeyTag() &&
				strings.EqualFold(ds.Digest, k.ToDS(ds.DigestType).Digest) {
				ksks = append(ksks, k)
				break
			}
		}
	}
	if len(ksks) == 0 {
		return nil, nil, fmt.Errorf("%w", reason.New(reason.KeySigningKeyNotFound, zone))
	}

	sigs, verr := v.Verify(zone, dnskeyRRs, ksks, false)
	if verr != nil {
		return ksks, sigs, verr
	}
	if !Signatures(sigs).AllSecure() {
		return ksks, sigs, fmt.Errorf("%w", Signatures(sigs).FirstFailure())
	}
	return ksks, sigs, nil
}

// validityOffset renders how far now sits outside rrsig's validity window,
// for the InvalidValidityPeriod reason message: "<duration> until valid"
// before inception, "<duration> expired" after expiration.
func validityOffset(now time.Time, rrsig *dns.RRSIG) string {
	inception := time.Unix(int64(rrsig.Inception), 0)
	expiration := time.Unix(int64(rrsig.Expiration), 0)

	switch {
	case now.Before(inception):
		return durafmt.Parse(inception.Sub(now)).String() + " until valid"
	case now.After(expiration):
		return durafmt.Parse(now.Sub(expiration)).String() + " expired"
	default:
		return "0s"
	}
}
