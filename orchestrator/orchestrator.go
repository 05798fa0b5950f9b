// Package orchestrator implements the validation entry point (spec.md
// C10): forward a query upstream with CD=1 and DO=1, classify the
// response, obtain keys and run the matching per-class validator, then
// finalise the AD bit / SERVFAIL rcode / bogus-reason TXT record.
//
// Grounded on nsmithuk/resolver's resolver_exchange.go (finaliseResponse's
// AD-bit-on-secure / section-trimming flow) and auth.go's authenticator
// result() error folding. SERVFAIL synthesis on BOGUS and the reason-TXT
// attachment under QCLASS 65280 are new, grounded on spec.md §4.9/§6
// directly (the teacher's resolver-level code never needs these, since it
// hands the AuthenticationResult to an HTTP/DoH front end outside the
// retrieved tree, rather than finalising a standalone DNS message itself).
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/nsmithuk/dnssecval/anchor"
	"github.com/nsmithuk/dnssecval/classify"
	"github.com/nsmithuk/dnssecval/clock"
	"github.com/nsmithuk/dnssecval/doe"
	"github.com/nsmithuk/dnssecval/keycache"
	"github.com/nsmithuk/dnssecval/keyfinder"
	"github.com/nsmithuk/dnssecval/reason"
	"github.com/nsmithuk/dnssecval/sig"
	"github.com/nsmithuk/dnssecval/validate"
)

// ReasonTXTClass is the reserved QCLASS spec.md §4.9/§6 attaches the
// bogus-reason TXT record under, kept out of normal IN-class processing.
const ReasonTXTClass = 65280

// chunkSize is the maximum octets per TXT string (RFC 1035 §3.3.14).
const chunkSize = 255

// Upstream sends a full query (the main QUESTION, with CD=1 and DO=1
// already set by the caller) and returns the response, a timeout, or an
// I/O error. It is the external collaborator spec.md §1 keeps out of
// scope.
type Upstream interface {
	Send(ctx context.Context, qmsg *dns.Msg) (*dns.Msg, error)
}

// Orchestrator owns the shared, process-wide collaborators (spec.md §9,
// "no global singletons... the orchestrator owns them") and drives one
// validation per Resolve call.
type Orchestrator struct {
	Anchors  *anchor.Store
	Cache    *keycache.Cache
	Upstream Upstream
	Verifier *sig.Verifier
	NSEC3    doe.IterationPolicy
	MaxDepth int
	Now      clock.Clock
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Resolve implements spec.md §4.9's five-step orchestration flow.
func (o *Orchestrator) Resolve(ctx context.Context, qmsg *dns.Msg) *dns.Msg {
	if len(qmsg.Question) == 0 {
		return servfail(qmsg, nil)
	}

	// Step 1: CD-set queries bypass validation entirely; the caller
	// accepted responsibility for checking.
	if qmsg.CheckingDisabled {
		out := qmsg.Copy()
		out.CheckingDisabled = true
		resp, err := o.Upstream.Send(ctx, out)
		if err != nil {
			return servfail(qmsg, nil)
		}
		resp.AuthenticatedData = false
		return resp
	}

	out := qmsg.Copy()
	out.CheckingDisabled = true
	setDO(out)

	resp, err := o.Upstream.Send(ctx, out)
	if err != nil {
		return servfail(qmsg, nil)
	}

	// Step 2: RRSIG queries with a non-empty NOERROR answer bypass
	// validation (signatures over signatures are undefined, spec.md §4.9).
	q := qmsg.Question[0]
	if q.Qtype == dns.TypeRRSIG && resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0 {
		resp.AuthenticatedData = false
		return resp
	}

	id := uuid.New()

	lookup := func(ctx context.Context, signerName string, qclass uint16) (keycache.KeyEntry, error) {
		return keyfinder.Find(ctx, keyfinder.Config{
			Anchors:  o.Anchors,
			Cache:    o.Cache,
			Upstream: keyfinderUpstream{o.Upstream},
			Verifier: o.Verifier,
			NSEC3:    o.NSEC3,
			MaxDepth: o.MaxDepth,
			Now:      o.Now,
		}, signerName, qclass)
	}

	class := classify.Classify(q.Name, q.Qtype, resp)

	var result validate.Result
	switch class {
	case classify.Positive, classify.Any, classify.CNAME:
		result = validate.Positive(ctx, qmsg, resp, q.Qclass, lookup, o.Verifier)
	case classify.Nodata:
		result = validate.Nodata(ctx, qmsg, resp, q.Qclass, lookup, o.Verifier)
	case classify.NameError:
		result = validate.NameError(ctx, qmsg, resp, q.Qclass, lookup, o.Verifier)
	case classify.CNAMENodata:
		result = validate.CNAMENodata(ctx, qmsg, resp, q.Qclass, lookup, o.Verifier)
	case classify.CNAMENameError:
		result = validate.CNAMENameError(ctx, qmsg, resp, q.Qclass, lookup, o.Verifier)
	case classify.Referral:
		result = validate.Result{Status: validate.Indeterminate}
	default:
		result = validate.Result{Status: validate.Bogus, Reason: reason.New(reason.Failsafe)}
	}

	return o.finalize(resp, result, id)
}

// finalize implements spec.md §4.9 step 5: SECURE sets AD; BOGUS replaces
// the response with SERVFAIL (preserving NXDOMAIN/YXDOMAIN rcodes) and
// attaches the bogus reason as a TXT record of chunked strings at the root name under
// ReasonTXTClass; INSECURE/UNCHECKED/INDETERMINATE clear AD and pass the
// response through unmodified.
func (o *Orchestrator) finalize(resp *dns.Msg, result validate.Result, id uuid.UUID) *dns.Msg {
	switch result.Status {
	case validate.Secure:
		resp.AuthenticatedData = true

	case validate.Bogus:
		resp.AuthenticatedData = false
		if resp.Rcode != dns.RcodeNameError && resp.Rcode != dns.RcodeYXDomain {
			resp.Rcode = dns.RcodeServerFailure
		}
		resp.Answer = nil
		resp.Ns = nil
		if result.Reason != nil {
			resp.Extra = append(keepOPT(resp.Extra), reasonTXT(result.Reason, id)...)
		} else {
			resp.Extra = keepOPT(resp.Extra)
		}

	default: // Insecure, Indeterminate, Unknown
		resp.AuthenticatedData = false
	}

	return resp
}

func keepOPT(extra []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(extra))
	for _, rr := range extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			out = append(out, rr)
		}
	}
	return out
}

// reasonTXT renders r into a single TXT record at the root name, class
// ReasonTXTClass, whose strings are chunks of at most chunkSize octets per
// spec.md §4.9/§6.
func reasonTXT(r *reason.Reason, id uuid.UUID) []dns.RR {
	msg := id.String() + ": " + r.String()

	var strs []string
	for len(msg) > 0 {
		n := len(msg)
		if n > chunkSize {
			n = chunkSize
		}
		strs = append(strs, msg[:n])
		msg = msg[n:]
	}

	txt := &dns.TXT{
		Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeTXT, Class: ReasonTXTClass, Ttl: 0},
		Txt: strs,
	}
	return []dns.RR{txt}
}

func setDO(m *dns.Msg) {
	opt := m.IsEdns0()
	if opt == nil {
		m.SetEdns0(1232, true)
		return
	}
	opt.SetDo(true)
	if opt.UDPSize() < 1232 {
		opt.SetUDPSize(1232)
	}
}

// servfail synthesises a bare SERVFAIL for a transient upstream failure.
// Per spec.md §7, transient errors never carry a reason TXT record (that
// is reserved for BOGUS, a zone-attributable failure); cause is accepted
// only so callers can log it upstream of this function.
func servfail(qmsg *dns.Msg, cause error) *dns.Msg {
	m := new(dns.Msg)
	if len(qmsg.Question) > 0 {
		m.SetQuestion(qmsg.Question[0].Name, qmsg.Question[0].Qtype)
	}
	m.Rcode = dns.RcodeServerFailure
	m.AuthenticatedData = false
	return m
}

// keyfinderUpstream adapts orchestrator.Upstream to keyfinder.Upstream;
// the two are structurally identical but kept as distinct interfaces so
// each package states its own dependency rather than importing the other's
// type.
type keyfinderUpstream struct {
	u Upstream
}

func (k keyfinderUpstream) Send(ctx context.Context, qmsg *dns.Msg) (*dns.Msg, error) {
	return k.u.Send(ctx, qmsg)
}
