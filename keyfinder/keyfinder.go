// Package keyfinder implements the key-finding state machine (spec.md C8):
// given a signed RRset's signer name, walk from the nearest configured
// trust anchor down to that zone, issuing DS/DNSKEY subqueries through an
// upstream collaborator and consulting/populating the shared key cache
// along the way.
//
// Grounded on nsmithuk/resolver's Authenticator.validateChainAndProcess
// (dnssec/authenticator.go) and its processDSResponse/processDNSKEYResponse
// equivalents spread across dnssec/authenticate_msg.go and
// dnssec/verify_dnskey.go. Per spec.md §9's Design Note, the teacher's
// mutable, channel-fed recursion is rebuilt here as an explicit
// Action-driven loop (step decides the next query, apply folds a response
// back into state) so the walk is unit-testable against a canned sequence
// of responses, with no I/O stub required.
package keyfinder

import (
	"context"
	"fmt"

	"github.com/miekg/dns"

	"github.com/nsmithuk/dnssecval/anchor"
	"github.com/nsmithuk/dnssecval/classify"
	"github.com/nsmithuk/dnssecval/clock"
	"github.com/nsmithuk/dnssecval/doe"
	"github.com/nsmithuk/dnssecval/keycache"
	"github.com/nsmithuk/dnssecval/name"
	"github.com/nsmithuk/dnssecval/reason"
	"github.com/nsmithuk/dnssecval/sig"
)

// DefaultMaxDepth bounds the number of DS/DNSKEY subqueries a single walk
// may issue, mirroring the teacher's iteration>4 loop guard
// (dnssec/authenticator.go), to prevent a malicious or misconfigured chain
// from looping forever.
const DefaultMaxDepth = 32

// Upstream issues one DS or DNSKEY subquery and returns the response. It is
// the same external collaborator spec.md §1 keeps out of scope; keyfinder
// only ever calls it synchronously, one subquery per walk iteration.
type Upstream interface {
	Send(ctx context.Context, qmsg *dns.Msg) (*dns.Msg, error)
}

// ActionKind distinguishes the three moves spec.md §9's Design Note calls
// for: query for a DS RRset, query for a DNSKEY RRset, or stop with a
// final KeyEntry.
type ActionKind uint8

const (
	ActionQueryDS ActionKind = iota
	ActionQueryDNSKEY
	ActionDone
)

// Action is the next move step computes from a State.
type Action struct {
	Kind  ActionKind
	Name  string
	Class uint16
	Entry keycache.KeyEntry // valid only when Kind == ActionDone
}

// position tracks whether the walk's current foothold is a DS RRset
// (awaiting the matching DNSKEY at the same name) or a validated DNSKEY
// set (awaiting the next DS one label closer to the target).
type position uint8

const (
	posDS position = iota
	posDNSKEY
)

// State is spec.md §3's FindKeyState, reshaped into the value a pure
// step/apply pair threads through one walk. It is never shared across
// walks.
type State struct {
	TargetSignerName name.Name
	QClass           uint16

	pos    position
	name   name.Name
	ds     []*dns.DS
	dnskey []*dns.DNSKEY

	// emptyDSName records a name queried for DS that turned out to be a
	// CNAME rather than a delegation point, per spec.md §4.7's
	// processDSResponse "CNAME at the queried name" case; the walk
	// continues past it without treating it as a zone cut.
	emptyDSName string

	depth int
	done  bool
	entry keycache.KeyEntry
	err   error
}

// Config bundles the collaborators a walk needs: the shared trust anchor
// store and key cache (read/written across all concurrent walks), the
// upstream resolver for subqueries, the signature verifier, the NSEC3
// iteration policy used when processing a DS-denial response, and an
// injectable clock for cache TTLs.
type Config struct {
	Anchors  *anchor.Store
	Cache    *keycache.Cache
	Upstream Upstream
	Verifier *sig.Verifier
	NSEC3    doe.IterationPolicy
	MaxDepth int
	Now      clock.Clock
}

func (c Config) now() clock.Clock {
	if c.Now != nil {
		return c.Now
	}
	return clock.Real()
}

func (c Config) maxDepth() int {
	if c.MaxDepth > 0 {
		return c.MaxDepth
	}
	return DefaultMaxDepth
}

// Find is spec.md §4.7's entry point, prepareFindKey, generalised to take
// the signer name and class directly (the orchestrator derives signerName
// from an RRset's RRSIGs, falling back to the RRset's owner name when
// unsigned, before calling in).
//
// It consults the trust anchor store first (no enclosing anchor -> a Null
// KeyEntry, i.e. indeterminate/insecure), then the key cache (a live,
// non-expired entry at exactly signerName short-circuits the walk), and
// only then drives a walk from the anchor down to signerName.
func Find(ctx context.Context, cfg Config, signerName string, qclass uint16) (keycache.KeyEntry, error) {
	now := cfg.now()()

	a, ok := cfg.Anchors.Find(signerName, qclass)
	if !ok {
		return keycache.NewNull(signerName, qclass, 0, now, reason.New(reason.NoDSRecords)), nil
	}

	if ke, ok := cfg.Cache.Find(signerName, qclass); ok && dns.CanonicalName(ke.Zone) == dns.CanonicalName(signerName) {
		return ke, nil
	}

	key := fmt.Sprintf("%s/%d", dns.CanonicalName(signerName), qclass)
	return cfg.Cache.Coalesce(key, func() (keycache.KeyEntry, error) {
		state := initialState(a, qclass)
		return walk(ctx, cfg, state, name.New(signerName))
	})
}

// initialState seeds a walk from a, preferring a DNSKEY anchor (no DS
// cross-check is needed, it's trusted directly) over a DS anchor.
func initialState(a *anchor.Anchor, qclass uint16) State {
	s := State{QClass: qclass, name: name.New(a.Zone)}
	if len(a.DNSKEY) > 0 {
		s.pos = posDNSKEY
		s.dnskey = a.DNSKEY
	} else {
		s.pos = posDS
		s.ds = a.DS
	}
	return s
}

func walk(ctx context.Context, cfg Config, state State, target name.Name) (keycache.KeyEntry, error) {
	state.TargetSignerName = target

	for {
		action, state2 := step(state, cfg)
		state = state2
		if action.Kind == ActionDone {
			if state.err != nil {
				return action.Entry, state.err
			}
			return action.Entry, nil
		}

		qmsg := new(dns.Msg)
		switch action.Kind {
		case ActionQueryDS:
			qmsg.SetQuestion(dns.Fqdn(action.Name), dns.TypeDS)
		case ActionQueryDNSKEY:
			qmsg.SetQuestion(dns.Fqdn(action.Name), dns.TypeDNSKEY)
		}
		qmsg.Question[0].Qclass = action.Class
		qmsg.CheckingDisabled = true

		resp, err := cfg.Upstream.Send(ctx, qmsg)
		if err != nil {
			return keycache.NewBad(action.Name, action.Class, 0, cfg.now()(), reason.New(reason.UpstreamIOError, action.Name, dns.TypeToString[qmsg.Question[0].Qtype], err)), err
		}

		state = apply(state, cfg, action, resp)
	}
}

// step decides the next Action from state alone: it is the pure
// transition function spec.md §9's Design Note asks for, with no I/O.
func step(state State, cfg Config) (Action, State) {
	if state.done {
		return Action{Kind: ActionDone, Entry: state.entry}, state
	}

	if state.depth >= cfg.maxDepth() {
		state.entry = keycache.NewBad(state.name.String(), state.QClass, 0, cfg.now()(), reason.New(reason.DSLookupLoop, cfg.maxDepth(), state.TargetSignerName.String()))
		state.done = true
		return Action{Kind: ActionDone, Entry: state.entry}, state
	}

	if dns.CanonicalName(state.name.String()) == dns.CanonicalName(state.TargetSignerName.String()) {
		if state.pos == posDNSKEY && len(state.dnskey) > 0 {
			entry := keycache.NewGood(state.name.String(), state.QClass, state.dnskey, 0, cfg.now()())
			cfg.Cache.Store(entry)
			state.entry = entry
			state.done = true
			return Action{Kind: ActionDone, Entry: entry}, state
		}
		// We reached the target name but only hold a DS RRset for it (no
		// DNSKEY has been cross-checked yet); one more DNSKEY query closes
		// the loop.
	}

	next, ok := state.name.PrependLabelsFrom(state.TargetSignerName)
	if !ok {
		if state.pos == posDNSKEY {
			entry := keycache.NewGood(state.name.String(), state.QClass, state.dnskey, 0, cfg.now()())
			cfg.Cache.Store(entry)
			state.entry = entry
			state.done = true
			return Action{Kind: ActionDone, Entry: entry}, state
		}
		next = state.TargetSignerName
	}

	if state.pos == posDS {
		// current holds a DS RRset naming the zone at state.name; querying
		// DNSKEY there lets us cross-check it into a Good entry.
		return Action{Kind: ActionQueryDNSKEY, Name: state.name.String(), Class: state.QClass}, state
	}

	return Action{Kind: ActionQueryDS, Name: next.String(), Class: state.QClass}, state
}

// apply folds an upstream response for action back into state, implementing
// spec.md §4.7's processDSResponse/processDNSKEYResponse.
func apply(state State, cfg Config, action Action, resp *dns.Msg) State {
	state.depth++

	switch action.Kind {
	case ActionQueryDNSKEY:
		return applyDNSKEYResponse(state, cfg, action, resp)
	case ActionQueryDS:
		return applyDSResponse(state, cfg, action, resp)
	}
	return state
}

func applyDNSKEYResponse(state State, cfg Config, action Action, resp *dns.Msg) State {
	var dnskeyRRs, sigRRs []dns.RR
	for _, rr := range resp.Answer {
		if dns.CanonicalName(rr.Header().Name) != dns.CanonicalName(action.Name) {
			continue
		}
		if rr.Header().Rrtype == dns.TypeDNSKEY {
			dnskeyRRs = append(dnskeyRRs, rr)
		} else if s, ok := rr.(*dns.RRSIG); ok && s.TypeCovered == dns.TypeDNSKEY {
			sigRRs = append(sigRRs, rr)
		}
	}

	if len(dnskeyRRs) == 0 {
		return bad(state, cfg, action.Name, reason.New(reason.KeysNotFound, action.Name))
	}

	signed := append(append([]dns.RR{}, dnskeyRRs...), sigRRs...)
	if _, _, err := cfg.Verifier.VerifyDNSKEYSet(action.Name, signed, state.ds); err != nil {
		return bad(state, cfg, action.Name, reason.New(reason.KeySigningKeyNotFound, action.Name))
	}

	zoneKeys := make([]*dns.DNSKEY, 0, len(dnskeyRRs))
	for _, rr := range dnskeyRRs {
		if k, ok := rr.(*dns.DNSKEY); ok {
			zoneKeys = append(zoneKeys, k)
		}
	}

	entry := keycache.NewGood(action.Name, action.Class, zoneKeys, 0, cfg.now()())
	cfg.Cache.Store(entry)

	state.pos = posDNSKEY
	state.name = name.New(action.Name)
	state.dnskey = zoneKeys
	state.ds = nil
	return state
}

func applyDSResponse(state State, cfg Config, action Action, resp *dns.Msg) State {
	class := classify.Classify(action.Name, dns.TypeDS, resp)

	switch class {
	case classify.Positive:
		ds := make([]*dns.DS, 0)
		for _, rr := range resp.Answer {
			if d, ok := rr.(*dns.DS); ok && dns.CanonicalName(d.Header().Name) == dns.CanonicalName(action.Name) {
				ds = append(ds, d)
			}
		}
		if len(ds) == 0 {
			return bad(state, cfg, action.Name, reason.New(reason.NoDSRecords))
		}
		if !anySupportedDSAlgorithm(ds) {
			entry := keycache.NewNull(action.Name, action.Class, 0, cfg.now()(), reason.New(reason.NoSupportedDSAlgorithm, action.Name))
			cfg.Cache.Store(entry)
			state.entry = entry
			state.done = true
			return state
		}

		sigs, err := cfg.Verifier.Verify(state.name.String(), resp.Answer, state.dnskey, false)
		if err != nil || !sig.Signatures(sigs).AllSecure() {
			r := reason.New(reason.InvalidSignature, fmt.Errorf("ds rrset at %s", action.Name))
			if err == nil {
				r = sig.Signatures(sigs).FirstFailure()
			}
			return bad(state, cfg, action.Name, r)
		}

		state.pos = posDS
		state.ds = ds
		state.name = name.New(action.Name)
		return state

	case classify.CNAME:
		sigs, err := cfg.Verifier.Verify(state.name.String(), resp.Answer, state.dnskey, false)
		if err != nil || !sig.Signatures(sigs).AllSecure() {
			return bad(state, cfg, action.Name, reason.New(reason.InvalidSignature, "cname at delegation point"))
		}
		state.emptyDSName = action.Name
		// Not a delegation point; keep current foothold and let the next
		// step's PrependLabelsFrom walk past it.
		if next, ok := name.New(action.Name).PrependLabelsFrom(state.TargetSignerName); ok {
			state.name = next
		}
		return state

	case classify.Nodata, classify.NameError:
		return applyDSDenial(state, cfg, action, resp)

	default:
		return bad(state, cfg, action.Name, reason.New(reason.MalformedResponse, "unexpected classification for ds query"))
	}
}

// applyDSDenial implements spec.md §4.7's "NODATA/NAMEERROR" branch of
// processDSResponse: a proven absence of DS at action.Name means the
// delegation is insecure from here down (a Null KeyEntry), which is the
// expected, common end of a secure chain walk.
func applyDSDenial(state State, cfg Config, action Action, resp *dns.Msg) State {
	zone := state.name.String()
	qn := name.New(action.Name)

	nsecSet := doe.NewNSECSet(name.New(zone), doe.ExtractNSEC(resp.Ns))
	if !nsecSet.Empty() && nsecSet.ProvesNodata(qn, dns.TypeDS) {
		entry := keycache.NewNull(action.Name, action.Class, 0, cfg.now()(), reason.New(reason.NoDSRecords))
		cfg.Cache.Store(entry)
		state.entry = entry
		state.done = true
		return state
	}

	raw := doe.ExtractNSEC3(resp.Ns)
	// Open question (spec.md §9): unknown NSEC3 algorithms are silently
	// skipped here (an all-ignorable set can't prove DS absence, so we
	// fall through to Null rather than Bogus), unlike every other NSEC3
	// proof path in this module, which treats an all-ignorable set as
	// Bogus. Preserved deliberately; see DESIGN.md.
	if len(raw) > 0 && doe.AllIgnorable(raw, cfg.NSEC3.CapForKeySize(minKeySizeBits(state.dnskey))) {
		entry := keycache.NewNull(action.Name, action.Class, 0, cfg.now()(), reason.New(reason.NoDSRecords))
		cfg.Cache.Store(entry)
		state.entry = entry
		state.done = true
		return state
	}

	nsec3Set := doe.NewNSEC3Set(name.New(zone), raw)
	switch nsec3Set.ProveNoDS(qn) {
	case doe.Insecure:
		entry := keycache.NewNull(action.Name, action.Class, 0, cfg.now()(), reason.New(reason.NoDSRecords))
		cfg.Cache.Store(entry)
		state.entry = entry
		state.done = true
		return state
	case doe.Secure:
		entry := keycache.NewNull(action.Name, action.Class, 0, cfg.now()(), reason.New(reason.NoDSRecords))
		cfg.Cache.Store(entry)
		state.entry = entry
		state.done = true
		return state
	default:
		return bad(state, cfg, action.Name, reason.New(reason.DenialOfExistenceMissing))
	}
}

func bad(state State, cfg Config, zone string, r *reason.Reason) State {
	entry := keycache.NewBad(zone, state.QClass, 0, cfg.now()(), r)
	cfg.Cache.Store(entry)
	state.entry = entry
	state.done = true
	return state
}

func anySupportedDSAlgorithm(ds []*dns.DS) bool {
	for _, d := range ds {
		switch d.Algorithm {
		case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512,
			dns.ECDSAP256SHA256, dns.ECDSAP384SHA384, dns.ED25519:
			return true
		}
	}
	return false
}

// minKeySizeBits estimates the weakest key currently in use, for the
// NSEC3 iteration cap policy (spec.md §4.5's "weakest known key"). RSA key
// size is read from the public key material; other algorithms use their
// fixed curve/field size, which the iteration cap table treats as
// equivalent to a 2048-bit RSA key (RFC 9276 does not define caps for
// non-RSA algorithms).
func minKeySizeBits(keys []*dns.DNSKEY) int {
	best := 0
	for _, k := range keys {
		bits := 2048
		if pub := k.PublicKeyRSA(); pub != nil {
			bits = pub.N.BitLen()
		}
		if best == 0 || bits < best {
			best = bits
		}
	}
	if best == 0 {
		return 2048
	}
	return best
}
