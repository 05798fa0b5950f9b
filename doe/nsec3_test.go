package doe

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsmithuk/dnssecval/internal/dnstest"
	"github.com/nsmithuk/dnssecval/name"
)

func nsec3RR(s string) *dns.NSEC3 {
	return dnstest.NewRR(s).(*dns.NSEC3)
}

// Most hashes below are arbitrary base32hex-looking strings chosen to sort
// in a known order; they are not real SHA-1 digests, so no name hashes onto
// them. The direct-match tests use the real hash of "a.example.com." (no
// salt, 10 iterations) so that the NSEC3 owner matches their qname.

func TestNSEC3_FindClosestEncloser(t *testing.T) {
	zone := name.New("example.com.")

	// Owner "0sg..." is not the hash of "example.com", "b.example.com" or
	// "a.b.example.com", so no ancestor of qname has a matching NSEC3.
	n := nsec3RR("0sg3ia8ak6u5m2stfvu0v0m73jfvjbd4.example.com. 3600 IN NSEC3 1 0 10 AABBCCDD 1addd6uj1qvcmurr09bl74vcnr9o9vg0 A RRSIG NS SOA")

	set := NewNSEC3Set(zone, []*dns.NSEC3{n})
	// No record matches "example.com." hash under this synthetic data, so
	// the search should fail cleanly rather than panic.
	_, _, ok := set.FindClosestEncloser(name.New("a.b.example.com."))
	assert.False(t, ok)
}

func TestNSEC3_AllIgnorable(t *testing.T) {
	unsupported := nsec3RR("aaa.example.com. 3600 IN NSEC3 2 0 10 - bbb A RRSIG")
	assert.True(t, AllIgnorable([]*dns.NSEC3{unsupported}, 150))

	tooManyIterations := nsec3RR("aaa.example.com. 3600 IN NSEC3 1 0 5000 - bbb A RRSIG")
	assert.True(t, AllIgnorable([]*dns.NSEC3{tooManyIterations}, 150))

	ok := nsec3RR("aaa.example.com. 3600 IN NSEC3 1 0 10 - bbb A RRSIG")
	assert.False(t, AllIgnorable([]*dns.NSEC3{ok}, 150))
}

func TestNSEC3_StripUnknownAlg(t *testing.T) {
	zone := name.New("example.com.")
	unsupported := nsec3RR("aaa.example.com. 3600 IN NSEC3 2 0 10 - bbb A RRSIG")
	ok := nsec3RR("ccc.example.com. 3600 IN NSEC3 1 0 10 - ddd A RRSIG")

	set := NewNSEC3Set(zone, []*dns.NSEC3{unsupported, ok})
	assert.False(t, set.Empty())

	onlyUnsupported := NewNSEC3Set(zone, []*dns.NSEC3{unsupported})
	assert.True(t, onlyUnsupported.Empty())
}

func TestNSEC3_IterationPolicy(t *testing.T) {
	p := DefaultIterationPolicy()
	assert.Equal(t, uint16(150), p.CapForKeySize(1024))
	assert.Equal(t, uint16(500), p.CapForKeySize(2048))
	assert.Equal(t, uint16(2500), p.CapForKeySize(4096))
}

func TestNSEC3_ProveNameError(t *testing.T) {
	zone := name.New("example.com.")

	// Closest encloser owner.
	ce := nsec3RR("0sg3ia8ak6u5m2stfvu0v0m73jfvjbd4.example.com. 3600 IN NSEC3 1 0 10 - 1addd6uj1qvcmurr09bl74vcnr9o9vg0 A RRSIG NS SOA")
	// Covers both the next-closer name's hash and the CE wildcard's hash
	// (both fall between these two owners for this synthetic data set).
	cover := nsec3RR("1addd6uj1qvcmurr09bl74vcnr9o9vg0.example.com. 3600 IN NSEC3 1 0 10 - 9sg3ia8ak6u5m2stfvu0v0m73jfvjbd4 A RRSIG")

	set := NewNSEC3Set(zone, []*dns.NSEC3{ce, cover})

	// Without real hashing in these synthetic records, FindClosestEncloser
	// cannot match "example.com." against the CE owner hash, so the proof
	// correctly fails rather than asserting something unverifiable.
	result := set.ProveNameError(name.New("nothere.example.com."))
	assert.Equal(t, Bogus, result)
}

func TestNSEC3_ProveNameError_EmptySet(t *testing.T) {
	var set *NSEC3Set
	assert.Equal(t, Indeterminate, set.ProveNameError(name.New("a.example.com.")))
}

func TestNSEC3_ProveNodata_DirectMatch(t *testing.T) {
	zone := name.New("example.com.")
	n := nsec3RR("kir11gsl90ttrp6b3sppu44mnnfs2u3m.example.com. 3600 IN NSEC3 1 0 10 - 1addd6uj1qvcmurr09bl74vcnr9o9vg0 A RRSIG")
	set := NewNSEC3Set(zone, []*dns.NSEC3{n})

	qname := name.New("a.example.com.")
	assert.Equal(t, Secure, set.ProveNodata(qname, dns.TypeMX))
	assert.Equal(t, Bogus, set.ProveNodata(qname, dns.TypeA))
}

func TestNSEC3_ProveNodata_Indeterminate(t *testing.T) {
	zone := name.New("example.com.")
	n := nsec3RR("0sg3ia8ak6u5m2stfvu0v0m73jfvjbd4.example.com. 3600 IN NSEC3 1 0 10 - 1addd6uj1qvcmurr09bl74vcnr9o9vg0 A RRSIG")
	set := NewNSEC3Set(zone, []*dns.NSEC3{n})

	// A completely unrelated qname is neither matched nor covered by this
	// single record (nothing wraps around to cover it), so the proof is
	// inconclusive rather than affirmatively secure or bogus.
	result := set.ProveNodata(name.New("zzzzzzzz.example.com."), dns.TypeA)
	assert.Equal(t, Indeterminate, result)
}

func TestNSEC3_ProveNoDS_OptOut(t *testing.T) {
	zone := name.New("example.com.")
	// Opt-out flag set (Flags bit 0).
	ce := nsec3RR("0sg3ia8ak6u5m2stfvu0v0m73jfvjbd4.example.com. 3600 IN NSEC3 1 1 10 - 1addd6uj1qvcmurr09bl74vcnr9o9vg0 A RRSIG NS SOA")
	cover := nsec3RR("1addd6uj1qvcmurr09bl74vcnr9o9vg0.example.com. 3600 IN NSEC3 1 1 10 - 9sg3ia8ak6u5m2stfvu0v0m73jfvjbd4 A RRSIG")
	set := NewNSEC3Set(zone, []*dns.NSEC3{ce, cover})

	result := set.ProveNoDS(name.New("nothere.example.com."))
	assert.Equal(t, Indeterminate, result)
}

func TestNSEC3_ProveNoDS_DirectMatch(t *testing.T) {
	zone := name.New("example.com.")
	n := nsec3RR("kir11gsl90ttrp6b3sppu44mnnfs2u3m.example.com. 3600 IN NSEC3 1 0 10 - 1addd6uj1qvcmurr09bl74vcnr9o9vg0 NS RRSIG")
	set := NewNSEC3Set(zone, []*dns.NSEC3{n})

	qname := name.New("a.example.com.")
	assert.Equal(t, Secure, set.ProveNoDS(qname))
}

func TestNSEC3_ProveWildcard(t *testing.T) {
	zone := name.New("example.com.")
	// Next-closer name of "a.example.com" relative to a 2-label (example.com)
	// closest encloser is "a.example.com" itself; it must be covered, and
	// the wildcard "*.example.com" must not be covered (it legitimately
	// exists and generated the answer).
	cover := nsec3RR("1addd6uj1qvcmurr09bl74vcnr9o9vg0.example.com. 3600 IN NSEC3 1 0 10 - 9sg3ia8ak6u5m2stfvu0v0m73jfvjbd4 A RRSIG")
	set := NewNSEC3Set(zone, []*dns.NSEC3{cover})

	// Without matching real hashes, coveredBy cannot determine coverage for
	// "*.example.com" vs "a.example.com" meaningfully here; this exercises
	// the call path and confirms it returns a boolean without panicking.
	got := set.ProveWildcard(name.New("a.example.com."), 2)
	assert.IsType(t, false, got)
}

func TestNSEC3_ProveWildcard_LabelsExceedOwner(t *testing.T) {
	zone := name.New("example.com.")
	n := nsec3RR("0sg3ia8ak6u5m2stfvu0v0m73jfvjbd4.example.com. 3600 IN NSEC3 1 0 10 - 1addd6uj1qvcmurr09bl74vcnr9o9vg0 A RRSIG")
	set := NewNSEC3Set(zone, []*dns.NSEC3{n})

	assert.False(t, set.ProveWildcard(name.New("a.example.com."), 10))
}

func TestNSEC3_Extract(t *testing.T) {
	rrs := []dns.RR{
		dnstest.NewRR("a.example.com. 300 IN A 192.0.2.1"),
		nsec3RR("aaa.example.com. 3600 IN NSEC3 1 0 10 - bbb A RRSIG"),
	}
	require.Len(t, ExtractNSEC3(rrs), 1)
	require.Len(t, ExtractNSEC(rrs), 0)
}
