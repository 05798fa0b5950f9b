package validate_test

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsmithuk/dnssecval/clock"
	"github.com/nsmithuk/dnssecval/internal/dnstest"
	"github.com/nsmithuk/dnssecval/keycache"
	"github.com/nsmithuk/dnssecval/sig"
	"github.com/nsmithuk/dnssecval/validate"
)

func lookupFor(zone string, key *dnstest.Key) validate.KeyLookup {
	return func(_ context.Context, signerName string, _ uint16) (keycache.KeyEntry, error) {
		return keycache.NewGood(signerName, dns.ClassINET, []*dns.DNSKEY{key.DNSKEY}, time.Hour, time.Now()), nil
	}
}

func TestPositiveSecure(t *testing.T) {
	now := time.Now()
	k := dnstest.RSAKey("example.com.")
	verifier := &sig.Verifier{Now: clock.Fixed(now)}

	a := dnstest.NewRR("www.example.com. 300 IN A 192.0.2.1")
	rrsig := k.Sign([]dns.RR{a}, 0, 0)

	qmsg := new(dns.Msg)
	qmsg.SetQuestion("www.example.com.", dns.TypeA)

	resp := new(dns.Msg)
	resp.SetReply(qmsg)
	resp.Answer = []dns.RR{a, rrsig}

	res := validate.Positive(context.Background(), qmsg, resp, dns.ClassINET, lookupFor("example.com.", k), verifier)
	assert.Equal(t, validate.Secure, res.Status)
}

func TestPositiveBogusOnTamperedSignature(t *testing.T) {
	now := time.Now()
	k := dnstest.RSAKey("example.com.")
	verifier := &sig.Verifier{Now: clock.Fixed(now)}

	a := dnstest.NewRR("www.example.com. 300 IN A 192.0.2.1")
	rrsig := k.Sign([]dns.RR{a}, 0, 0)
	rrsig.Signature = rrsig.Signature[:len(rrsig.Signature)-4] + "AAAA"

	qmsg := new(dns.Msg)
	qmsg.SetQuestion("www.example.com.", dns.TypeA)

	resp := new(dns.Msg)
	resp.SetReply(qmsg)
	resp.Answer = []dns.RR{a, rrsig}

	res := validate.Positive(context.Background(), qmsg, resp, dns.ClassINET, lookupFor("example.com.", k), verifier)
	assert.Equal(t, validate.Bogus, res.Status)
}

func TestPositiveSecure_DNAMESynthesis(t *testing.T) {
	now := time.Now()
	k := dnstest.RSAKey("example.com.")
	verifier := &sig.Verifier{Now: clock.Fixed(now)}

	dname := dnstest.NewRR("sub.example.com. 300 IN DNAME other.example.net.")
	dnameSig := k.Sign([]dns.RR{dname}, 0, 0)

	// Synthesised on the fly by the authoritative server; never signed
	// itself, per RFC 6672 §3.3.1.
	cname := dnstest.NewRR("www.sub.example.com. 300 IN CNAME www.other.example.net.")

	a := dnstest.NewRR("www.other.example.net. 300 IN A 192.0.2.5")
	aSig := k.Sign([]dns.RR{a}, 0, 0)

	qmsg := new(dns.Msg)
	qmsg.SetQuestion("www.sub.example.com.", dns.TypeA)

	resp := new(dns.Msg)
	resp.SetReply(qmsg)
	resp.Answer = []dns.RR{dname, dnameSig, cname, a, aSig}

	res := validate.Positive(context.Background(), qmsg, resp, dns.ClassINET, lookupFor("example.com.", k), verifier)
	assert.Equal(t, validate.Secure, res.Status)
}

func TestPositiveBogus_DNAMESynthesisMismatch(t *testing.T) {
	now := time.Now()
	k := dnstest.RSAKey("example.com.")
	verifier := &sig.Verifier{Now: clock.Fixed(now)}

	dname := dnstest.NewRR("sub.example.com. 300 IN DNAME other.example.net.")
	dnameSig := k.Sign([]dns.RR{dname}, 0, 0)

	// Target does not match what synthesis from dname would produce.
	cname := dnstest.NewRR("www.sub.example.com. 300 IN CNAME wrong.example.net.")

	a := dnstest.NewRR("wrong.example.net. 300 IN A 192.0.2.5")
	aSig := k.Sign([]dns.RR{a}, 0, 0)

	qmsg := new(dns.Msg)
	qmsg.SetQuestion("www.sub.example.com.", dns.TypeA)

	resp := new(dns.Msg)
	resp.SetReply(qmsg)
	resp.Answer = []dns.RR{dname, dnameSig, cname, a, aSig}

	res := validate.Positive(context.Background(), qmsg, resp, dns.ClassINET, lookupFor("example.com.", k), verifier)
	assert.Equal(t, validate.Bogus, res.Status)
}

func TestNodataSecureViaNSEC(t *testing.T) {
	now := time.Now()
	k := dnstest.RSAKey("example.com.")
	verifier := &sig.Verifier{Now: clock.Fixed(now)}

	soa := dnstest.NewRR("example.com. 300 IN SOA ns.example.com. hostmaster.example.com. 1 2 3 4 5")
	nsec := dnstest.NewRR("example.com. 300 IN NSEC zzz.example.com. SOA NSEC RRSIG")
	ns := []dns.RR{soa, nsec}
	soaSig := k.Sign([]dns.RR{soa}, 0, 0)
	nsecSig := k.Sign([]dns.RR{nsec}, 0, 0)

	qmsg := new(dns.Msg)
	qmsg.SetQuestion("example.com.", dns.TypeMX)

	resp := new(dns.Msg)
	resp.SetReply(qmsg)
	resp.Ns = append(ns, soaSig, nsecSig)

	res := validate.Nodata(context.Background(), qmsg, resp, dns.ClassINET, lookupFor("example.com.", k), verifier)
	require.Equal(t, validate.Secure, res.Status)
	assert.Equal(t, validate.NsecNoData, res.DoE)
}

func TestNameErrorSecureViaNSEC(t *testing.T) {
	now := time.Now()
	k := dnstest.RSAKey("example.com.")
	verifier := &sig.Verifier{Now: clock.Fixed(now)}

	soa := dnstest.NewRR("example.com. 300 IN SOA ns.example.com. hostmaster.example.com. 1 2 3 4 5")
	nsecApex := dnstest.NewRR("example.com. 300 IN NSEC aaa.example.com. SOA RRSIG NSEC")
	nsecName := dnstest.NewRR("aaa.example.com. 300 IN NSEC zzz.example.com. A RRSIG NSEC")
	ns := []dns.RR{soa, nsecApex, nsecName}
	soaSig := k.Sign([]dns.RR{soa}, 0, 0)
	nsecApexSig := k.Sign([]dns.RR{nsecApex}, 0, 0)
	nsecSig := k.Sign([]dns.RR{nsecName}, 0, 0)

	qmsg := new(dns.Msg)
	qmsg.SetQuestion("bbb.example.com.", dns.TypeA)

	resp := new(dns.Msg)
	resp.SetReply(qmsg)
	resp.Rcode = dns.RcodeNameError
	resp.Ns = append(ns, soaSig, nsecApexSig, nsecSig)

	res := validate.NameError(context.Background(), qmsg, resp, dns.ClassINET, lookupFor("example.com.", k), verifier)
	require.Equal(t, validate.Secure, res.Status)
	assert.Equal(t, validate.NsecNxDomain, res.DoE)
}
