package sig

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsmithuk/dnssecval/clock"
	"github.com/nsmithuk/dnssecval/internal/dnstest"
)

func aRRset(zone string) []dns.RR {
	return []dns.RR{dnstest.NewRR(zone + " 300 IN A 192.0.2.1")}
}

func TestVerify_Secure(t *testing.T) {
	key := dnstest.ECKey("example.com.")
	rrset := aRRset("example.com.")
	rrsig := key.Sign(rrset, 0, 0)

	v := New()
	sigs, err := v.Verify("example.com.", append(rrset, rrsig), []*dns.DNSKEY{key.DNSKEY}, false)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, Secure, sigs[0].Verdict)
	assert.True(t, Signatures(sigs).AllSecure())
}

func TestVerify_BogusOnCorruptSignature(t *testing.T) {
	key := dnstest.ECKey("example.com.")
	rrset := aRRset("example.com.")
	rrsig := key.Sign(rrset, 0, 0)
	rrsig.Signature = rrsig.Signature[:len(rrsig.Signature)-4] + "AAAA"

	v := New()
	sigs, err := v.Verify("example.com.", append(rrset, rrsig), []*dns.DNSKEY{key.DNSKEY}, false)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, Bogus, sigs[0].Verdict)
	assert.False(t, Signatures(sigs).AllSecure())
}

func TestVerify_ExpiredSignature(t *testing.T) {
	key := dnstest.ECKey("example.com.")
	rrset := aRRset("example.com.")
	past := time.Now().Add(-48 * time.Hour).Unix()
	stillPast := time.Now().Add(-24 * time.Hour).Unix()
	rrsig := key.Sign(rrset, past, stillPast)

	v := New()
	sigs, err := v.Verify("example.com.", append(rrset, rrsig), []*dns.DNSKEY{key.DNSKEY}, false)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, Bogus, sigs[0].Verdict)
}

func TestVerify_InjectedClockAcceptsOtherwiseExpiredSignature(t *testing.T) {
	key := dnstest.ECKey("example.com.")
	rrset := aRRset("example.com.")

	inception := time.Now().Add(-72 * time.Hour).Unix()
	expiration := time.Now().Add(-48 * time.Hour).Unix()
	rrsig := key.Sign(rrset, inception, expiration)

	pinned := time.Unix(inception, 0).Add(time.Hour)
	v := &Verifier{Now: clock.Fixed(pinned)}

	sigs, err := v.Verify("example.com.", append(rrset, rrsig), []*dns.DNSKEY{key.DNSKEY}, false)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, Secure, sigs[0].Verdict)
}

func TestVerify_SignerNameMismatch(t *testing.T) {
	key := dnstest.ECKey("other.com.")
	rrset := aRRset("example.com.")
	rrsig := key.Sign(rrset, 0, 0)

	v := New()
	sigs, err := v.Verify("example.com.", append(rrset, rrsig), []*dns.DNSKEY{key.DNSKEY}, false)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, Bogus, sigs[0].Verdict)
}

func TestVerify_MissingSignatureIsUnexpectedCount(t *testing.T) {
	rrset := append(aRRset("example.com."), dnstest.NewRR("example.com. 300 IN MX 10 mail.example.com."))

	v := New()
	_, err := v.Verify("example.com.", rrset, nil, false)
	assert.Error(t, err)
}

func TestVerifyDNSKEYSet(t *testing.T) {
	ksk := dnstest.ECKey("example.com.")
	dnskeyRRs := []dns.RR{ksk.DNSKEY}
	rrsig := ksk.Sign(dnskeyRRs, 0, 0)

	v := New()
	keys, sigs, err := v.VerifyDNSKEYSet("example.com.", append(dnskeyRRs, rrsig), []*dns.DS{ksk.DS})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	assert.True(t, Signatures(sigs).AllSecure())
}

func TestVerifyDNSKEYSet_NoMatchingDS(t *testing.T) {
	ksk := dnstest.ECKey("example.com.")
	other := dnstest.ECKey("example.com.")
	dnskeyRRs := []dns.RR{ksk.DNSKEY}
	rrsig := ksk.Sign(dnskeyRRs, 0, 0)

	v := New()
	_, _, err := v.VerifyDNSKEYSet("example.com.", append(dnskeyRRs, rrsig), []*dns.DS{other.DS})
	assert.Error(t, err)
}
