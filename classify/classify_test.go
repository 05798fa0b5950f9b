package classify_test

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"

	"github.com/nsmithuk/dnssecval/classify"
	"github.com/nsmithuk/dnssecval/internal/dnstest"
)

func msg(rcode int, answer, ns []dns.RR, qname string, qtype uint16) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(qname), qtype)
	m.Rcode = rcode
	m.Answer = answer
	m.Ns = ns
	return m
}

func TestClassifyPositive(t *testing.T) {
	a := dnstest.NewRR("example.com. 300 IN A 192.0.2.1")
	got := classify.Classify("example.com.", dns.TypeA, msg(dns.RcodeSuccess, []dns.RR{a}, nil, "example.com.", dns.TypeA))
	assert.Equal(t, classify.Positive, got)
}

func TestClassifyAny(t *testing.T) {
	a := dnstest.NewRR("example.com. 300 IN A 192.0.2.1")
	got := classify.Classify("example.com.", dns.TypeANY, msg(dns.RcodeSuccess, []dns.RR{a}, nil, "example.com.", dns.TypeANY))
	assert.Equal(t, classify.Any, got)
}

func TestClassifyNodata(t *testing.T) {
	soa := dnstest.NewRR("example.com. 300 IN SOA ns.example.com. hostmaster.example.com. 1 2 3 4 5")
	got := classify.Classify("example.com.", dns.TypeMX, msg(dns.RcodeSuccess, nil, []dns.RR{soa}, "example.com.", dns.TypeMX))
	assert.Equal(t, classify.Nodata, got)
}

func TestClassifyNameError(t *testing.T) {
	soa := dnstest.NewRR("example.com. 300 IN SOA ns.example.com. hostmaster.example.com. 1 2 3 4 5")
	got := classify.Classify("nope.example.com.", dns.TypeA, msg(dns.RcodeNameError, nil, []dns.RR{soa}, "nope.example.com.", dns.TypeA))
	assert.Equal(t, classify.NameError, got)
}

func TestClassifyReferral(t *testing.T) {
	ns := dnstest.NewRR("example.com. 300 IN NS ns1.example.com.")
	got := classify.Classify("www.example.com.", dns.TypeA, msg(dns.RcodeSuccess, nil, []dns.RR{ns}, "www.example.com.", dns.TypeA))
	assert.Equal(t, classify.Referral, got)
}

func TestClassifyCNAME(t *testing.T) {
	c := dnstest.NewRR("www.example.com. 300 IN CNAME target.example.com.")
	a := dnstest.NewRR("target.example.com. 300 IN A 192.0.2.1")
	got := classify.Classify("www.example.com.", dns.TypeA, msg(dns.RcodeSuccess, []dns.RR{c, a}, nil, "www.example.com.", dns.TypeA))
	assert.Equal(t, classify.CNAME, got)
}

func TestClassifyCNAMENodata(t *testing.T) {
	c := dnstest.NewRR("www.example.com. 300 IN CNAME target.example.com.")
	soa := dnstest.NewRR("example.com. 300 IN SOA ns.example.com. hostmaster.example.com. 1 2 3 4 5")
	got := classify.Classify("www.example.com.", dns.TypeMX, msg(dns.RcodeSuccess, []dns.RR{c}, []dns.RR{soa}, "www.example.com.", dns.TypeMX))
	assert.Equal(t, classify.CNAMENodata, got)
}

func TestClassifyCNAMENameError(t *testing.T) {
	c := dnstest.NewRR("www.example.com. 300 IN CNAME target.example.com.")
	soa := dnstest.NewRR("example.com. 300 IN SOA ns.example.com. hostmaster.example.com. 1 2 3 4 5")
	got := classify.Classify("www.example.com.", dns.TypeA, msg(dns.RcodeNameError, []dns.RR{c}, []dns.RR{soa}, "www.example.com.", dns.TypeA))
	assert.Equal(t, classify.CNAMENameError, got)
}
