// Package dnstest provides shared test fixtures for generating and signing
// DNS records across this module's test suites.
//
// Grounded on nsmithuk/resolver's dnssec/setup_test.go (testKey, newRR,
// per-algorithm key generation and RRSIG signing helpers), promoted to an
// internal package so every component's tests can build realistic signed
// RRsets without duplicating key-generation boilerplate.
package dnstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"time"

	"github.com/miekg/dns"
)

const CSKFlags = 257

// NewRR parses s and panics on error; for use only in tests with
// known-good fixtures.
func NewRR(s string) dns.RR {
	rr, err := dns.NewRR(s)
	if err != nil {
		panic(err)
	}
	return rr
}

// Key bundles a DNSKEY, its DS digest and the private key material needed
// to sign RRsets with it.
type Key struct {
	DNSKEY *dns.DNSKEY
	DS     *dns.DS
	signer crypto.Signer
}

// RSAKey generates a 2048-bit RSA/SHA256 key for zone.
func RSAKey(zone string) *Key {
	dnskey := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: dns.Fqdn(zone), Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 300},
		Flags:     CSKFlags,
		Protocol:  3,
		Algorithm: dns.RSASHA256,
	}
	priv, err := dnskey.Generate(2048)
	if err != nil {
		panic(err)
	}
	signer, _ := priv.(*rsa.PrivateKey)
	return &Key{DNSKEY: dnskey, DS: dnskey.ToDS(dns.SHA256), signer: signer}
}

// ECKey generates a P-256/SHA256 key for zone.
func ECKey(zone string) *Key {
	dnskey := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: dns.Fqdn(zone), Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 300},
		Flags:     CSKFlags,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}
	priv, err := dnskey.Generate(256)
	if err != nil {
		panic(err)
	}
	signer, _ := priv.(*ecdsa.PrivateKey)
	return &Key{DNSKEY: dnskey, DS: dnskey.ToDS(dns.SHA256), signer: signer}
}

// Sign produces an RRSIG over rrset using k, with a one-day-past to
// one-day-future validity window by default. Pass nonzero inception /
// expiration (unix seconds) to test expired/not-yet-valid signatures.
func (k *Key) Sign(rrset []dns.RR, inception, expiration int64) *dns.RRSIG {
	if inception == 0 {
		inception = time.Now().Add(-24 * time.Hour).Unix()
	}
	if expiration == 0 {
		expiration = time.Now().Add(24 * time.Hour).Unix()
	}
	rrsig := &dns.RRSIG{
		Hdr:        dns.RR_Header{Name: k.DNSKEY.Header().Name, Rrtype: dns.TypeRRSIG, Class: dns.ClassINET},
		Inception:  uint32(inception),
		Expiration: uint32(expiration),
		KeyTag:     k.DNSKEY.KeyTag(),
		SignerName: k.DNSKEY.Header().Name,
		Algorithm:  k.DNSKEY.Algorithm,
	}
	if err := rrsig.Sign(k.signer, rrset); err != nil {
		panic(err)
	}
	return rrsig
}
