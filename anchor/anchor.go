// Package anchor implements the trust anchor store (spec.md C5): a
// read-mostly set of DS and DNSKEY RRsets indexed by zone apex name, queried
// by longest-matching-suffix lookup.
//
// Grounded on nsmithuk/resolver's RootTrustAnchors (dnssec/config.go), which
// bootstraps from github.com/nsmithuk/dnssec-root-anchors-go, and on
// zhouchenh-secDNS's parseTrustAnchors (trust_anchors.go) for the
// zone-file-style parsing idiom.
package anchor

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/nsmithuk/dnssec-root-anchors-go/anchors"
)

// Anchor is a single trusted RRset at a zone apex: either DS records
// published for a delegated zone, or DNSKEY records trusted directly.
type Anchor struct {
	Zone   string
	Class  uint16
	DS     []*dns.DS
	DNSKEY []*dns.DNSKEY
}

// Store holds the configured trust anchors, keyed by apex name and class.
// It is written only during initialisation (or explicit reload) and read
// concurrently thereafter; a single mutex protects the rare write path
// without penalising reads, mirroring spec.md §6's "read-write lock or
// copy-on-write" guidance for this component.
type Store struct {
	mu     sync.RWMutex
	byZone map[string]map[uint16]*Anchor
}

// New returns an empty trust anchor store.
func New() *Store {
	return &Store{byZone: make(map[string]map[uint16]*Anchor)}
}

// NewDefault returns a store pre-populated with the IANA root zone trust
// anchor, sourced from github.com/nsmithuk/dnssec-root-anchors-go, the same
// bootstrap the teacher resolver uses.
func NewDefault() *Store {
	s := New()
	for _, ds := range anchors.GetValid() {
		s.addDS(".", dns.ClassINET, ds)
	}
	return s
}

// Store records rrset as a trust anchor. Only DS and DNSKEY records are
// recognised; rrset may be mixed or may contain records of other types,
// which are silently dropped per spec.md §6's trust anchor input format.
func (s *Store) Store(rrset []dns.RR) {
	for _, rr := range rrset {
		switch v := rr.(type) {
		case *dns.DS:
			s.addDS(v.Header().Name, v.Header().Class, v)
		case *dns.DNSKEY:
			s.addDNSKEY(v.Header().Name, v.Header().Class, v)
		}
	}
}

func (s *Store) addDS(zone string, class uint16, ds *dns.DS) {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.anchorLocked(zone, class)
	a.DS = append(a.DS, ds)
}

func (s *Store) addDNSKEY(zone string, class uint16, key *dns.DNSKEY) {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.anchorLocked(zone, class)
	a.DNSKEY = append(a.DNSKEY, key)
}

func (s *Store) anchorLocked(zone string, class uint16) *Anchor {
	byClass, ok := s.byZone[zone]
	if !ok {
		byClass = make(map[uint16]*Anchor)
		s.byZone[zone] = byClass
	}
	a, ok := byClass[class]
	if !ok {
		a = &Anchor{Zone: zone, Class: class}
		byClass[class] = a
	}
	return a
}

// Find returns the closest enclosing anchor for name in class: the anchor
// whose apex is the longest name that is equal to, or an ancestor of, name.
// It returns ok=false if no configured anchor encloses name.
//
// Grounded on spec.md §4.1's find(name, class) operation.
func (s *Store) Find(name string, class uint16) (a *Anchor, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name = dns.CanonicalName(name)
	best := ""
	var bestAnchor *Anchor

	for zone, byClass := range s.byZone {
		anchorForClass, ok := byClass[class]
		if !ok {
			continue
		}
		if !dns.IsSubDomain(zone, name) {
			continue
		}
		if len(zone) > len(best) {
			best = zone
			bestAnchor = anchorForClass
		}
	}

	if bestAnchor == nil {
		return nil, false
	}
	return bestAnchor, true
}

// LoadZoneFile parses a zone-file-style stream of DS and DNSKEY records
// (one RR per line, comments and blank lines permitted) using
// dns.ZoneParser, and stores every DS/DNSKEY record found. Other record
// types are silently dropped, per spec.md §6.
func (s *Store) LoadZoneFile(r io.Reader, origin, file string) error {
	zp := dns.NewZoneParser(r, origin, file)
	var rrset []dns.RR
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrset = append(rrset, rr)
	}
	if err := zp.Err(); err != nil {
		return fmt.Errorf("parsing trust anchor file: %w", err)
	}
	s.Store(rrset)
	return nil
}

// String renders the store's contents for diagnostics, one anchor per line.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	for zone, byClass := range s.byZone {
		for class, a := range byClass {
			fmt.Fprintf(&b, "%s class=%d ds=%d dnskey=%d\n", zone, class, len(a.DS), len(a.DNSKEY))
		}
	}
	return b.String()
}
