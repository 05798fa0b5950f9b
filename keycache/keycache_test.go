package keycache

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsmithuk/dnssecval/clock"
)

func newTestCache(t *testing.T, now time.Time) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := New(ctx, Options{Now: clock.Fixed(now)})
	t.Cleanup(c.Close)
	return c
}

func TestFind_LongestNameMatch(t *testing.T) {
	now := time.Now()
	c := newTestCache(t, now)

	c.Store(NewGood("com.", dns.ClassINET, nil, time.Hour, now))
	c.Store(NewGood("example.com.", dns.ClassINET, nil, time.Hour, now))

	ke, ok := c.Find("www.example.com.", dns.ClassINET)
	require.True(t, ok)
	assert.Equal(t, "example.com.", ke.Zone)
}

func TestFind_IgnoresExpiredEntries(t *testing.T) {
	now := time.Now()
	c := newTestCache(t, now)

	c.Store(NewGood("example.com.", dns.ClassINET, nil, time.Second, now))

	c2 := newTestCache(t, now.Add(2*time.Second))
	c2.Store(NewGood("example.com.", dns.ClassINET, nil, time.Second, now))
	_, ok := c2.Find("example.com.", dns.ClassINET)
	assert.False(t, ok)
}

func TestBadEntry_DefaultTTL(t *testing.T) {
	now := time.Now()
	ke := NewBad("example.com.", dns.ClassINET, 0, now, nil)
	assert.Equal(t, now.Add(DefaultBadTTL), ke.expires)
}

func TestStore_Overwrite(t *testing.T) {
	now := time.Now()
	c := newTestCache(t, now)

	c.Store(NewNull("example.com.", dns.ClassINET, time.Hour, now, nil))
	ke, ok := c.Find("example.com.", dns.ClassINET)
	require.True(t, ok)
	assert.Equal(t, Null, ke.Kind)

	c.Store(NewGood("example.com.", dns.ClassINET, nil, time.Hour, now))
	ke, ok = c.Find("example.com.", dns.ClassINET)
	require.True(t, ok)
	assert.Equal(t, Good, ke.Kind)
	assert.Equal(t, 1, c.Len())
}

func TestLRUEviction(t *testing.T) {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(ctx, Options{Now: clock.Fixed(now), MaxEntries: 2})
	defer c.Close()

	c.Store(NewGood("a.example.", dns.ClassINET, nil, time.Hour, now))
	c.Store(NewGood("b.example.", dns.ClassINET, nil, time.Hour, now))
	c.Store(NewGood("c.example.", dns.ClassINET, nil, time.Hour, now))

	assert.LessOrEqual(t, c.Len(), 2)
}
