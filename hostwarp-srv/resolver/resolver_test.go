package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
)

type staticResolver struct {
	addrs []net.IPAddr
	err   error
	calls int
}

func (s *staticResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	s.calls++
	return s.addrs, s.err
}

func TestLookupFirstLiteral(t *testing.T) {
	r := &staticResolver{}
	ip, err := LookupFirst(context.Background(), r, "192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", ip.String())
	assert.Equal(t, 0, r.calls)

	ip, err = LookupFirst(context.Background(), r, "::1")
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())
}

func TestLookupFirstPrefersIPv4(t *testing.T) {
	r := &staticResolver{addrs: []net.IPAddr{
		{IP: net.ParseIP("2001:db8::1")},
		{IP: net.ParseIP("198.51.100.4")},
	}}
	ip, err := LookupFirst(context.Background(), r, "dual.example")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4", ip.String())

	r.addrs = r.addrs[:1]
	ip, err = LookupFirst(context.Background(), r, "v6only.example")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip.String())
}

func TestLookupFirstErrors(t *testing.T) {
	_, err := LookupFirst(context.Background(), &staticResolver{}, "empty.example")
	assert.ErrorIs(t, err, ErrNoAddress)

	boom := errors.New("boom")
	_, err = LookupFirst(context.Background(), &staticResolver{err: boom}, "fail.example")
	assert.ErrorIs(t, err, boom)
}

func TestNewSystemResolver(t *testing.T) {
	r := New(config.DNSConfig{Enabled: false})
	require.NotNil(t, r)
	assert.True(t, r.PreferGo)
	assert.Nil(t, r.Dial)

	r = New(config.DNSConfig{Enabled: true})
	assert.Nil(t, r.Dial)
}

func TestCustomResolverRoundRobin(t *testing.T) {
	// Two TCP listeners stand in for DNS servers; only the dial is checked
	var addrs []string
	accepted := make(chan string, 4)
	for i := 0; i < 2; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		addrs = append(addrs, ln.Addr().String())
		go func(ln net.Listener) {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				accepted <- ln.Addr().String()
				c.Close()
			}
		}(ln)
	}

	d := &serverDialer{servers: []config.DNSServerConfig{
		{Address: addrs[0], Type: config.DNSTypeTCP, TimeoutSeconds: 1},
		{Address: addrs[1], Type: config.DNSTypeTCP, TimeoutSeconds: 1},
	}}

	for i := 0; i < 2; i++ {
		c, err := d.Dial(context.Background(), "udp", "ignored:53")
		require.NoError(t, err)
		c.Close()
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case a := <-accepted:
			got[a] = true
		case <-time.After(2 * time.Second):
			t.Fatal("dns server not dialed")
		}
	}
	assert.True(t, got[addrs[0]])
	assert.True(t, got[addrs[1]])
}

func TestDialUnsupportedType(t *testing.T) {
	d := &serverDialer{servers: []config.DNSServerConfig{{Address: "127.0.0.1:53", Type: "doh"}}}
	_, err := d.Dial(context.Background(), "udp", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported DNS server type")
}

func TestHolderUpdate(t *testing.T) {
	h := NewHolder(config.DNSConfig{})
	first := h.resolver.Load()

	h.Update(config.DNSConfig{})
	assert.Same(t, first, h.resolver.Load())

	h.Update(config.DNSConfig{Enabled: true, Servers: []config.DNSServerConfig{
		{Address: "127.0.0.1:53", Type: config.DNSTypeUDP, TimeoutSeconds: 1},
	}})
	assert.NotSame(t, first, h.resolver.Load())
	assert.NotNil(t, h.resolver.Load().Dial)

	addrs, err := h.LookupIPAddr(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
}
