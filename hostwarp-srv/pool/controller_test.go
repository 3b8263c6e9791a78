package pool

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort returns a port nothing listens on right now.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newTestController(t *testing.T, lo, hi int) (*Controller, *Manager) {
	t.Helper()
	m := newTestManager(t, lo, hi)
	defaults := config.DefaultConfig().Instance
	defaults.DialTimeoutSeconds = 2
	return NewController(m, defaults), m
}

func TestControllerStartReservesAndServes(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "served %s", r.Host)
	}))
	defer backend.Close()
	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)

	port := freePort(t)
	c, m := newTestController(t, port, port)

	started, err := c.Start(ProxyConfig{
		DNSOverrides: []proxy.DNSOverride{{Domain: "site.test", IP: "127.0.0.1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, port, started)
	assert.Equal(t, []int{port}, c.ListActive())
	assert.Empty(t, m.ReservedPorts())

	proxyURL, _ := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://site.test:%s/", backendURL.Port()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("served site.test:%s", backendURL.Port()), string(body))
}

func TestControllerStartAppliesToggles(t *testing.T) {
	port := freePort(t)
	c, m := newTestController(t, port, port)

	c.SetDefaults(config.InstanceConfig{
		Upstream:           config.UpstreamConfig{Type: config.UpstreamTypeHTTP, Host: "10.0.0.1", Port: 3128},
		FilterHeaders:      true,
		CookiesByDefault:   true,
		UserAgent:          "defaults-agent",
		DialTimeoutSeconds: 5,
	})

	useUpstream, cookies := true, false
	_, err := c.Start(ProxyConfig{Port: port, UseUpstream: &useUpstream, CookiesByDefault: &cookies})
	require.NoError(t, err)

	inst, ok := m.Get(port)
	require.True(t, ok)
	s := inst.Settings()
	assert.True(t, s.Upstream.Enabled)
	assert.False(t, s.CookiesByDefault)
	assert.True(t, s.FilterHeaders)
	assert.Equal(t, "defaults-agent", s.UserAgent)
	assert.Equal(t, 5*time.Second, s.DialTimeout)
}

func TestControllerStartActivePort(t *testing.T) {
	port := freePort(t)
	c, _ := newTestController(t, port, port)

	_, err := c.Start(ProxyConfig{Port: port})
	require.NoError(t, err)

	_, err = c.Start(ProxyConfig{Port: port})
	assert.ErrorIs(t, err, ErrPortActive)

	_, err = c.Start(ProxyConfig{})
	assert.ErrorIs(t, err, ErrNoFreePort)
}

func TestControllerStartBindFailureReleasesPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	c, _ := newTestController(t, port, port)
	_, err = c.Start(ProxyConfig{Port: port})
	require.Error(t, err)
	assert.Equal(t, proxy.ErrCodeListenerCreateFailed, proxy.ErrorCode(err))
	assert.Empty(t, c.ListActive())
}

func TestControllerStop(t *testing.T) {
	port := freePort(t)
	c, m := newTestController(t, port, port)

	_, err := c.Start(ProxyConfig{Port: port})
	require.NoError(t, err)
	inst, _ := m.Get(port)

	c.Stop(port + 1)
	assert.Equal(t, []int{port}, c.ListActive())

	c.Stop(port)
	assert.Empty(t, c.ListActive())
	assert.True(t, inst.IsStopped())

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	assert.Error(t, err)
}

func TestControllerReservePort(t *testing.T) {
	c, m := newTestController(t, 39000, 39010)
	port, err := c.ReservePort()
	require.NoError(t, err)
	assert.Equal(t, []int{port}, m.ReservedPorts())
}

func TestProxyConfigFromDefinition(t *testing.T) {
	pc := ProxyConfigFromDefinition(config.ProxyDefinition{
		Port:         8100,
		DNSOverrides: []config.DNSOverrideConfig{{Domain: "a.test", IP: "10.0.0.1"}},
	})
	assert.Equal(t, 8100, pc.Port)
	assert.Equal(t, []proxy.DNSOverride{{Domain: "a.test", IP: "10.0.0.1"}}, pc.DNSOverrides)
	assert.Nil(t, pc.UseUpstream)
}
