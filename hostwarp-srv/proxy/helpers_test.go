package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// staticResolver answers lookups from a fixed table.
type staticResolver map[string]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

func testSettings() Settings {
	return Settings{
		CookiesByDefault: true,
		DialTimeout:      2 * time.Second,
	}
}

// startInstance runs an instance on a free loopback port until the test ends.
func startInstance(t *testing.T, settings Settings, opts ...Option) *Instance {
	t.Helper()
	opts = append([]Option{WithBindAddress("127.0.0.1")}, opts...)
	inst := NewInstance(0, settings, opts...)
	require.NoError(t, inst.Listen())

	done := make(chan error, 1)
	go func() { done <- inst.Serve() }()
	t.Cleanup(func() {
		inst.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("instance did not stop")
		}
	})
	return inst
}

// dialInstance connects a raw client to inst.
func dialInstance(t *testing.T, inst *Instance) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", inst.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
