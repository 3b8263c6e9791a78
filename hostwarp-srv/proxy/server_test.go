package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	go_socks5 "github.com/armon/go-socks5"
	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/stats"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxyClient(inst *Instance) *http.Client {
	proxyURL, _ := url.Parse("http://" + inst.Addr().String())
	return &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   5 * time.Second,
	}
}

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func getBody(t *testing.T, client *http.Client, target string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestInstanceDNSOverride(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "host=%s path=%s", r.Host, r.URL.Path)
	}))
	defer backend.Close()
	port := backendPort(t, backend)

	collector := stats.NewMemoryCollector()
	settings := testSettings()
	settings.DNSOverrides = []DNSOverride{{Domain: "app.test", IP: "127.0.0.1"}}
	inst := startInstance(t, settings, WithCollector(collector), WithResolver(staticResolver{}))

	client := proxyClient(inst)
	target := fmt.Sprintf("http://app.test:%d", port)

	resp, body := getBody(t, client, target+"/hello")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("host=app.test:%d path=/hello", port), body)

	_, body = getBody(t, client, target+"/again")
	assert.Contains(t, body, "path=/again")

	assert.Equal(t, int64(1), inst.TotalConnections(), "persistent client connection is reused")
	assert.Positive(t, inst.BytesWritten())
	assert.Positive(t, inst.BytesRead())

	assert.Eventually(t, func() bool { return len(collector.Requests()) == 2 }, 2*time.Second, 10*time.Millisecond)
	conns := collector.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "override", conns[0].Route)
	assert.Equal(t, "app.test", conns[0].TargetHost)
}

func TestInstanceReconnectsOnNewTarget(t *testing.T) {
	newBackend := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, name)
		}))
	}
	first, second := newBackend("first"), newBackend("second")
	defer first.Close()
	defer second.Close()

	inst := startInstance(t, testSettings())
	conn := dialInstance(t, inst)
	reader := bufio.NewReader(conn)

	for _, tc := range []struct {
		srv  *httptest.Server
		want string
	}{{first, "first"}, {second, "second"}} {
		_, err := fmt.Fprintf(conn, "GET %s/ HTTP/1.1\r\nHost: %s\r\n\r\n", tc.srv.URL, strings.TrimPrefix(tc.srv.URL, "http://"))
		require.NoError(t, err)
		resp, err := http.ReadResponse(reader, nil)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(body))
	}
}

// startEchoServer echoes every byte back on each accepted connection.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestInstanceConnectTunnel(t *testing.T) {
	echoAddr := startEchoServer(t)
	inst := startInstance(t, testSettings())
	conn := dialInstance(t, inst)

	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", echoAddr, echoAddr)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	ack := make([]byte, len(connectionEstablished))
	_, err = io.ReadFull(reader, ack)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection established\r\n\r\n", string(ack))

	// Anything after the acknowledgement is opaque, including HTTP-looking lines.
	payload := "DELETE http://nowhere/ HTTP/1.1\r\n\r\n\x00\x01binary"
	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)

	echoed := make([]byte, len(payload))
	_, err = io.ReadFull(reader, echoed)
	require.NoError(t, err)
	assert.Equal(t, payload, string(echoed))
}

var upgrader = websocket.Upgrader{}

func TestInstanceWebSocketOverConnect(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer backend.Close()

	inst := startInstance(t, testSettings())
	proxyURL, _ := url.Parse("http://" + inst.Addr().String())
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyURL(proxyURL),
		HandshakeTimeout: 5 * time.Second,
	}

	wsConn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(backend.URL, "http")+"/ws", nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	defer wsConn.Close()

	require.NoError(t, wsConn.WriteMessage(websocket.TextMessage, []byte("hello through hostwarp")))
	mt, msg, err := wsConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello through hostwarp", string(msg))
}

func TestInstanceSocks5Upstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "via socks")
	}))
	defer backend.Close()

	socksServer, err := go_socks5.New(&go_socks5.Config{})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() { _ = socksServer.Serve(ln) }()

	settings := testSettings()
	settings.Upstream = config.UpstreamConfig{
		Enabled: true,
		Type:    config.UpstreamTypeSocks5,
		Host:    "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
	}
	inst := startInstance(t, settings)

	resp, body := getBody(t, proxyClient(inst), backend.URL+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "via socks", body)
}

func TestInstanceHTTPUpstream(t *testing.T) {
	// The upstream proxy receives absolute-form requests for hosts nobody resolves.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "upstream saw %s %s", r.Method, r.URL.String())
	}))
	defer upstream.Close()

	settings := testSettings()
	settings.Upstream = config.UpstreamConfig{
		Enabled: true,
		Type:    config.UpstreamTypeHTTP,
		Host:    "127.0.0.1",
		Port:    backendPort(t, upstream),
	}
	inst := startInstance(t, settings, WithResolver(staticResolver{}))

	resp, body := getBody(t, proxyClient(inst), "http://nowhere.test/path?q=1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream saw GET http://nowhere.test/path?q=1", body)
}

// rawExchange sends raw on a fresh client connection and parses the reply.
func rawExchange(t *testing.T, inst *Instance, raw string) (*http.Response, string) {
	t.Helper()
	conn := dialInstance(t, inst)
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)

	method, _, _ := strings.Cut(raw, " ")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: method})
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestInstanceBlockedURL(t *testing.T) {
	collector := stats.NewMemoryCollector()
	settings := testSettings()
	settings.Blocklist = []string{"ads.example"}
	inst := startInstance(t, settings, WithCollector(collector))

	resp, body := rawExchange(t, inst, "GET http://ads.example/banner HTTP/1.1\r\nHost: ads.example\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeBlocklistMatch, resp.Header.Get("X-Proxy-Error"))
	assert.Contains(t, body, "http://ads.example/banner")

	blocked := collector.Blocked()
	require.Len(t, blocked, 1)
	assert.Equal(t, "ads.example", blocked[0].TargetHost)
	assert.Equal(t, "127.0.0.1", blocked[0].ClientIP)
}

func TestInstanceUnsupportedMethod(t *testing.T) {
	inst := startInstance(t, testSettings())
	resp, _ := rawExchange(t, inst, "DELETE http://example.org/ HTTP/1.1\r\nHost: example.org\r\n\r\n")
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, "GET, HEAD, POST, PUT, DELETE, CONNECT", resp.Header.Get("Allow"))
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestInstanceStreamsLargeBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := io.Copy(io.Discard, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "%s %d", r.URL.Path, n)
	}))
	defer backend.Close()

	settings := testSettings()
	settings.MaxBodyBytes = 4 << 20
	inst := startInstance(t, settings)
	client := proxyClient(inst)

	body := bytes.Repeat([]byte("0123456789abcdef"), (1<<20)/16)
	resp, err := client.Post(backend.URL+"/upload", "application/octet-stream", bytes.NewReader(body))
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("/upload %d", len(body)), string(got))
	assert.Eventually(t, func() bool { return inst.BytesWritten() >= int64(len(body)) }, time.Second, 10*time.Millisecond)

	// The connection stays usable after a streamed body.
	_, text := getBody(t, client, backend.URL+"/after")
	assert.Equal(t, "/after 0", text)
	assert.Equal(t, int64(1), inst.TotalConnections())
}

func TestInstanceRejectsOversizedBody(t *testing.T) {
	var hits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer backend.Close()

	settings := testSettings()
	settings.MaxBodyBytes = 1024
	inst := startInstance(t, settings)

	resp, body := rawExchange(t, inst, fmt.Sprintf(
		"POST %s/ HTTP/1.1\r\nContent-Length: 1073741824\r\n\r\n%s", backend.URL, strings.Repeat("x", 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Equal(t, ErrCodeBodyTooLarge, resp.Header.Get("X-Proxy-Error"))
	assert.Contains(t, body, "exceeds the limit of 1024 bytes")
	assert.Zero(t, hits.Load())
}

func TestInstanceRejectsChunkedBody(t *testing.T) {
	inst := startInstance(t, testSettings())
	resp, _ := rawExchange(t, inst,
		"POST http://example.org/ HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n")
	assert.Equal(t, http.StatusLengthRequired, resp.StatusCode)
	assert.Equal(t, ErrCodeTransferEncoding, resp.Header.Get("X-Proxy-Error"))
}

func TestInstanceStatusPage(t *testing.T) {
	inst := startInstance(t, testSettings(), WithVersion("1.2.3"))

	resp, body := rawExchange(t, inst, "GET / HTTP/1.1\r\nHost: proxy\r\n\r\n")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hostwarp/1.2.3", resp.Header.Get("Server"))
	assert.Contains(t, body, fmt.Sprintf("<td>%d</td>", inst.Port()))

	resp, _ = rawExchange(t, inst, fmt.Sprintf("GET http://%s/ HTTP/1.1\r\n\r\n", inst.Addr()))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = rawExchange(t, inst, "GET /index.html HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, _ = rawExchange(t, inst, "POST / HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestInstanceStatusPageShowsRecordedStatistics(t *testing.T) {
	collector := stats.NewMemoryCollector()
	settings := testSettings()
	settings.Blocklist = []string{"ads.example"}
	inst := startInstance(t, settings, WithCollector(collector))

	resp, _ := rawExchange(t, inst, "GET http://ads.example/ HTTP/1.1\r\n\r\n")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, body := rawExchange(t, inst, "GET / HTTP/1.1\r\n\r\n")
	assert.Contains(t, body, "Recorded statistics")
	assert.Contains(t, body, "<tr><td>Blocked requests</td><td>1</td></tr>")
}

func TestInstanceDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	settings := testSettings()
	settings.DNSOverrides = []DNSOverride{{Domain: "down.test", IP: "127.0.0.1"}}
	inst := startInstance(t, settings)

	resp, body := rawExchange(t, inst, fmt.Sprintf("GET http://down.test:%d/ HTTP/1.1\r\n\r\n", closedPort))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeConnectionRefused, resp.Header.Get("X-Proxy-Error"))
	assert.Contains(t, body, "down.test")
}

func TestInstanceHostNotFound(t *testing.T) {
	inst := startInstance(t, testSettings(), WithResolver(staticResolver{}))
	resp, body := rawExchange(t, inst, "GET http://unknown.test/ HTTP/1.1\r\n\r\n")
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Contains(t, body, "host unknown.test not found")
}

func TestInstanceLifecycle(t *testing.T) {
	inst := NewInstance(0, testSettings(), WithBindAddress("127.0.0.1"))
	assert.Nil(t, inst.Addr())
	assert.Error(t, inst.Serve())

	require.NoError(t, inst.Listen())
	assert.Equal(t, ErrCodeAlreadyListening, ErrorCode(inst.Listen()))

	other := NewInstance(inst.Port(), testSettings(), WithBindAddress("127.0.0.1"))
	assert.Equal(t, ErrCodeListenerCreateFailed, ErrorCode(other.Listen()))

	done := make(chan error, 1)
	go func() { done <- inst.Serve() }()
	assert.Eventually(t, inst.IsRunning, time.Second, 5*time.Millisecond)

	inst.Stop()
	inst.Stop()
	require.NoError(t, <-done)
	assert.True(t, inst.IsStopped())
	assert.False(t, inst.IsRunning())
	assert.Equal(t, ErrCodeInstanceStopped, ErrorCode(inst.Listen()))

	_, err := net.DialTimeout("tcp", inst.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestInstanceStopLetsSessionsDrain(t *testing.T) {
	echoAddr := startEchoServer(t)
	inst := NewInstance(0, testSettings(), WithBindAddress("127.0.0.1"))
	require.NoError(t, inst.Listen())
	go func() { _ = inst.Serve() }()

	conn := dialInstance(t, inst)
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\n\r\n", echoAddr)
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	ack := make([]byte, len(connectionEstablished))
	_, err = io.ReadFull(reader, ack)
	require.NoError(t, err)

	inst.Stop()

	_, err = io.WriteString(conn, "still here")
	require.NoError(t, err)
	buf := make([]byte, len("still here"))
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf))
	assert.Equal(t, int64(1), inst.ActiveConnections())
}

func TestInstanceSettingsCopyOnWrite(t *testing.T) {
	inst := NewInstance(0, testSettings())
	before := inst.settings.Load()

	inst.SetDNSOverrides([]DNSOverride{{Domain: "A.test", IP: "10.0.0.1"}})
	inst.SetFilterHeaders(true)
	inst.SetCookiesByDefault(false)
	inst.SetUserAgent("agent")
	inst.SetUseUpstream(true)
	inst.SetBlocklist([]string{"bad"})

	assert.Empty(t, before.dnsTable, "earlier snapshots are not mutated")
	assert.Equal(t, map[string]string{"a.test": "10.0.0.1"}, inst.DNSOverrides())

	s := inst.Settings()
	assert.True(t, s.FilterHeaders)
	assert.False(t, s.CookiesByDefault)
	assert.Equal(t, "agent", s.UserAgent)
	assert.True(t, s.Upstream.Enabled)
	assert.Equal(t, []string{"bad"}, s.Blocklist)

	_, blocked := inst.settings.Load().blocklist.Match("very-bad.example")
	assert.True(t, blocked)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Instance
	cfg.Blocklist = []string{"x"}
	cfg.MaxBodyBytes = 2048
	s := SettingsFromConfig(cfg)
	assert.Equal(t, int64(2048), s.MaxBodyBytes)
	assert.Equal(t, time.Duration(cfg.DialTimeoutSeconds)*time.Second, s.DialTimeout)
	assert.Equal(t, cfg.UserAgent, s.UserAgent)
	assert.Equal(t, []string{"x"}, s.Blocklist)

	compiled := compileSettings(Settings{})
	assert.Equal(t, config.DefaultUserAgent, compiled.UserAgent)
	assert.Equal(t, 30*time.Second, compiled.DialTimeout)
}

func TestResolverDeadline(t *testing.T) {
	settings := testSettings()
	settings.DialTimeout = 50 * time.Millisecond
	p := newParser(compileSettings(settings), blockingResolver{}, nil)

	start := time.Now()
	st := &parseState{}
	st.req.Target = Target{Host: "slow.test", Port: 80}
	p.resolveTarget(context.Background(), st)
	assert.Equal(t, StatusHostNotFound, st.req.Status)
	assert.Less(t, time.Since(start), time.Second)
}

type blockingResolver struct{}

func (blockingResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
