package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/codefionn/hostwarp/hostwarp-srv/resolver"
)

// maxLineLength bounds a single request or header line.
const maxLineLength = 8 * 1024

// maxBufferedBody is the largest body copied into the forwarded request.
// Longer bodies stay in the reader and are streamed by the session.
const maxBufferedBody = DefaultBufferSize

var errLineTooLong = errors.New("line exceeds read buffer")

// Target is where a parsed request has to be delivered.
type Target struct {
	Host     string // logical host from the request, lower case
	Port     int
	DialAddr string // address the upstream connection is opened to
	Route    Route
}

// Request is the parser's view of one client request.
type Request struct {
	Status        Status
	Method        string
	Group         MethodGroup
	URL           string // request target exactly as received
	Path          string // origin-form path
	Version       string
	Target        Target
	Location      string // set with StatusMovedPermanently
	ErrCode       string // set with error statuses
	Reason        string // human readable, shown on error pages
	ContentLength int64
	BodyPending   int64 // body bytes left in the reader for the caller to stream
}

func (r *Request) fail(status Status, code, reason string) {
	r.Status = status
	r.ErrCode = code
	r.Reason = reason
}

// parseState is threaded through the parsing steps of one request.
type parseState struct {
	req         Request
	rawLine     string
	hasBody     bool
	viaUpstream bool // an HTTP upstream receives the absolute-form request
	toSelf      bool
}

// requestLine is the first line forwarded upstream. Only an HTTP upstream
// and tunnels get the line as received; origins get the origin form.
func (st *parseState) requestLine() string {
	if st.req.Group == MethodTunnel || st.viaUpstream {
		return st.rawLine
	}
	return st.req.Method + " " + st.req.Path + " " + st.req.Version
}

// parser turns a client byte stream into forwarded request bytes using one
// settings snapshot.
type parser struct {
	settings *instanceSettings
	resolver resolver.HostResolver
	self     *net.TCPAddr
}

func newParser(settings *instanceSettings, r resolver.HostResolver, self *net.TCPAddr) *parser {
	return &parser{settings: settings, resolver: r, self: self}
}

// parse reads one request from r and appends the bytes to forward to dst.
// current is the dial address of the session's open upstream connection, or
// "" when there is none. It returns the number of bytes appended, or -1 when
// the resulting status is terminal.
func (p *parser) parse(ctx context.Context, r *bufio.Reader, dst *bytes.Buffer, current string) (int, *Request) {
	st := &parseState{}
	start := dst.Len()

	line, err := readRequestLine(r)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			st.req.fail(StatusClientError, ErrCodeLineTooLong, "request line too long")
		} else {
			st.req.Status = StatusConnectionClosed
		}
		return -1, &st.req
	}

	p.parseRequestLine(st, line)
	if !st.req.Status.Terminal() && !st.toSelf {
		p.resolveTarget(ctx, st)
	}
	if !st.req.Status.Terminal() {
		dst.WriteString(st.requestLine())
		dst.WriteString("\r\n")
	}

	// Header lines are consumed even for terminal statuses so the client is
	// not reset before it reads the generated response.
	for {
		line, err := readLine(r)
		if err != nil {
			if !st.req.Status.Terminal() {
				if errors.Is(err, errLineTooLong) {
					st.req.fail(StatusClientError, ErrCodeLineTooLong, "header line too long")
				} else {
					st.req.fail(StatusClientError, ErrCodeHTTPRequestReadFailed, "connection closed inside the header block")
				}
			}
			break
		}
		if line == "" {
			break
		}
		if st.req.Status.Terminal() {
			continue
		}
		if out, keep := p.rewriteHeader(st, line); keep && !st.req.Status.Terminal() {
			dst.WriteString(out)
			dst.WriteString("\r\n")
		}
	}

	if st.req.Status.Terminal() {
		dst.Truncate(start)
		return -1, &st.req
	}
	dst.WriteString("\r\n")

	if err := readBody(r, dst, st); err != nil {
		dst.Truncate(start)
		st.req.fail(StatusClientError, ErrCodeHTTPRequestReadFailed,
			fmt.Sprintf("request body shorter than Content-Length %d", st.req.ContentLength))
		return -1, &st.req
	}

	if current == "" || current != st.req.Target.DialAddr {
		st.req.Status = StatusNeedConnect
	}
	return dst.Len() - start, &st.req
}

// readLine reads one LF terminated line and strips the line ending.
func readLine(r *bufio.Reader) (string, error) {
	b, err := r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", errLineTooLong
		}
		if errors.Is(err, io.EOF) && len(b) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	b = b[:len(b)-1]
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return string(b), nil
}

// readRequestLine skips the empty lines some clients send between requests.
func readRequestLine(r *bufio.Reader) (string, error) {
	for {
		line, err := readLine(r)
		if err != nil || line != "" {
			return line, err
		}
	}
}

// parseRequestLine classifies the method and extracts the target.
func (p *parser) parseRequestLine(st *parseState, line string) {
	req := &st.req
	st.rawLine = line
	req.Method, req.Group = classifyMethod(line)

	parts := strings.Fields(line)
	if len(parts) < 2 || len(parts) > 3 {
		req.fail(StatusClientError, ErrCodeMalformedRequest, "malformed request line")
		return
	}
	req.URL = parts[1]
	req.Version = "HTTP/1.0"
	if len(parts) == 3 {
		req.Version = parts[2]
	}
	if !strings.HasPrefix(req.Version, "HTTP/") {
		req.fail(StatusClientError, ErrCodeMalformedRequest, "invalid protocol version "+req.Version)
		return
	}

	if req.Group == MethodUnsupported {
		req.fail(StatusNotSupported, ErrCodeMethodNotSupported, fmt.Sprintf("method %s is not supported", req.Method))
		return
	}

	var (
		host string
		port int
		err  error
	)
	switch {
	case req.Group == MethodTunnel:
		host, port, err = splitHostPort(req.URL, 443)
	case len(req.URL) > 7 && strings.EqualFold(req.URL[:7], "http://"):
		var authority string
		authority, req.Path = splitAbsolute(req.URL[7:])
		host, port, err = splitHostPort(authority, 80)
	case strings.HasPrefix(req.URL, "/") || req.URL == "*":
		st.toSelf = true
		req.Path = req.URL
		p.bindSelf(st)
		return
	default:
		req.fail(StatusClientError, ErrCodeMalformedRequest, "unsupported request target "+req.URL)
		return
	}
	if err != nil {
		req.fail(StatusClientError, ErrCodeInvalidAddress, err.Error())
		return
	}
	req.Target.Host = strings.ToLower(host)
	req.Target.Port = port
}

// splitAbsolute splits "host[:port]/path?query" after the scheme.
func splitAbsolute(rest string) (authority, path string) {
	idx := strings.IndexAny(rest, "/?#")
	if idx < 0 {
		authority, path = rest, "/"
	} else {
		authority, path = rest[:idx], rest[idx:]
		if path[0] != '/' {
			path = "/" + path
		}
	}
	// user:password@host
	if at := strings.LastIndexByte(authority, '@'); at >= 0 {
		authority = authority[at+1:]
	}
	return authority, path
}

// splitHostPort accepts host, host:port, [v6] and [v6]:port.
func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	var host, portStr string

	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("missing ']' in address %q", hostport)
		}
		host = hostport[1:end]
		rest := hostport[end+1:]
		switch {
		case rest == "":
		case rest[0] == ':':
			portStr = rest[1:]
		default:
			return "", 0, fmt.Errorf("unexpected %q after IPv6 address", rest)
		}
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return "", 0, fmt.Errorf("invalid IPv6 address %q", host)
		}
	} else {
		host = hostport
		if idx := strings.LastIndexByte(hostport, ':'); idx >= 0 {
			host, portStr = hostport[:idx], hostport[idx+1:]
		}
		if strings.Contains(host, ":") {
			return "", 0, fmt.Errorf("IPv6 address %q must be bracketed", hostport)
		}
	}

	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", hostport)
	}
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// resolveTarget decides the route and dial address. Override, upstream and
// ordinary resolution are tried in that order.
func (p *parser) resolveTarget(ctx context.Context, st *parseState) {
	req := &st.req
	t := &req.Target
	s := p.settings

	blockKey := t.Host + req.Path
	if pattern, blocked := s.blocklist.Match(blockKey); blocked {
		req.fail(StatusURLBlocked, ErrCodeBlocklistMatch, fmt.Sprintf("%s matches blocklist entry %q", blockKey, pattern))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.DialTimeout)
	defer cancel()

	if mapped, ok := s.dnsTable[t.Host]; ok {
		ip, err := resolver.LookupFirst(ctx, p.resolver, mapped)
		if err != nil {
			req.fail(StatusHostNotFound, ErrCodeHostNotFound, fmt.Sprintf("override %s for %s: %v", mapped, t.Host, err))
			return
		}
		if p.isSelf(ip, t.Port) {
			p.bindSelf(st)
			return
		}
		t.Route = RouteOverride
		t.DialAddr = net.JoinHostPort(ip.String(), strconv.Itoa(t.Port))
		logger.Trace("Override %s -> %s", t.Host, t.DialAddr)
		return
	}

	if s.Upstream.Enabled {
		if ip := net.ParseIP(t.Host); (ip != nil && p.isSelf(ip, t.Port)) || (t.Host == "localhost" && p.isSelf(net.IPv4(127, 0, 0, 1), t.Port)) {
			p.bindSelf(st)
			return
		}
		if s.Upstream.Type == config.UpstreamTypeSocks5 {
			t.Route = RouteSocks
			t.DialAddr = net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
		} else {
			t.Route = RouteUpstream
			t.DialAddr = s.Upstream.Address()
			st.viaUpstream = true
		}
		return
	}

	ip, err := resolver.LookupFirst(ctx, p.resolver, t.Host)
	if err != nil {
		req.fail(StatusHostNotFound, ErrCodeHostNotFound, fmt.Sprintf("host %s not found", t.Host))
		logger.Debug("Resolving %s failed: %v", t.Host, err)
		return
	}
	if p.isSelf(ip, t.Port) {
		p.bindSelf(st)
		return
	}
	t.Route = RouteDirect
	t.DialAddr = net.JoinHostPort(ip.String(), strconv.Itoa(t.Port))
}

// isSelf reports whether ip:port is this instance's listener.
func (p *parser) isSelf(ip net.IP, port int) bool {
	if p.self == nil || port != p.self.Port {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.Equal(p.self.IP)
}

// bindSelf classifies a request addressed to the proxy as an origin server.
func (p *parser) bindSelf(st *parseState) {
	req := &st.req
	st.toSelf = true
	if p.self != nil {
		req.Target.DialAddr = p.self.String()
		req.Target.Port = p.self.Port
	}
	if req.Path == "" {
		req.Path = "/"
	}

	switch req.Group {
	case MethodSafe:
		if req.Path == "/index.html" {
			req.Status = StatusMovedPermanently
			req.Location = "/"
			return
		}
		req.Status = StatusFileRequest
	case MethodOptions:
		req.Status = StatusOptionsToSelf
	case MethodBody, MethodTunnel, MethodUnsupported:
		req.fail(StatusInternalError, ErrCodeSelfRequest,
			fmt.Sprintf("%s is not allowed on the proxy itself", req.Method))
	}
}

// rewriteHeader applies the header rules to one line. It returns the line to
// forward and whether to forward it at all.
func (p *parser) rewriteHeader(st *parseState, line string) (string, bool) {
	if st.req.Group == MethodTunnel {
		return line, true
	}

	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return line, true
	}
	name = strings.TrimSpace(name)

	switch {
	case strings.EqualFold(name, "Content-Length"):
		digits := strings.TrimSpace(value)
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil || digits == "" || strings.IndexFunc(digits, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
			st.req.fail(StatusClientError, ErrCodeInvalidContentLength, fmt.Sprintf("invalid Content-Length %q", digits))
			return "", false
		}
		if st.hasBody {
			// A repeated header must agree; only one copy is forwarded.
			if n != st.req.ContentLength {
				st.req.fail(StatusClientError, ErrCodeInvalidContentLength,
					fmt.Sprintf("conflicting Content-Length values %d and %d", st.req.ContentLength, n))
			}
			return "", false
		}
		if limit := p.settings.MaxBodyBytes; limit > 0 && n > limit {
			st.req.fail(StatusEntityTooLarge, ErrCodeBodyTooLarge,
				fmt.Sprintf("request body of %d bytes exceeds the limit of %d bytes", n, limit))
			return "", false
		}
		st.req.ContentLength = n
		st.hasBody = true
		return line, true

	case strings.EqualFold(name, "Transfer-Encoding"):
		st.req.fail(StatusLengthRequired, ErrCodeTransferEncoding,
			fmt.Sprintf("Transfer-Encoding %q is not supported, send Content-Length", strings.TrimSpace(value)))
		return "", false

	case strings.EqualFold(name, "Proxy-Connection"):
		if !st.viaUpstream {
			return "", false
		}
		return "Proxy-Connection: Keep-Alive", true

	case strings.EqualFold(name, "Cookie"):
		return line, p.settings.CookiesByDefault

	case p.settings.FilterHeaders && strings.EqualFold(name, "Referer"):
		return "", false

	case p.settings.FilterHeaders && strings.EqualFold(name, "User-Agent"):
		return "User-Agent: " + p.settings.UserAgent, true

	default:
		return line, true
	}
}

// readBody appends exactly Content-Length bytes when the body is small.
// A larger body is left in r and announced through BodyPending. Bytes after
// the body stay in r for the next request.
func readBody(r *bufio.Reader, dst *bytes.Buffer, st *parseState) error {
	if !st.hasBody || st.req.ContentLength == 0 {
		return nil
	}
	if st.req.ContentLength > maxBufferedBody {
		st.req.BodyPending = st.req.ContentLength
		return nil
	}
	_, err := io.CopyN(dst, r, st.req.ContentLength)
	return err
}
