package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/google/uuid"
)

// drainTimeout bounds how long a closing session keeps reading from the
// client so the response is not lost to a reset.
const drainTimeout = 500 * time.Millisecond

const connectionEstablished = HTTPVersion + " 200 Connection established\r\n\r\n"

// SessionState is the lifecycle position of one client connection.
type SessionState int

const (
	StateStart SessionState = iota
	StateAwaitingTarget
	StateConnected
	StateRelaying
	StateClosed
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAwaitingTarget:
		return "AWAITING_TARGET"
	case StateConnected:
		return "CONNECTED"
	case StateRelaying:
		return "RELAYING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// session serves one accepted client connection. It exclusively owns the
// client and upstream connections.
type session struct {
	id       string
	inst     *Instance
	client   net.Conn
	clientIP string
	reader   *bufio.Reader
	settings *instanceSettings
	parser   *parser

	upstream *trackedConn
	current  string
	connID   int64
	relay    *relay
	state    SessionState
}

func newSession(inst *Instance, client net.Conn, settings *instanceSettings) *session {
	clientIP := client.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	// The local address is the listener address the client actually reached.
	self, _ := client.LocalAddr().(*net.TCPAddr)
	return &session{
		id:       uuid.NewString(),
		inst:     inst,
		client:   client,
		clientIP: clientIP,
		reader:   bufio.NewReaderSize(client, maxLineLength),
		settings: settings,
		parser:   newParser(settings, inst.resolver, self),
		state:    StateStart,
	}
}

func (s *session) setState(state SessionState) {
	if s.state == state {
		return
	}
	logger.Trace("%s", logger.WithRequestID(s.id, "%s -> %s", s.state, state))
	s.state = state
}

// run processes requests until the client goes away or a terminal status
// ends the session.
func (s *session) run(ctx context.Context) {
	defer s.cleanup()

	s.setState(StateAwaitingTarget)
	buf := new(bytes.Buffer)
	for {
		buf.Reset()
		n, req := s.parser.parse(ctx, s.reader, buf, s.current)
		s.inst.metrics.RequestParsed(req.Status.String())

		if n < 0 {
			s.finish(ctx, req)
			return
		}

		if req.Status == StatusNeedConnect {
			if err := s.connect(ctx, req); err != nil {
				logger.Debug("%s", logger.WithRequestID(s.id, "Connecting to %s failed: %v", req.Target.DialAddr, err))
				s.setState(StateError)
				s.respond(badGatewayResponse(req, s.inst.serverName(), err))
				return
			}
		}

		if req.Group == MethodTunnel {
			s.tunnel(ctx, req, buf)
			return
		}

		if _, err := s.upstream.Write(buf.Bytes()); err != nil {
			logger.Debug("%s", logger.WithRequestID(s.id, "Writing request to %s failed: %v", s.current, err))
			s.recordError(ctx, ErrCodeConnectionFailed, err.Error())
			s.setState(StateError)
			return
		}
		s.inst.addBytesWritten(int64(n))
		s.setState(StateRelaying)

		if req.BodyPending > 0 {
			sent, err := copyExactly(s.upstream, s.reader, req.BodyPending)
			s.inst.addBytesWritten(sent)
			if err != nil {
				logger.Debug("%s", logger.WithRequestID(s.id, "Streaming %d byte body to %s failed after %d bytes: %v",
					req.BodyPending, s.current, sent, err))
				s.recordError(ctx, ErrCodeHTTPRequestReadFailed, err.Error())
				s.setState(StateError)
				return
			}
		}

		if err := s.inst.collector.RecordHTTPRequest(ctx, s.connID, req.Method, req.URL, req.Target.Host); err != nil {
			logger.Debug("Failed to record HTTP request: %v", err)
		}
	}
}

// connect replaces the upstream connection with one to req's target.
func (s *session) connect(ctx context.Context, req *Request) error {
	s.closeUpstream("retarget")

	start := time.Now()
	conn, err := dialTarget(ctx, s.settings, req.Target)
	s.inst.metrics.ObserveDial(req.Target.Route.String(), time.Since(start), err)
	if err != nil {
		s.recordError(ctx, ErrorCode(err), err.Error())
		return err
	}

	id, err := s.inst.collector.StartConnection(ctx, s.id, s.clientIP, req.Target.Host, req.Target.Port, req.Target.Route.String())
	if err != nil {
		logger.Debug("Failed to record connection start: %v", err)
	}

	s.upstream = newTrackedConn(conn, s.inst.collector, id)
	s.current = req.Target.DialAddr
	s.connID = id
	s.setState(StateConnected)
	logger.Debug("%s", logger.WithRequestID(s.id, "Connected to %s via %s for %s", s.current, req.Target.Route, req.Target.Host))

	// Tunnels start their relay after the client was answered.
	if req.Group != MethodTunnel {
		s.relay = startRelay(s.upstream, s.client, s.inst.addBytesRead)
	}
	return nil
}

// tunnel switches the session into opaque pass-through. Only an HTTP
// upstream proxy gets the CONNECT request itself; everyone else is answered
// locally.
func (s *session) tunnel(ctx context.Context, req *Request, head *bytes.Buffer) {
	if req.Target.Route == RouteUpstream {
		if _, err := s.upstream.Write(head.Bytes()); err != nil {
			s.recordError(ctx, ErrCodeHTTPProxyDialFailed, err.Error())
			s.setState(StateError)
			return
		}
		s.inst.addBytesWritten(int64(head.Len()))
	} else if _, err := io.WriteString(s.client, connectionEstablished); err != nil {
		s.setState(StateError)
		return
	}

	if s.relay == nil {
		s.relay = startRelay(s.upstream, s.client, s.inst.addBytesRead)
	}
	s.setState(StateRelaying)

	// The reader may already hold bytes the client sent after the CONNECT head.
	n, err := copyBuffer(s.upstream, s.reader)
	s.inst.addBytesWritten(n)
	if err != nil {
		logger.Trace("%s", logger.WithRequestID(s.id, "Tunnel client side ended: %v", err))
	}

	_ = s.upstream.CloseWrite()
	_ = s.upstream.SetReadDeadline(time.Now().Add(s.settings.DialTimeout))
	s.relay.wait()
}

// finish answers a terminal status locally.
func (s *session) finish(ctx context.Context, req *Request) {
	switch req.Status {
	case StatusConnectionClosed:
		s.setState(StateClosed)
		return
	case StatusURLBlocked:
		logger.Info("%s", logger.WithRequestID(s.id, "Blocked %s from %s: %s", req.URL, s.clientIP, req.Reason))
		if err := s.inst.collector.RecordBlockedRequest(ctx, s.clientIP, req.Target.Host, req.Reason); err != nil {
			logger.Debug("Failed to record blocked request: %v", err)
		}
	case StatusClientError, StatusHostNotFound, StatusNotSupported, StatusInternalError,
		StatusEntityTooLarge, StatusLengthRequired:
		logger.Debug("%s", logger.WithRequestID(s.id, "%s for %q: %s", req.Status, req.URL, req.Reason))
	case StatusFileRequest, StatusMovedPermanently, StatusOptionsToSelf:
		logger.Trace("%s", logger.WithRequestID(s.id, "%s %s answered by the proxy", req.Method, req.Path))
	case StatusOK, StatusNeedConnect:
		return
	}

	var page statusPage
	if req.Status == StatusFileRequest {
		page = s.inst.statusPage(ctx)
	}
	resp := responseFor(req, s.inst.serverName(), page)
	if resp != nil {
		s.respond(resp)
	}
	s.setState(StateClosed)
}

// respond stops any relay, writes resp and closes the client gracefully.
func (s *session) respond(resp *response) {
	s.closeUpstream("local response")

	if _, err := resp.WriteTo(s.client); err != nil {
		logger.Debug("%s", logger.WithRequestID(s.id, "Writing response failed: %v", err))
		return
	}
	if cw, ok := s.client.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = s.client.SetReadDeadline(time.Now().Add(drainTimeout))
	_, _ = io.Copy(io.Discard, io.LimitReader(s.client, DefaultBufferSize))
}

// closeUpstream stops the relay and closes the upstream connection, leaving
// the client open.
func (s *session) closeUpstream(reason string) {
	if s.upstream == nil {
		return
	}
	s.upstream.setCloseReason(reason)
	if s.relay != nil {
		s.relay.stop()
		s.relay = nil
	}
	_ = s.upstream.Close()
	s.upstream = nil
	s.current = ""
	s.connID = 0
}

func (s *session) recordError(ctx context.Context, code, msg string) {
	if err := s.inst.collector.RecordError(ctx, s.connID, code, msg); err != nil {
		logger.Debug("Failed to record error: %v", err)
	}
}

func (s *session) cleanup() {
	if s.state != StateError {
		s.setState(StateClosed)
	}
	if s.upstream != nil {
		s.upstream.setCloseReason("session closed")
		if s.relay != nil {
			s.relay.detach()
		}
		_ = s.upstream.Close()
		if s.relay != nil {
			s.relay.wait()
		}
	}
	_ = s.client.Close()
}
