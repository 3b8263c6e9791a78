package proxy

import "strings"

// Status is the outcome of parsing one client request.
type Status int

const (
	// StatusOK means the request was parsed and the current upstream can carry it.
	StatusOK Status = iota
	// StatusNeedConnect means the request is valid but needs a new upstream connection.
	StatusNeedConnect
	StatusHostNotFound
	StatusClientError
	StatusNotSupported
	// StatusFileRequest means the proxy itself was addressed as an origin server.
	StatusFileRequest
	StatusConnectionClosed
	StatusInternalError
	StatusMovedPermanently
	StatusURLBlocked
	StatusOptionsToSelf
	// StatusEntityTooLarge means Content-Length exceeds the instance body limit.
	StatusEntityTooLarge
	// StatusLengthRequired means the body is framed by Transfer-Encoding
	// instead of Content-Length.
	StatusLengthRequired
)

// String returns the upper case name used in logs and metrics.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNeedConnect:
		return "NEED_CONNECT"
	case StatusHostNotFound:
		return "HOST_NOT_FOUND"
	case StatusClientError:
		return "CLIENT_ERROR"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusFileRequest:
		return "FILE_REQUEST"
	case StatusConnectionClosed:
		return "CONNECTION_CLOSED"
	case StatusInternalError:
		return "INTERNAL_SERVER_ERROR"
	case StatusMovedPermanently:
		return "MOVED_PERMANENTLY"
	case StatusURLBlocked:
		return "URL_BLOCKED"
	case StatusOptionsToSelf:
		return "OPTIONS_TO_SELF"
	case StatusEntityTooLarge:
		return "ENTITY_TOO_LARGE"
	case StatusLengthRequired:
		return "LENGTH_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the session must answer locally and close.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusNeedConnect:
		return false
	default:
		return true
	}
}

// MethodGroup classifies request methods by how the proxy treats them.
type MethodGroup int

// Method groups. DELETE and anything else unknown is MethodUnsupported.
const (
	MethodUnsupported MethodGroup = iota
	// MethodSafe covers GET and HEAD
	MethodSafe
	// MethodBody covers POST and PUT
	MethodBody
	// MethodTunnel is CONNECT
	MethodTunnel
	// MethodOptions is OPTIONS
	MethodOptions
)

var methodGroups = []struct {
	prefix string
	group  MethodGroup
}{
	{"GET ", MethodSafe},
	{"HEAD ", MethodSafe},
	{"POST ", MethodBody},
	{"PUT ", MethodBody},
	{"CONNECT ", MethodTunnel},
	{"OPTIONS ", MethodOptions},
}

// classifyMethod matches the request line case-sensitively against the known methods.
func classifyMethod(line string) (string, MethodGroup) {
	for _, m := range methodGroups {
		if strings.HasPrefix(line, m.prefix) {
			return strings.TrimSuffix(m.prefix, " "), m.group
		}
	}
	method, _, _ := strings.Cut(line, " ")
	return method, MethodUnsupported
}

// Route says how the upstream connection for a request is established.
type Route int

const (
	// RouteDirect dials the address found by ordinary name resolution.
	RouteDirect Route = iota
	// RouteOverride dials the IP from the instance's DNS override table.
	RouteOverride
	// RouteUpstream dials the configured HTTP upstream proxy.
	RouteUpstream
	// RouteSocks dials the logical host through the configured SOCKS5 proxy.
	RouteSocks
)

func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteOverride:
		return "override"
	case RouteUpstream:
		return "upstream"
	case RouteSocks:
		return "socks5"
	default:
		return "unknown"
	}
}
