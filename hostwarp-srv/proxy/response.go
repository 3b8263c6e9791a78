package proxy

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"

	"github.com/codefionn/hostwarp/hostwarp-srv/stats"
)

// allowedMethods is advertised on 501 responses and OPTIONS to the proxy.
const allowedMethods = "GET, HEAD, POST, PUT, DELETE, CONNECT"

// response is a locally generated reply. Every response closes the client
// connection.
type response struct {
	code     int
	errCode  string
	location string
	allow    bool
	body     []byte
	headOnly bool
	server   string
}

// WriteTo serialises the response in HTTP/1.1 wire format.
func (r *response) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", HTTPVersion, r.code, http.StatusText(r.code))
	fmt.Fprintf(&buf, "Server: %s\r\n", r.server)
	buf.WriteString("Cache-Control: no-cache, must-revalidate\r\n")
	buf.WriteString("Connection: close\r\n")
	if r.location != "" {
		fmt.Fprintf(&buf, "Location: %s\r\n", r.location)
	}
	if r.allow {
		fmt.Fprintf(&buf, "Allow: %s\r\n", allowedMethods)
	}
	if r.errCode != "" {
		fmt.Fprintf(&buf, "X-Proxy-Error: %s\r\n", r.errCode)
	}
	if len(r.body) > 0 {
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	}
	buf.WriteString("Content-Length: " + strconv.Itoa(len(r.body)) + "\r\n\r\n")
	if !r.headOnly {
		buf.Write(r.body)
	}
	return buf.WriteTo(w)
}

// statusPage is what the proxy reports about itself on GET /.
type statusPage struct {
	Port              int
	ActiveConnections int64
	TotalConnections  int64
	BytesRead         int64
	BytesWritten      int64
	Route             string
	Overrides         int
	Recorded          *stats.OverviewStats // nil when the collector could not answer
}

// responseFor builds the local reply for a terminal status. It returns nil
// for statuses that are answered by closing the connection.
func responseFor(req *Request, server string, page statusPage) *response {
	resp := &response{server: server, headOnly: req.Method == "HEAD"}

	code := req.ErrCode
	if code == "" {
		code = statusErrorCode(req.Status)
	}

	switch req.Status {
	case StatusClientError:
		resp.code = http.StatusBadRequest
	case StatusHostNotFound:
		resp.code = http.StatusGatewayTimeout
	case StatusInternalError:
		resp.code = http.StatusInternalServerError
	case StatusNotSupported:
		resp.code = http.StatusNotImplemented
		resp.allow = true
	case StatusURLBlocked:
		resp.code = http.StatusForbidden
	case StatusEntityTooLarge:
		resp.code = http.StatusRequestEntityTooLarge
	case StatusLengthRequired:
		resp.code = http.StatusLengthRequired
	case StatusOptionsToSelf:
		resp.code = http.StatusOK
		resp.allow = true
		return resp
	case StatusMovedPermanently:
		resp.code = http.StatusMovedPermanently
		resp.location = req.Location
		return resp
	case StatusFileRequest:
		if req.Path != "/" {
			resp.code = http.StatusNotFound
			resp.body = errorPage(resp.code, req.URL, "No such page on this proxy", "")
			return resp
		}
		resp.code = http.StatusOK
		resp.body = renderStatusPage(server, page)
		return resp
	case StatusOK, StatusNeedConnect, StatusConnectionClosed:
		return nil
	default:
		resp.code = http.StatusInternalServerError
	}

	resp.errCode = code
	reason := req.Reason
	if reason == "" {
		reason = GetErrorDescription(code)
	}
	resp.body = errorPage(resp.code, req.URL, reason, code)
	return resp
}

// badGatewayResponse is sent when the upstream connection cannot be opened.
func badGatewayResponse(req *Request, server string, err error) *response {
	code := ErrorCode(err)
	return &response{
		code:     http.StatusBadGateway,
		errCode:  code,
		server:   server,
		headOnly: req.Method == "HEAD",
		body:     errorPage(http.StatusBadGateway, req.URL, err.Error(), code),
	}
}

func errorPage(status int, url, reason, errCode string) []byte {
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	codeLine := ""
	if errCode != "" {
		codeLine = fmt.Sprintf("\n        <p><span class=\"error-code\">Error Code:</span> %s</p>", errCode)
	}
	return fmt.Appendf(nil, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; background-color: #f4f4f4; color: #333; }
        .container { background-color: #fff; padding: 20px; border-radius: 5px; box-shadow: 0 0 10px rgba(0,0,0,0.1); }
        h1 { color: #d9534f; }
        .error-code { font-weight: bold; color: #c9302c; }
    </style>
</head>
<body>
    <div class="container">
        <h1>%s</h1>
        <p><span class="error-code">URL:</span> %s</p>
        <p><span class="error-code">Reason:</span> %s</p>%s
    </div>
</body>
</html>
`, title, title, html.EscapeString(url), html.EscapeString(reason), codeLine)
}

func renderStatusPage(server string, p statusPage) []byte {
	recorded := ""
	if o := p.Recorded; o != nil {
		recorded = fmt.Sprintf(`
    <h2>Recorded statistics</h2>
    <table>
        <tr><td>Connections</td><td>%d</td></tr>
        <tr><td>Open connections</td><td>%d</td></tr>
        <tr><td>Requests</td><td>%d</td></tr>
        <tr><td>Errors</td><td>%d</td></tr>
        <tr><td>Blocked requests</td><td>%d</td></tr>
        <tr><td>Bytes sent</td><td>%d</td></tr>
        <tr><td>Bytes received</td><td>%d</td></tr>
    </table>`, o.TotalConnections, o.ActiveConnections, o.TotalRequests, o.TotalErrors,
			o.BlockedRequests, o.TotalBytesSent, o.TotalBytesRecv)
	}
	return fmt.Appendf(nil, `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <table>
        <tr><td>Port</td><td>%d</td></tr>
        <tr><td>Route</td><td>%s</td></tr>
        <tr><td>DNS overrides</td><td>%d</td></tr>
        <tr><td>Active connections</td><td>%d</td></tr>
        <tr><td>Total connections</td><td>%d</td></tr>
        <tr><td>Bytes from upstream</td><td>%d</td></tr>
        <tr><td>Bytes to upstream</td><td>%d</td></tr>
    </table>%s
</body>
</html>
`, html.EscapeString(server), html.EscapeString(server), p.Port, html.EscapeString(p.Route), p.Overrides,
		p.ActiveConnections, p.TotalConnections, p.BytesRead, p.BytesWritten, recorded)
}
