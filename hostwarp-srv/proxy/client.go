package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"golang.org/x/net/proxy"
)

// dialTarget opens the upstream connection for a parsed request.
// It returns the established connection or a *Error.
func dialTarget(ctx context.Context, s *instanceSettings, t Target) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DialTimeout)
	defer cancel()

	if t.Route == RouteSocks {
		return dialSocks5(ctx, s.Upstream, t.DialAddr)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", t.DialAddr)
	if err != nil {
		code := dialErrorCode(err)
		if t.Route == RouteUpstream {
			code = ErrCodeHTTPProxyDialFailed
		}
		return nil, NewConnectionError(code, GetErrorDescription(code), fmt.Errorf("dial %s for %s: %w", t.DialAddr, t.Host, err))
	}
	logger.Trace("Connected to %s (%s) for %s", t.DialAddr, t.Route, t.Host)
	return conn, nil
}

// dialSocks5 establishes a connection to target through the configured SOCKS5 proxy.
func dialSocks5(ctx context.Context, upstream config.UpstreamConfig, target string) (net.Conn, error) {
	var auth *proxy.Auth
	if upstream.Username != nil {
		auth = &proxy.Auth{User: *upstream.Username}
		if upstream.Password != nil {
			auth.Password = *upstream.Password
		}
	}

	socksDialer, err := proxy.SOCKS5("tcp", upstream.Address(), auth, &net.Dialer{})
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed),
			fmt.Errorf("proxy %s: %w", upstream.Address(), err))
	}

	contextDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, NewProxyChainError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed),
			fmt.Errorf("proxy %s: dialer does not support contexts", upstream.Address()))
	}

	conn, err := contextDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, NewProxyChainError(ErrCodeSOCKS5ConnectFailed, GetErrorDescription(ErrCodeSOCKS5ConnectFailed),
			fmt.Errorf("target %s via SOCKS5 proxy %s: %w", target, upstream.Address(), err))
	}
	return conn, nil
}
