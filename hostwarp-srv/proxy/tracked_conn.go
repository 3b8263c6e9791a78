package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/codefionn/hostwarp/hostwarp-srv/stats"
)

// trackedConn wraps an upstream connection and reports its byte counts to
// the statistics collector when it is closed.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	startTime     time.Time
	closeReason   atomic.Value
	endOnce       sync.Once
}

func newTrackedConn(conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
	}
	return n, err
}

// setCloseReason overrides the reason stored with the connection record.
func (c *trackedConn) setCloseReason(reason string) {
	c.closeReason.Store(reason)
}

// Close closes the connection and records the final statistics once.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.endOnce.Do(func() {
		reason := "normal"
		if r, ok := c.closeReason.Load().(string); ok {
			reason = r
		}
		if recErr := c.collector.EndConnection(context.Background(), c.connectionID,
			c.bytesSent.Load(), c.bytesReceived.Load(), time.Since(c.startTime), reason); recErr != nil {
			logger.Debug("Failed to record end of connection %d: %v", c.connectionID, recErr)
		}
	})
	return err
}

// CloseWrite half-closes the connection when the underlying conn supports it.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
