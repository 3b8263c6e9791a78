package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCollectorClosed is returned by a MemoryCollector after Close.
var ErrCollectorClosed = errors.New("collector closed")

// ConnectionRecord is one connection as seen by a MemoryCollector.
type ConnectionRecord struct {
	ID            int64
	SessionID     string
	ClientIP      string
	TargetHost    string
	TargetPort    int
	Route         string
	StartedAt     time.Time
	Ended         bool
	BytesSent     int64
	BytesReceived int64
	CloseReason   string
}

// HTTPRequestRecord is one forwarded request.
type HTTPRequestRecord struct {
	ConnectionID int64
	Method       string
	URL          string
	Host         string
}

// BlockedRecord is one blocked request.
type BlockedRecord struct {
	ClientIP   string
	TargetHost string
	Reason     string
}

// MemoryCollector keeps every record in memory. Tests and short-lived
// deployments use it where a database would be overkill.
type MemoryCollector struct {
	nextID atomic.Int64
	closed atomic.Bool

	mu          sync.Mutex
	connections map[int64]*ConnectionRecord
	requests    []HTTPRequestRecord
	errors      int64
	blocked     []BlockedRecord
}

// NewMemoryCollector creates an empty in-memory collector
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{connections: make(map[int64]*ConnectionRecord)}
}

func (m *MemoryCollector) StartConnection(_ context.Context, sessionID, clientIP, targetHost string, targetPort int, route string) (int64, error) {
	if m.closed.Load() {
		return 0, ErrCollectorClosed
	}
	id := m.nextID.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[id] = &ConnectionRecord{
		ID:         id,
		SessionID:  sessionID,
		ClientIP:   clientIP,
		TargetHost: targetHost,
		TargetPort: targetPort,
		Route:      route,
		StartedAt:  time.Now(),
	}
	return id, nil
}

func (m *MemoryCollector) EndConnection(_ context.Context, connectionID, bytesSent, bytesReceived int64, _ time.Duration, closeReason string) error {
	if m.closed.Load() {
		return ErrCollectorClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[connectionID]; ok {
		c.Ended = true
		c.BytesSent = bytesSent
		c.BytesReceived = bytesReceived
		c.CloseReason = closeReason
	}
	return nil
}

func (m *MemoryCollector) RecordHTTPRequest(_ context.Context, connectionID int64, method, url, host string) error {
	if m.closed.Load() {
		return ErrCollectorClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, HTTPRequestRecord{ConnectionID: connectionID, Method: method, URL: url, Host: host})
	return nil
}

func (m *MemoryCollector) RecordError(context.Context, int64, string, string) error {
	if m.closed.Load() {
		return ErrCollectorClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
	return nil
}

func (m *MemoryCollector) RecordBlockedRequest(_ context.Context, clientIP, targetHost, reason string) error {
	if m.closed.Load() {
		return ErrCollectorClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = append(m.blocked, BlockedRecord{ClientIP: clientIP, TargetHost: targetHost, Reason: reason})
	return nil
}

func (m *MemoryCollector) GetOverviewStats(context.Context) (*OverviewStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := &OverviewStats{
		TotalConnections: int64(len(m.connections)),
		TotalRequests:    int64(len(m.requests)),
		TotalErrors:      m.errors,
		BlockedRequests:  int64(len(m.blocked)),
	}
	for _, c := range m.connections {
		if !c.Ended {
			o.ActiveConnections++
		}
		o.TotalBytesSent += c.BytesSent
		o.TotalBytesRecv += c.BytesReceived
	}
	return o, nil
}

// Connections returns a copy of all connection records.
func (m *MemoryCollector) Connections() []ConnectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionRecord, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, *c)
	}
	return out
}

// Requests returns a copy of all request records.
func (m *MemoryCollector) Requests() []HTTPRequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HTTPRequestRecord(nil), m.requests...)
}

// Blocked returns a copy of all blocked records.
func (m *MemoryCollector) Blocked() []BlockedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BlockedRecord(nil), m.blocked...)
}

func (m *MemoryCollector) HealthCheck(context.Context) error {
	if m.closed.Load() {
		return ErrCollectorClosed
	}
	return nil
}

func (m *MemoryCollector) Close() error {
	m.closed.Store(true)
	return nil
}
