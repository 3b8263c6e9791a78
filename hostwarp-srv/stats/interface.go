package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics.
// Each upstream connection opened by a session is one connection record.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, sessionID, clientIP, targetHost string, targetPort int, route string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Request tracking
	RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	// Security events
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	// Queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// OverviewStats summarises everything recorded so far.
type OverviewStats struct {
	TotalConnections  int64
	ActiveConnections int64
	TotalRequests     int64
	TotalErrors       int64
	BlockedRequests   int64
	TotalBytesSent    int64
	TotalBytesRecv    int64
}
