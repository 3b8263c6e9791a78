package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection records the start of a connection (no-op)
func (d *DummyCollector) StartConnection(ctx context.Context, sessionID, clientIP, targetHost string, targetPort int, route string) (int64, error) {
	return 0, nil
}

// EndConnection records the end of a connection (no-op)
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

// RecordHTTPRequest records an HTTP request (no-op)
func (d *DummyCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string) error {
	return nil
}

// RecordError records an error (no-op)
func (d *DummyCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	return nil
}

// RecordBlockedRequest records a blocked request (no-op)
func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return nil
}

// GetOverviewStats returns nil: nothing is recorded, so there is nothing to show.
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return nil, nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
