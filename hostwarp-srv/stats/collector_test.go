package stats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
)

func TestCreateCollector(t *testing.T) {
	c, err := CreateCollector(config.StatisticsConfig{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, &DummyCollector{}, c)

	c, err = CreateCollector(config.StatisticsConfig{Enabled: true, Backend: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &SQLCollector{}, c)
	require.NoError(t, c.Close())

	c, err = CreateCollector(config.StatisticsConfig{Enabled: true, Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCollector{}, c)

	_, err = CreateCollector(config.StatisticsConfig{Enabled: true, Backend: "postgres"})
	assert.ErrorContains(t, err, "postgres-dsn is required")

	_, err = CreateCollector(config.StatisticsConfig{Enabled: true, Backend: "mysql"})
	assert.ErrorContains(t, err, "unsupported stats backend")
}

func TestDummyCollector(t *testing.T) {
	var c Collector = NewDummyCollector()
	ctx := context.Background()
	id, err := c.StartConnection(ctx, "s", "c", "h", 80, "direct")
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.NoError(t, c.EndConnection(ctx, id, 1, 2, time.Second, "done"))
	o, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Nil(t, o)
	assert.NoError(t, c.HealthCheck(ctx))
	assert.NoError(t, c.Close())
}

func TestMemoryCollectorConcurrent(t *testing.T) {
	c := NewMemoryCollector()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.StartConnection(ctx, "s", "127.0.0.1", "example.com", 80, "direct")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, c.RecordHTTPRequest(ctx, id, "GET", "/", "example.com"))
			assert.NoError(t, c.EndConnection(ctx, id, 10, 20, time.Millisecond, "eof"))
		}()
	}
	wg.Wait()

	o, err := c.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), o.TotalConnections)
	assert.Zero(t, o.ActiveConnections)
	assert.Equal(t, int64(50), o.TotalRequests)
	assert.Equal(t, int64(500), o.TotalBytesSent)
	assert.Equal(t, int64(1000), o.TotalBytesRecv)
	assert.Len(t, c.Connections(), 50)
}

func TestMemoryCollectorClosed(t *testing.T) {
	c := NewMemoryCollector()
	require.NoError(t, c.RecordBlockedRequest(context.Background(), "1.2.3.4", "ads", "blocklist"))
	assert.Len(t, c.Blocked(), 1)

	require.NoError(t, c.Close())
	_, err := c.StartConnection(context.Background(), "s", "", "h", 1, "direct")
	assert.ErrorIs(t, err, ErrCollectorClosed)
	assert.ErrorIs(t, c.HealthCheck(context.Background()), ErrCollectorClosed)
}
