package dashboard

import (
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"smppload/internal/config"
	"smppload/internal/core"
	"smppload/internal/metrics"
)

func init() {
	color.NoColor = true
}

func testHeader() Header {
	cfg := config.Default()
	cfg.SMPP.Host = "smsc.local"
	cfg.SMPP.Port = 2775
	cfg.SMPP.SystemID = "loadtest"
	cfg.SMPP.Password = "secret"
	cfg.Message.SourceAddr = "1000"
	cfg.Message.SourceTON = 5
	cfg.Message.DestinationAddr = "447700900000"
	cfg.Message.DestinationTON = 1
	cfg.Message.DestinationNPI = 1
	return HeaderFrom(cfg)
}

func testMetrics() metrics.GlobalMetrics {
	return metrics.GlobalMetrics{
		Elapsed:    75 * time.Second,
		Total:      200,
		OK:         150,
		Err:        50,
		OKPct:      75,
		ErrPct:     25,
		TPS:        42.5,
		AvgLatency: 12500 * time.Microsecond,
		Binds: []metrics.BindSnapshot{
			{ID: 0, State: core.StateBound, OK: 150, TPS: 42.5, AvgLatency: 12500 * time.Microsecond, LastMessageID: "abc"},
			{ID: 1, State: core.StateFailed, Failure: "connection refused by remote host"},
		},
	}
}

func TestDashboard_Publish(t *testing.T) {
	var w core.MockWriter
	d := New(testHeader(), false)
	d.SetOutput(&w)

	d.Publish(testMetrics())

	out := w.String()
	assert.NotContains(t, out, clearScreen)
	assert.Contains(t, out, "elapsed 01:15")
	assert.Contains(t, out, "Bind states: [B0] [E1:connection refused by re…]")
	assert.Contains(t, out, "Target: smsc.local:2775 | system_id=loadtest | system_type=-")
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "Source: 1000 (TON 5 / NPI 0) | Destination: 447700900000 (TON 1 / NPI 1)")
	assert.Contains(t, out, "Messages: 200 | OK: 150 (75.0%) | Err: 50 (25.0%)")
	assert.Contains(t, out, "Average latency: 12.50 ms | Total TPS: 42.5")
	assert.Contains(t, out, "[B0] -> TPS     42.5 | Avg  12.50 ms | OK      150 | Err        0 | Last ID abc")
	assert.NotContains(t, out, "Receipts:")
}

func TestDashboard_Receipts(t *testing.T) {
	var w core.MockWriter
	d := New(testHeader(), false)
	d.SetOutput(&w)

	g := testMetrics()
	g.ReceiptsDelivered = 7
	g.ReceiptsFailed = 1
	d.Publish(g)

	assert.Contains(t, w.String(), "Receipts: 7 delivered | 1 failed")
}

func TestDashboard_QuietMode(t *testing.T) {
	var w core.MockWriter
	d := New(testHeader(), true)
	d.SetOutput(&w)

	d.Publish(testMetrics())
	d.Printf("hello %d", 1)

	assert.Empty(t, w.String())
}

func TestDashboard_Stop(t *testing.T) {
	var w core.MockWriter
	d := New(testHeader(), false)
	d.SetOutput(&w)

	d.Publish(testMetrics())
	frames := strings.Count(w.String(), "Bind states:")
	d.Stop()
	d.Stop()
	d.Publish(testMetrics())

	assert.Equal(t, 1, frames)
	assert.Equal(t, frames, strings.Count(w.String(), "Bind states:"))
}

func TestDashboard_Printf(t *testing.T) {
	var w core.MockWriter
	d := New(testHeader(), false)
	d.SetOutput(&w)

	d.Printf("stopping: %s", "signal")

	assert.Equal(t, "stopping: signal\n", w.String())
}

func TestBadge(t *testing.T) {
	tests := []struct {
		snap metrics.BindSnapshot
		want string
	}{
		{metrics.BindSnapshot{ID: 0, State: core.StateUnbound}, "[P0]"},
		{metrics.BindSnapshot{ID: 1, State: core.StateBinding}, "[C1]"},
		{metrics.BindSnapshot{ID: 2, State: core.StateBound}, "[B2]"},
		{metrics.BindSnapshot{ID: 3, State: core.StateDraining}, "[D3]"},
		{metrics.BindSnapshot{ID: 4, State: core.StateClosed}, "[X4]"},
		{metrics.BindSnapshot{ID: 5, State: core.StateFailed}, "[E5]"},
		{metrics.BindSnapshot{ID: 6, State: core.StateFailed, Failure: "bind timeout"}, "[E6:bind timeout]"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Badge(tt.snap))
		})
	}
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00", formatElapsed(0))
	assert.Equal(t, "00:59", formatElapsed(59*time.Second))
	assert.Equal(t, "02:05", formatElapsed(125*time.Second))
	assert.Equal(t, "61:01", formatElapsed(61*time.Minute+time.Second))
}
