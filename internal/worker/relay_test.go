package worker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smppload/internal/config"
	"smppload/internal/core"
	"smppload/internal/smpp"
	"smppload/testserver"
)

// relayedSMSC starts a simulator reachable through a relay that drops every
// connection when the returned cancel is called.
func relayedSMSC(t *testing.T) (config.SMPPConfig, context.CancelFunc) {
	t.Helper()
	smsc := testserver.NewSMSC(testserver.Options{User: "client", Passwd: "secret"})
	smsc.Start()
	t.Cleanup(smsc.Close)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go smsc.Forward(ctx, l)

	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	cfg := config.Default().SMPP
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.SystemID = "client"
	cfg.Password = "secret"
	cfg.BindTimeout = config.Duration(time.Second)
	cfg.ResponseTimeout = config.Duration(time.Second)
	return cfg, cancel
}

func TestWorker_ConnectionDropFailsBind(t *testing.T) {
	cfg, drop := relayedSMSC(t)
	cfg.BindType = config.BindTypeTX
	w, m := newTestWorker(smpp.NewClient(cfg, nil), Options{MaxTPS: 0, Inflight: 8})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Snapshot().OK > 0 }, 2*time.Second, 5*time.Millisecond)
	drop()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running after the connection dropped")
	}

	var bindErr *core.BindError
	require.ErrorAs(t, runErr, &bindErr)
	assert.ErrorIs(t, runErr, core.ErrSessionLost)
	s := m.Snapshot()
	assert.Equal(t, core.StateFailed, s.State)
	assert.Less(t, s.Err, uint64(1000), "no spinning on a lost session")
	assert.Equal(t, w.dispatched.Load(), s.Resolved())
}
