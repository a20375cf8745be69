package astfctl

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/takehaya/astfctl/pkg/emulator"
	"github.com/takehaya/astfctl/pkg/rpc"
	"github.com/takehaya/astfctl/pkg/session"
	"github.com/takehaya/astfctl/pkg/verdict"
)

func startEmulator(t *testing.T, loss float64) string {
	t.Helper()
	srv, err := emulator.NewServer(emulator.Config{
		Ports:         2,
		TimeScale:     0.01,
		LossRatio:     loss,
		MaxMultiplier: 10000,
		DefaultPPS:    10,
		Hostname:      "emu",
	}, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + rpc.Path
}

func testConfig(t *testing.T, server string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server = server
	cfg.Duration = time.Second
	cfg.PollInterval = 5 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	cfg.ResultsDB = filepath.Join(t.TempDir(), "runs.db")
	cfg.LoggerConfig.Output = io.Discard
	return cfg
}

func newTestAstfctl(t *testing.T, cfg Config, opts ...Option) *Astfctl {
	t.Helper()
	a, err := NewAstfctl(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestRunTestPasses(t *testing.T) {
	a := newTestAstfctl(t, testConfig(t, startEmulator(t, 0)))

	out, err := a.RunTest(context.Background())
	require.NoError(t, err)
	require.True(t, out.Report.Passed, out.Report.Reason())
	require.Equal(t, session.StateDisconnected, out.FinalState)
	require.Equal(t, "emu", out.Info.Hostname)
	require.Empty(t, out.Warnings)
	require.NotNil(t, out.Warnings)
	require.Equal(t, out.Snapshot.Sent(), out.Snapshot.Received())
	require.Greater(t, out.Snapshot.Received(), uint64(100))

	recs, err := a.Store.Recent(5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, out.RecordID, recs[0].ID)
	require.True(t, recs[0].Passed)
	require.Equal(t, "http_simple", recs[0].Profile)
	require.Equal(t, out.Snapshot.Sent(), recs[0].TxPackets)

	var buf bytes.Buffer
	PrintOutcome(&buf, out)
	require.Contains(t, buf.String(), "Test has passed")
	require.Contains(t, buf.String(), "total")
}

func TestRunTestPacketLossFailsVerdict(t *testing.T) {
	a := newTestAstfctl(t, testConfig(t, startEmulator(t, 0.05)))

	out, err := a.RunTest(context.Background())
	require.NoError(t, err)
	require.False(t, out.Report.Passed)
	require.Len(t, out.Report.Failures, 1)
	require.Equal(t, verdict.CheckPacketLoss, out.Report.Failures[0].Check)
	require.Equal(t, []string{"rx drops detected (5.0%)"}, out.Warnings)

	var buf bytes.Buffer
	PrintOutcome(&buf, out)
	require.Contains(t, buf.String(), "*** test had warnings ***")
	require.Contains(t, buf.String(), "Test has failed")
	require.Contains(t, buf.String(), "too many packets lost")

	recs, err := a.Store.Recent(1)
	require.NoError(t, err)
	require.False(t, recs[0].Passed)
	require.Empty(t, recs[0].Error)
	require.Len(t, recs[0].Failures, 1)
}

func TestRunTestUnreachableServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig(t, "127.0.0.1")
	cfg.Port = port
	a := newTestAstfctl(t, cfg)

	out, err := a.RunTest(context.Background())
	require.Error(t, err)
	require.True(t, session.IsKind(err, session.KindConnection), "got %v", err)
	require.Equal(t, session.StateDisconnected, out.FinalState)

	recs, err := a.Store.Recent(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.False(t, recs[0].Passed)
	require.NotEmpty(t, recs[0].Error)
}

func TestRunTestBadProfile(t *testing.T) {
	cfg := testConfig(t, startEmulator(t, 0))
	cfg.ProfilePath = filepath.Join(t.TempDir(), "missing.yaml")
	a := newTestAstfctl(t, cfg)

	out, err := a.RunTest(context.Background())
	require.True(t, session.IsKind(err, session.KindProfile), "got %v", err)
	require.Equal(t, cfg.ProfilePath, out.Profile)
	require.Equal(t, session.StateDisconnected, out.FinalState)
}

func TestRunTestDisconnectsOnCancel(t *testing.T) {
	cfg := testConfig(t, startEmulator(t, 0))
	// 1000s × 0.01 = 10s なので cancel の方が先に来る
	cfg.Duration = 1000 * time.Second
	a := newTestAstfctl(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out, err := a.RunTest(ctx)
	require.True(t, session.IsKind(err, session.KindTimeout), "got %v", err)
	require.Equal(t, session.StateDisconnected, out.FinalState)

	// ports were released, so a second run can take them without force
	cfg.Duration = time.Second
	b := newTestAstfctl(t, cfg)
	require.Eventually(t, func() bool {
		out, err = b.RunTest(context.Background())
		return err == nil && out.Report.Passed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewAstfctlRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1")
	cfg.Multiplier = 0
	_, err := NewAstfctl(cfg)
	require.Error(t, err)
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	PrintHistory(&buf, nil)
	require.Equal(t, "no runs recorded\n", buf.String())
}
