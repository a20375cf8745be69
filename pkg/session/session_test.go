package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/takehaya/astfctl/pkg/profile"
)

type fakeTransport struct {
	connectErr error
	acquireErr error
	releaseErr error
	loadErr    error
	clearErr   error
	startErr   error
	stopErr    error
	statsErr   error
	closeErr   error

	// runningPolls is how many Status calls report a running run; -1 never finishes.
	runningPolls int
	statusErrs   []error
	warnings     [][]string
	snap         Snapshot

	polls  int
	calls  map[string]int
	loaded *profile.Profile
	params StartParams
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		runningPolls: 2,
		calls:        make(map[string]int),
		snap: Snapshot{
			Total: Counters{CounterOPackets: 1000, CounterIPackets: 995},
			Traffic: map[string]Counters{
				SideClient: {CounterTCPSndPack: 500, CounterTCPRcvPack: 470},
				SideServer: {CounterTCPSndPack: 500, CounterTCPRcvPack: 480},
			},
		},
	}
}

func (f *fakeTransport) Connect(context.Context) (ServerInfo, error) {
	f.calls["connect"]++
	return ServerInfo{Version: "test", Hostname: "fake", Ports: 2}, f.connectErr
}

func (f *fakeTransport) Acquire(_ context.Context, _ bool) ([]PortID, error) {
	f.calls["acquire"]++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return []PortID{0, 1}, nil
}

func (f *fakeTransport) Release(context.Context, []PortID) error {
	f.calls["release"]++
	return f.releaseErr
}

func (f *fakeTransport) LoadProfile(_ context.Context, p *profile.Profile) error {
	f.calls["load"]++
	f.loaded = p
	return f.loadErr
}

func (f *fakeTransport) ClearStats(context.Context) error {
	f.calls["clear"]++
	return f.clearErr
}

func (f *fakeTransport) Start(_ context.Context, params StartParams) error {
	f.calls["start"]++
	f.params = params
	f.polls = 0
	return f.startErr
}

func (f *fakeTransport) Stop(context.Context) error {
	f.calls["stop"]++
	return f.stopErr
}

func (f *fakeTransport) Status(context.Context) (TrafficStatus, error) {
	idx := f.polls
	f.polls++
	if idx < len(f.statusErrs) && f.statusErrs[idx] != nil {
		return TrafficStatus{}, f.statusErrs[idx]
	}
	st := TrafficStatus{Running: f.runningPolls < 0 || f.polls <= f.runningPolls}
	if idx < len(f.warnings) {
		st.Warnings = f.warnings[idx]
	}
	return st, nil
}

func (f *fakeTransport) Stats(context.Context) (Snapshot, error) {
	f.calls["stats"]++
	return f.snap, f.statsErr
}

func (f *fakeTransport) Close() error {
	f.calls["close"]++
	return f.closeErr
}

// fakeClock advances only when the session waits on it.
type fakeClock struct {
	now   time.Time
	waits int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.waits++
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func newTestSession(t *testing.T, ft *fakeTransport, opts ...Option) (*Session, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	opts = append([]Option{WithClock(clk)}, opts...)
	return New("127.0.0.1", ft, opts...), clk
}

var runParams = StartParams{Multiplier: 100, Duration: 10 * time.Second, NoClose: true}

// driveTo advances s until it reaches target.
func driveTo(t *testing.T, s *Session, target State) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		state State
		fn    func() error
	}{
		{StateConnected, func() error { return s.Connect(ctx) }},
		{StatePortsOwned, func() error { return s.Reset(ctx) }},
		{StateProfileLoaded, func() error { return s.LoadProfile(ctx, "") }},
		{StateStatsCleared, func() error { return s.ClearStats(ctx) }},
		{StateRunning, func() error { return s.Start(ctx, runParams) }},
		{StateCompleted, func() error { return s.WaitOnTraffic(ctx) }},
	}
	for _, step := range steps {
		if s.State() == target {
			return
		}
		if s.State() >= step.state {
			continue
		}
		require.NoError(t, step.fn())
		require.Equal(t, step.state, s.State())
	}
}

func TestSessionLifecycle(t *testing.T) {
	ft := newFakeTransport()
	ft.warnings = [][]string{{"cpu util high"}, {"cpu util high", "rx drops"}}
	s, _ := newTestSession(t, ft)
	ctx := context.Background()

	require.Equal(t, StateDisconnected, s.State())
	driveTo(t, s, StateCompleted)

	require.Equal(t, []PortID{0, 1}, s.Ports())
	require.Equal(t, "http_simple", ft.loaded.Name)
	require.Equal(t, runParams, ft.params)
	require.Equal(t, "test", s.Info().Version)

	snap, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(995), snap.Received())
	require.Equal(t, uint64(1000), snap.Sent())
	require.Equal(t, uint64(480), snap.TrafficCounter(SideServer, CounterTCPRcvPack))
	require.Equal(t, []string{"cpu util high", "rx drops"}, s.GetWarnings())

	s.Disconnect(ctx)
	require.Equal(t, StateDisconnected, s.State())
	require.Empty(t, s.Ports())
	require.Equal(t, 1, ft.calls["release"])
	require.Equal(t, 1, ft.calls["close"])
	require.Zero(t, ft.calls["stop"])
}

func TestGetStatsIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateCompleted)
	ctx := context.Background()

	first, err := s.GetStats(ctx)
	require.NoError(t, err)
	first.Total[CounterIPackets] = 0 // callers cannot corrupt the cached copy

	second, err := s.GetStats(ctx)
	require.NoError(t, err)
	third, err := s.GetStats(ctx)
	require.NoError(t, err)

	require.Equal(t, second, third)
	require.Equal(t, uint64(995), second.Received())
	require.Equal(t, 1, ft.calls["stats"])
}

func TestGetStatsBeforeCompleted(t *testing.T) {
	for _, state := range []State{StateDisconnected, StateConnected, StatePortsOwned, StateProfileLoaded, StateStatsCleared, StateRunning} {
		t.Run(state.String(), func(t *testing.T) {
			ft := newFakeTransport()
			s, _ := newTestSession(t, ft)
			driveTo(t, s, state)

			_, err := s.GetStats(context.Background())
			require.Error(t, err)
			require.True(t, IsKind(err, KindInvalidState), "got %v", err)
			require.Zero(t, ft.calls["stats"])
		})
	}
}

func TestStartThenWaitAlwaysTerminates(t *testing.T) {
	pairs := []StartParams{
		{Multiplier: 0.01, Duration: time.Millisecond},
		{Multiplier: 1, Duration: time.Second},
		{Multiplier: 100, Duration: 10 * time.Second},
		{Multiplier: 1e6, Duration: time.Hour},
	}
	for _, params := range pairs {
		for _, runningPolls := range []int{0, 3, -1} {
			ft := newFakeTransport()
			ft.runningPolls = runningPolls
			s, clk := newTestSession(t, ft, WithPollInterval(time.Second))
			driveTo(t, s, StateStatsCleared)
			ctx := context.Background()

			require.NoError(t, s.Start(ctx, params))
			start := clk.Now()
			err := s.WaitOnTraffic(ctx)
			if runningPolls < 0 {
				require.True(t, IsKind(err, KindTimeout), "mult=%v dur=%s: %v", params.Multiplier, params.Duration, err)
				require.Equal(t, StateRunning, s.State())
				require.False(t, clk.Now().Before(start.Add(params.Duration+DefaultWaitGrace)))
				continue
			}
			require.NoError(t, err)
			require.Equal(t, StateCompleted, s.State())
			require.Equal(t, runningPolls, clk.waits)
		}
	}
}

func TestWaitOnTrafficCustomTimeout(t *testing.T) {
	ft := newFakeTransport()
	ft.runningPolls = -1
	s, clk := newTestSession(t, ft, WithWaitTimeout(5*time.Second), WithPollInterval(time.Second))
	driveTo(t, s, StateRunning)

	start := clk.Now()
	err := s.WaitOnTraffic(context.Background())
	require.True(t, IsKind(err, KindTimeout))
	require.Equal(t, 5*time.Second, clk.Now().Sub(start))
}

func TestWaitOnTrafficUnresponsiveRemote(t *testing.T) {
	ft := newFakeTransport()
	lost := NewError("status", KindConnection, errors.New("connection reset"))
	ft.statusErrs = make([]error, 100)
	for i := range ft.statusErrs {
		ft.statusErrs[i] = lost
	}
	s, _ := newTestSession(t, ft, WithWaitTimeout(3*time.Second), WithPollInterval(time.Second))
	driveTo(t, s, StateRunning)

	err := s.WaitOnTraffic(context.Background())
	require.True(t, IsKind(err, KindTimeout), "got %v", err)
	require.Contains(t, err.Error(), "connection reset")
}

func TestWaitOnTrafficRecoversFromTransientErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.runningPolls = 3
	ft.statusErrs = []error{nil, NewError("status", KindConnection, errors.New("blip"))}
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateRunning)

	require.NoError(t, s.WaitOnTraffic(context.Background()))
	require.Equal(t, StateCompleted, s.State())
}

func TestWaitOnTrafficRemoteError(t *testing.T) {
	ft := newFakeTransport()
	ft.statusErrs = []error{errors.New("engine crashed")}
	s, clk := newTestSession(t, ft)
	driveTo(t, s, StateRunning)

	err := s.WaitOnTraffic(context.Background())
	require.True(t, IsKind(err, KindRemote), "got %v", err)
	require.Zero(t, clk.waits)
}

func TestWaitOnTrafficContextCancelled(t *testing.T) {
	ft := newFakeTransport()
	ft.runningPolls = -1
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WaitOnTraffic(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestWaitOnTrafficRequiresRunning(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateStatsCleared)

	err := s.WaitOnTraffic(context.Background())
	require.True(t, IsKind(err, KindInvalidState))

	driveTo(t, s, StateCompleted)
	require.NoError(t, s.WaitOnTraffic(context.Background()))
}

func TestDisconnectFromAnyState(t *testing.T) {
	states := []State{StateDisconnected, StateConnected, StatePortsOwned, StateProfileLoaded, StateStatsCleared, StateRunning, StateCompleted}
	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			ft := newFakeTransport()
			s, _ := newTestSession(t, ft)
			driveTo(t, s, state)

			require.NotPanics(t, func() {
				s.Disconnect(context.Background())
				s.Disconnect(context.Background())
			})
			require.Equal(t, StateDisconnected, s.State())

			wantClose := 1
			if state == StateDisconnected {
				wantClose = 0
			}
			require.Equal(t, wantClose, ft.calls["close"])

			wantStop := 0
			if state == StateRunning {
				wantStop = 1
			}
			require.Equal(t, wantStop, ft.calls["stop"])

			wantRelease := 0
			if state.ownsPorts() {
				wantRelease = 1
			}
			require.Equal(t, wantRelease, ft.calls["release"])
		})
	}
}

func TestDisconnectLogsCleanupErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ft := newFakeTransport()
	ft.stopErr = errors.New("stop failed")
	ft.releaseErr = errors.New("release failed")
	ft.closeErr = errors.New("close failed")
	s, _ := newTestSession(t, ft, WithLogger(zap.New(core)))
	driveTo(t, s, StateRunning)

	s.Disconnect(context.Background())
	require.Equal(t, StateDisconnected, s.State())

	cleanup := logs.FilterMessage("disconnect cleanup failed").All()
	require.Len(t, cleanup, 3)
}

func TestConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("dial tcp 127.0.0.1:4501: connection refused")
	s, _ := newTestSession(t, ft)

	err := s.Connect(context.Background())
	require.True(t, IsKind(err, KindConnection), "got %v", err)
	require.Equal(t, StateDisconnected, s.State())
	require.Equal(t, 1, ft.calls["close"])

	s.Disconnect(context.Background())
	require.Equal(t, 1, ft.calls["close"])
}

func TestConnectTwice(t *testing.T) {
	s, _ := newTestSession(t, newFakeTransport())
	driveTo(t, s, StateConnected)
	require.True(t, IsKind(s.Connect(context.Background()), KindInvalidState))
}

func TestResetBeforeConnect(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestSession(t, ft)
	require.True(t, IsKind(s.Reset(context.Background()), KindInvalidState))
	require.Zero(t, ft.calls["acquire"])
}

func TestResetPortsBusy(t *testing.T) {
	ft := newFakeTransport()
	ft.acquireErr = NewError("", KindResourceUnavailable, errors.New("ports owned by user bob"))
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateConnected)

	err := s.Reset(context.Background())
	require.True(t, IsKind(err, KindResourceUnavailable), "got %v", err)
	require.Contains(t, err.Error(), "reset")
	require.Equal(t, StateConnected, s.State())
}

func TestLoadProfileFailureNeverReachesRunning(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		ft := newFakeTransport()
		s, _ := newTestSession(t, ft)
		driveTo(t, s, StatePortsOwned)
		ctx := context.Background()

		err := s.LoadProfile(ctx, filepath.Join(t.TempDir(), "missing.py"))
		require.True(t, IsKind(err, KindProfile), "got %v", err)
		require.True(t, errors.Is(err, profile.ErrNotFound))
		require.Zero(t, ft.calls["load"])

		require.NoError(t, s.ClearStats(ctx))
		require.True(t, IsKind(s.Start(ctx, runParams), KindStart))
		require.Equal(t, StatePortsOwned, s.State())
		require.Zero(t, ft.calls["start"])

		_, err = s.GetStats(ctx)
		require.True(t, IsKind(err, KindInvalidState))
	})

	t.Run("remote rejects", func(t *testing.T) {
		ft := newFakeTransport()
		ft.loadErr = errors.New("compile error at line 3")
		s, _ := newTestSession(t, ft)
		driveTo(t, s, StatePortsOwned)
		ctx := context.Background()

		err := s.LoadProfile(ctx, "")
		require.True(t, IsKind(err, KindProfile), "got %v", err)
		require.Equal(t, StatePortsOwned, s.State())
		require.True(t, IsKind(s.Start(ctx, runParams), KindStart))
	})
}

func TestLoadProfileRequiresPorts(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateConnected)
	require.True(t, IsKind(s.LoadProfile(context.Background(), ""), KindInvalidState))
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name   string
		params StartParams
	}{
		{"zero multiplier", StartParams{Multiplier: 0, Duration: time.Second}},
		{"negative multiplier", StartParams{Multiplier: -1, Duration: time.Second}},
		{"zero duration", StartParams{Multiplier: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := newFakeTransport()
			s, _ := newTestSession(t, ft)
			driveTo(t, s, StateStatsCleared)

			require.True(t, IsKind(s.Start(context.Background(), tt.params), KindStart))
			require.Zero(t, ft.calls["start"])
			require.Equal(t, StateStatsCleared, s.State())
		})
	}
}

func TestStartWhileRunning(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateRunning)
	require.True(t, IsKind(s.Start(context.Background(), runParams), KindStart))
	require.Equal(t, 1, ft.calls["start"])
}

func TestStartRemoteRejectKeepsState(t *testing.T) {
	ft := newFakeTransport()
	ft.startErr = errors.New("not enough memory for profile")
	s, _ := newTestSession(t, ft)
	driveTo(t, s, StateStatsCleared)

	err := s.Start(context.Background(), runParams)
	require.True(t, IsKind(err, KindStart), "got %v", err)
	require.Equal(t, StateStatsCleared, s.State())
}

func TestClearStatsTransitions(t *testing.T) {
	ft := newFakeTransport()
	s, _ := newTestSession(t, ft)
	ctx := context.Background()

	driveTo(t, s, StatePortsOwned)
	require.NoError(t, s.ClearStats(ctx))
	require.Equal(t, StatePortsOwned, s.State())

	driveTo(t, s, StateStatsCleared)
	require.NoError(t, s.ClearStats(ctx))
	require.Equal(t, StateStatsCleared, s.State())

	driveTo(t, s, StateCompleted)
	_, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.NoError(t, s.ClearStats(ctx))
	require.Equal(t, StateStatsCleared, s.State())

	_, err = s.GetStats(ctx)
	require.True(t, IsKind(err, KindInvalidState))
}

func TestWarningsClearedPerRun(t *testing.T) {
	ft := newFakeTransport()
	ft.warnings = [][]string{{"first run warning"}}
	s, _ := newTestSession(t, ft)
	ctx := context.Background()

	require.Empty(t, s.GetWarnings())
	require.NotNil(t, s.GetWarnings())

	driveTo(t, s, StateCompleted)
	require.Equal(t, []string{"first run warning"}, s.GetWarnings())

	ft.warnings = nil
	require.NoError(t, s.ClearStats(ctx))
	require.NoError(t, s.Start(ctx, runParams))
	require.Empty(t, s.GetWarnings())
	require.NoError(t, s.WaitOnTraffic(ctx))
	require.Empty(t, s.GetWarnings())
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindRemote, KindOf(errors.New("plain")))
	err := errors.Wrap(NewError("acquire", KindResourceUnavailable, nil), "outer")
	require.Equal(t, KindResourceUnavailable, KindOf(err))
	require.False(t, IsKind(nil, KindRemote))
	require.Equal(t, "acquire: resource unavailable", NewError("acquire", KindResourceUnavailable, nil).Error())
}
