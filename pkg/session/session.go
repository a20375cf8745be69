// Package session implements a stateful client for one remote traffic
// generation session. A Session drives the remote side through
//
//	Disconnected → Connected → PortsOwned → ProfileLoaded → StatsCleared → Running → Completed
//
// and reports every failure as an *Error with a Kind. Disconnect is the only
// operation that never fails: cleanup problems are logged instead.
//
// A Session is not safe for concurrent use. Parallel runs need independent
// sessions against independent servers or port sets.
package session

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/takehaya/astfctl/pkg/profile"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	// DefaultWaitGrace is added to the run duration when no wait timeout is set.
	DefaultWaitGrace = 30 * time.Second
)

type Session struct {
	server    string
	transport Transport
	logger    *zap.Logger
	clock     Clock

	pollInterval time.Duration
	waitTimeout  time.Duration
	forceAcquire bool

	state    State
	info     ServerInfo
	ports    []PortID
	profile  *profile.Profile
	params   StartParams
	warnings []string
	seen     map[string]struct{}
	snapshot *Snapshot
}

type Option func(*Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithWaitTimeout bounds WaitOnTraffic independently of the run duration.
// Zero means duration + DefaultWaitGrace.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Session) { s.waitTimeout = d }
}

// WithForceAcquire makes Reset take ports even when another session owns them.
func WithForceAcquire(force bool) Option {
	return func(s *Session) { s.forceAcquire = force }
}

func New(server string, t Transport, opts ...Option) *Session {
	s := &Session{
		server:       server,
		transport:    t,
		logger:       zap.NewNop(),
		clock:        realClock{},
		pollInterval: DefaultPollInterval,
		seen:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("server", server))
	return s
}

func (s *Session) Server() string { return s.server }

func (s *Session) State() State { return s.state }

// Ports returns the ports currently owned by this session.
func (s *Session) Ports() []PortID {
	return append([]PortID(nil), s.ports...)
}

// Info returns what the server reported during Connect.
func (s *Session) Info() ServerInfo { return s.info }

func (s *Session) Connect(ctx context.Context) error {
	const op = "connect"
	if s.state != StateDisconnected {
		return newErrorf(op, KindInvalidState, "session is already %s", s.state)
	}

	info, err := s.transport.Connect(ctx)
	if err != nil {
		if cerr := s.transport.Close(); cerr != nil {
			s.logger.Debug("failed to close transport after connect error", zap.Error(cerr))
		}
		return classify(op, KindConnection, err)
	}

	s.info = info
	s.state = StateConnected
	s.logger.Info("connected",
		zap.String("version", info.Version),
		zap.String("hostname", info.Hostname),
		zap.Int("ports", info.Ports),
	)
	return nil
}

// Reset takes every port on the remote device and drops any previous
// configuration on them.
func (s *Session) Reset(ctx context.Context) error {
	const op = "reset"
	if s.state == StateDisconnected {
		return newErrorf(op, KindInvalidState, "session is not connected")
	}

	ports, err := s.transport.Acquire(ctx, s.forceAcquire)
	if err != nil {
		return classify(op, KindRemote, err)
	}

	s.ports = ports
	s.profile = nil
	s.clearRun()
	s.state = StatePortsOwned
	s.logger.Info("ports acquired", zap.Ints("ports", portInts(ports)), zap.Bool("force", s.forceAcquire))
	return nil
}

func (s *Session) LoadProfile(ctx context.Context, path string) error {
	const op = "load_profile"
	if !s.state.ownsPorts() {
		return newErrorf(op, KindInvalidState, "ports are not owned (state %s)", s.state)
	}
	if s.state == StateRunning {
		return newErrorf(op, KindInvalidState, "traffic is running")
	}

	p, err := profile.Load(path)
	if err != nil {
		return NewError(op, KindProfile, err)
	}

	// 失敗時はリモート側のプロファイルが不定になるので未ロード扱いにする
	s.profile = nil
	s.snapshot = nil
	s.state = StatePortsOwned
	if err := s.transport.LoadProfile(ctx, p); err != nil {
		return classify(op, KindProfile, err)
	}

	s.profile = p
	s.state = StateProfileLoaded
	s.logger.Info("profile loaded",
		zap.String("profile", p.Name),
		zap.String("path", p.Path),
		zap.String("format", string(p.Format)),
	)
	return nil
}

// ClearStats zeroes the remote counters. It is idempotent.
func (s *Session) ClearStats(ctx context.Context) error {
	const op = "clear_stats"
	if s.state == StateDisconnected {
		return newErrorf(op, KindInvalidState, "session is not connected")
	}
	if err := s.transport.ClearStats(ctx); err != nil {
		return classify(op, KindRemote, err)
	}

	s.snapshot = nil
	switch s.state {
	case StateProfileLoaded, StateStatsCleared, StateCompleted:
		s.state = StateStatsCleared
	}
	s.logger.Debug("stats cleared")
	return nil
}

// Start begins a timed run and returns without waiting for it.
func (s *Session) Start(ctx context.Context, params StartParams) error {
	const op = "start"
	switch {
	case !s.state.ownsPorts():
		return newErrorf(op, KindStart, "ports are not owned (state %s)", s.state)
	case s.state == StateRunning:
		return newErrorf(op, KindStart, "traffic is already running")
	case !s.state.hasProfile():
		return newErrorf(op, KindStart, "no profile loaded")
	case params.Multiplier <= 0:
		return newErrorf(op, KindStart, "multiplier must be positive, got %v", params.Multiplier)
	case params.Duration <= 0:
		return newErrorf(op, KindStart, "duration must be positive, got %s", params.Duration)
	}

	if err := s.transport.Start(ctx, params); err != nil {
		return classify(op, KindStart, err)
	}

	s.params = params
	s.clearRun()
	s.state = StateRunning
	s.logger.Info("traffic started",
		zap.String("profile", s.profile.Name),
		zap.Float64("mult", params.Multiplier),
		zap.Duration("duration", params.Duration),
		zap.Bool("no_close", params.NoClose),
	)
	return nil
}

// WaitOnTraffic blocks until the remote reports the run finished. It polls
// every poll interval and gives up with KindTimeout once the wait timeout
// has passed on the session clock.
func (s *Session) WaitOnTraffic(ctx context.Context) error {
	const op = "wait_on_traffic"
	switch s.state {
	case StateCompleted:
		return nil
	case StateRunning:
	default:
		return newErrorf(op, KindInvalidState, "traffic is not running (state %s)", s.state)
	}

	timeout := s.waitTimeout
	if timeout <= 0 {
		timeout = s.params.Duration + DefaultWaitGrace
	}
	deadline := s.clock.Now().Add(timeout)

	var lastErr error
	for {
		st, err := s.transport.Status(ctx)
		switch {
		case err == nil:
			lastErr = nil
			s.addWarnings(st.Warnings)
			if !st.Running {
				s.state = StateCompleted
				s.logger.Info("traffic completed", zap.Int("warnings", len(s.warnings)))
				return nil
			}
		case KindOf(err) == KindConnection:
			// 一時的な失敗はタイムアウトまで再試行する
			lastErr = err
			s.logger.Debug("status poll failed", zap.Error(err))
		default:
			return classify(op, KindRemote, err)
		}

		if !s.clock.Now().Before(deadline) {
			if lastErr != nil {
				return NewError(op, KindTimeout, errors.Wrapf(lastErr, "remote unresponsive for %s", timeout))
			}
			return newErrorf(op, KindTimeout, "traffic still running after %s", timeout)
		}

		if err := ctx.Err(); err != nil {
			return NewError(op, KindTimeout, err)
		}
		select {
		case <-ctx.Done():
			return NewError(op, KindTimeout, ctx.Err())
		case <-s.clock.After(s.pollInterval):
		}
	}
}

// GetStats returns the counters of the last completed run. The first call
// fetches them; later calls return equal copies of the same snapshot.
func (s *Session) GetStats(ctx context.Context) (Snapshot, error) {
	const op = "get_stats"
	if s.snapshot != nil {
		return s.snapshot.Clone(), nil
	}
	if s.state != StateCompleted {
		return Snapshot{}, newErrorf(op, KindInvalidState, "stats are only available after traffic completed (state %s)", s.state)
	}

	snap, err := s.transport.Stats(ctx)
	if err != nil {
		return Snapshot{}, classify(op, KindRemote, err)
	}
	owned := snap.Clone()
	s.snapshot = &owned
	return owned.Clone(), nil
}

// GetWarnings returns the warnings collected during the current run.
func (s *Session) GetWarnings() []string {
	return append([]string{}, s.warnings...)
}

// Disconnect stops running traffic, releases owned ports and closes the
// transport. It is safe from any state and may be called more than once.
func (s *Session) Disconnect(ctx context.Context) {
	if s.state == StateDisconnected {
		return
	}

	var errs error
	if s.state == StateRunning {
		errs = multierr.Append(errs, errors.Wrap(s.transport.Stop(ctx), "stop"))
	}
	if len(s.ports) > 0 {
		errs = multierr.Append(errs, errors.Wrap(s.transport.Release(ctx, s.ports), "release"))
	}
	errs = multierr.Append(errs, errors.Wrap(s.transport.Close(), "close"))

	prev := s.state
	s.state = StateDisconnected
	s.ports = nil
	s.profile = nil

	for _, err := range multierr.Errors(errs) {
		s.logger.Warn("disconnect cleanup failed", zap.Error(err))
	}
	s.logger.Info("disconnected", zap.Stringer("from", prev))
}

func (s *Session) clearRun() {
	s.warnings = nil
	s.seen = make(map[string]struct{})
	s.snapshot = nil
}

func (s *Session) addWarnings(ws []string) {
	for _, w := range ws {
		if _, ok := s.seen[w]; ok {
			continue
		}
		s.seen[w] = struct{}{}
		s.warnings = append(s.warnings, w)
		s.logger.Warn("remote warning", zap.String("warning", w))
	}
}

func portInts(ports []PortID) []int {
	out := make([]int, len(ports))
	for i, p := range ports {
		out[i] = int(p)
	}
	return out
}
