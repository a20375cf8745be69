package astfctl

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/takehaya/astfctl/pkg/logger"
	"github.com/takehaya/astfctl/pkg/profile"
	"github.com/takehaya/astfctl/pkg/results"
	"github.com/takehaya/astfctl/pkg/rpc"
	"github.com/takehaya/astfctl/pkg/session"
	"github.com/takehaya/astfctl/pkg/verdict"
)

// disconnectTimeout bounds teardown after the caller's context is gone.
const disconnectTimeout = 15 * time.Second

type CancelFunc func(ctx context.Context) error

// TransportFactory builds the transport for one test run.
type TransportFactory func(cfg Config, logger *zap.Logger) session.Transport

func rpcTransport(cfg Config, logger *zap.Logger) session.Transport {
	return rpc.NewClient(cfg.Server, cfg.Port,
		rpc.WithCallTimeout(cfg.CallTimeout),
		rpc.WithLogger(logger),
	)
}

type Astfctl struct {
	Logger        *zap.Logger
	Store         *results.Store
	cleanupFnList []CancelFunc

	newTransport TransportFactory
	sessionOpts  []session.Option
	cfg          Config
}

type Option func(*Astfctl)

func WithTransportFactory(f TransportFactory) Option {
	return func(a *Astfctl) { a.newTransport = f }
}

// WithSessionOptions appends options to every session RunTest creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *Astfctl) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// Outcome is what one RunTest observed. Snapshot, Warnings and Report are
// only filled when the run reached the verdict.
type Outcome struct {
	Server     string              `json:"server"`
	Profile    string              `json:"profile"`
	Params     session.StartParams `json:"params"`
	Info       session.ServerInfo  `json:"info"`
	Snapshot   session.Snapshot    `json:"snapshot"`
	Warnings   []string            `json:"warnings"`
	Report     verdict.Report      `json:"report"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	RecordID   string              `json:"record_id,omitempty"`
	FinalState session.State       `json:"-"`
}

func NewAstfctl(cfg Config, opts ...Option) (*Astfctl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cleanupFnList []CancelFunc
	logger, cleanup, err := logger.NewLogger(cfg.LoggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed init logger: %w", err)
	}
	cleanupFnList = append(cleanupFnList, cleanup)

	a := &Astfctl{
		Logger:       logger,
		newTransport: rpcTransport,
		cfg:          cfg,
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.ResultsDB != "" {
		store, err := results.New(cfg.ResultsDB)
		if err != nil {
			_ = cleanup(context.Background())
			return nil, fmt.Errorf("failed open results store: %w", err)
		}
		a.Store = store
		cleanupFnList = append(cleanupFnList, func(context.Context) error { return store.Close() })
	}
	a.cleanupFnList = cleanupFnList
	return a, nil
}

func (a *Astfctl) Config() Config { return a.cfg }

func (a *Astfctl) profileName() string {
	if a.cfg.ProfilePath == "" {
		return profile.BundledName
	}
	return a.cfg.ProfilePath
}

// RunTest performs one complete run against the configured server. A
// non-nil error means the run could not complete; a completed run that
// missed its thresholds returns a nil error and a failed Report.
func (a *Astfctl) RunTest(ctx context.Context) (out *Outcome, err error) {
	params := session.StartParams{
		Multiplier: a.cfg.Multiplier,
		Duration:   a.cfg.Duration,
		NoClose:    a.cfg.NoClose,
	}
	out = &Outcome{
		Server:    a.cfg.Server,
		Profile:   a.profileName(),
		Params:    params,
		StartedAt: time.Now(),
	}

	opts := []session.Option{
		session.WithLogger(a.Logger),
		session.WithPollInterval(a.cfg.PollInterval),
		session.WithWaitTimeout(a.cfg.WaitTimeout),
		session.WithForceAcquire(a.cfg.ForceAcquire),
	}
	opts = append(opts, a.sessionOpts...)
	sess := session.New(a.cfg.Server, a.newTransport(a.cfg, a.Logger), opts...)

	defer func() {
		// ctx が既に切れていても片付けは行う
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		sess.Disconnect(dctx)
		out.FinalState = sess.State()
		out.FinishedAt = time.Now()
		a.record(out, err)
	}()

	a.Logger.Info("connecting", zap.String("server", a.cfg.Server), zap.Int("port", a.cfg.Port))
	if err := sess.Connect(ctx); err != nil {
		return out, err
	}
	out.Info = sess.Info()

	if err := sess.Reset(ctx); err != nil {
		return out, err
	}
	if err := sess.LoadProfile(ctx, a.cfg.ProfilePath); err != nil {
		return out, err
	}
	if err := sess.ClearStats(ctx); err != nil {
		return out, err
	}

	a.Logger.Info("injecting traffic",
		zap.String("profile", out.Profile),
		zap.Float64("mult", params.Multiplier),
		zap.Duration("duration", params.Duration),
	)
	if err := sess.Start(ctx, params); err != nil {
		return out, err
	}
	if err := sess.WaitOnTraffic(ctx); err != nil {
		return out, err
	}

	snap, err := sess.GetStats(ctx)
	if err != nil {
		return out, err
	}
	out.Snapshot = snap
	out.Warnings = sess.GetWarnings()
	out.Report = a.cfg.Criteria.Evaluate(snap)

	if out.Report.Passed {
		a.Logger.Info("test has passed", zap.Uint64("sent", snap.Sent()), zap.Uint64("received", snap.Received()))
	} else {
		a.Logger.Warn("test has failed", zap.String("reason", out.Report.Reason()))
	}
	return out, nil
}

func (a *Astfctl) record(out *Outcome, runErr error) {
	if a.Store == nil {
		return
	}
	rec := results.Record{
		Server:     out.Server,
		Profile:    out.Profile,
		Multiplier: out.Params.Multiplier,
		Duration:   out.Params.Duration.Seconds(),
		Passed:     runErr == nil && out.Report.Passed,
		Warnings:   out.Warnings,
		TxPackets:  out.Snapshot.Sent(),
		RxPackets:  out.Snapshot.Received(),
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	for _, f := range out.Report.Failures {
		rec.Failures = append(rec.Failures, f.Message)
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	id, err := a.Store.Save(rec)
	if err != nil {
		a.Logger.Error("failed to record run", zap.Error(err))
		return
	}
	out.RecordID = id
	a.Logger.Debug("run recorded", zap.String("id", id))
}

func (a *Astfctl) Close() {
	for _, fn := range a.cleanupFnList {
		if err := fn(context.Background()); err != nil {
			a.Logger.Error("failed to cleanup", zap.Error(err))
		}
	}
	a.cleanupFnList = nil
}
