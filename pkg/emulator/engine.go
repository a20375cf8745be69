package emulator

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/takehaya/astfctl/pkg/profile"
	"github.com/takehaya/astfctl/pkg/rpc"
	"github.com/takehaya/astfctl/pkg/session"
)

const (
	avgPacketBytes = 590
	// closeWait is the simulated time flows need to close when nc is off.
	closeWait = time.Second
	// maxRunWall bounds the wall time of one run so it fits a time.Duration.
	maxRunWall = 30 * 24 * time.Hour
)

// tally は送信パケット数 (client 側 / server 側)
type tally struct {
	client float64
	server float64
}

func (t tally) add(o tally) tally { return tally{t.client + o.client, t.server + o.server} }
func (t tally) sub(o tally) tally { return tally{t.client - o.client, t.server - o.server} }

type run struct {
	started   time.Time
	stoppedAt time.Time
	wall      time.Duration // wall time the traffic phase lasts
	length    time.Duration // wall time until the run reports idle
	duration  float64       // simulated seconds
	mult      float64
	rates     profile.Rates
	offset    tally
	warnings  []string
}

func (r *run) end(now time.Time) time.Time {
	if !r.stoppedAt.IsZero() && r.stoppedAt.Before(now) {
		return r.stoppedAt
	}
	return now
}

func (r *run) done(now time.Time) bool {
	return !r.stoppedAt.IsZero() || now.Sub(r.started) >= r.length
}

func (r *run) sent(now time.Time) tally {
	frac := 1.0
	if r.wall > 0 {
		frac = math.Min(float64(r.end(now).Sub(r.started))/float64(r.wall), 1)
	}
	secs := r.duration * frac * r.mult
	return tally{client: r.rates.ClientPPS * secs, server: r.rates.ServerPPS * secs}
}

// engine is the simulated device. Callers hold Server.mu.
type engine struct {
	cfg Config
	now func() time.Time

	owner     string
	ownerUser string
	rates     *profile.Rates
	base      tally
	cur       *run
	warnings  []string
}

func newEngine(cfg Config, now func() time.Time) *engine {
	return &engine{cfg: cfg, now: now}
}

// settle folds a finished run into the base counters.
func (e *engine) settle() {
	if e.cur == nil {
		return
	}
	now := e.now()
	if !e.cur.done(now) {
		return
	}
	e.base = e.base.add(e.cur.sent(now).sub(e.cur.offset))
	e.cur = nil
}

func (e *engine) ports() []int {
	ports := make([]int, e.cfg.Ports)
	for i := range ports {
		ports[i] = i
	}
	return ports
}

func (e *engine) acquire(handler, user string, force bool) ([]int, *rpc.Error) {
	if e.owner != "" && e.owner != handler && !force {
		return nil, rpc.Errorf(rpc.CodePortsBusy, "ports are owned by %s", e.ownerUser)
	}
	e.owner, e.ownerUser = handler, user
	e.cur = nil
	e.rates = nil
	e.base = tally{}
	e.warnings = nil
	return e.ports(), nil
}

func (e *engine) release(handler string) *rpc.Error {
	if e.owner != handler {
		return rpc.Errorf(rpc.CodeBadState, "ports are not owned by this session")
	}
	e.owner, e.ownerUser = "", ""
	e.cur = nil
	e.rates = nil
	return nil
}

func (e *engine) loadProfile(handler string, p rpc.ProfileLoadParams) *rpc.Error {
	if e.owner != handler {
		return rpc.Errorf(rpc.CodeBadState, "ports are not owned by this session")
	}
	e.settle()
	if e.cur != nil {
		return rpc.Errorf(rpc.CodeBadState, "traffic is running")
	}

	e.rates = nil
	var rates profile.Rates
	switch p.Format {
	case profile.FormatOpaque:
		if len(p.Raw) == 0 {
			return rpc.Errorf(rpc.CodeBadProfile, "profile %s is empty", p.Name)
		}
		rates = profile.Rates{ClientPPS: e.cfg.DefaultPPS, ServerPPS: e.cfg.DefaultPPS}
	case profile.FormatYAML, profile.FormatJSON:
		if p.Spec == nil {
			return rpc.Errorf(rpc.CodeBadProfile, "profile %s has no spec", p.Name)
		}
		if err := p.Spec.Validate(); err != nil {
			return rpc.Errorf(rpc.CodeBadProfile, "profile %s: %v", p.Name, err)
		}
		rates = p.Spec.PacketsPerSecond()
	default:
		return rpc.Errorf(rpc.CodeBadProfile, "unknown profile format %q", p.Format)
	}
	if rates.ClientPPS <= 0 && rates.ServerPPS <= 0 {
		return rpc.Errorf(rpc.CodeBadProfile, "profile %s generates no packets", p.Name)
	}
	e.rates = &rates
	return nil
}

func (e *engine) clearStats(handler string) *rpc.Error {
	if e.owner != "" && e.owner != handler {
		return rpc.Errorf(rpc.CodeBadState, "ports are owned by %s", e.ownerUser)
	}
	e.settle()
	e.base = tally{}
	if e.cur != nil {
		e.cur.offset = e.cur.sent(e.now())
	}
	return nil
}

func (e *engine) start(handler string, p rpc.StartParams) *rpc.Error {
	switch {
	case e.owner != handler:
		return rpc.Errorf(rpc.CodeStartRejected, "ports are not owned by this session")
	case e.rates == nil:
		return rpc.Errorf(rpc.CodeStartRejected, "no profile loaded")
	case p.Mult <= 0:
		return rpc.Errorf(rpc.CodeStartRejected, "multiplier must be positive")
	case p.Duration <= 0:
		return rpc.Errorf(rpc.CodeStartRejected, "duration must be positive")
	case p.Duration*e.cfg.TimeScale > maxRunWall.Seconds():
		return rpc.Errorf(rpc.CodeStartRejected, "duration %gs exceeds the emulator limit of %s", p.Duration, maxRunWall)
	}
	e.settle()
	if e.cur != nil {
		return rpc.Errorf(rpc.CodeStartRejected, "traffic is already running")
	}

	var warnings []string
	if p.Mult > e.cfg.MaxMultiplier {
		warnings = append(warnings, fmt.Sprintf("multiplier %g exceeds %g, the device may not sustain the rate", p.Mult, e.cfg.MaxMultiplier))
	}
	if e.cfg.LossRatio > 0 {
		warnings = append(warnings, fmt.Sprintf("rx drops detected (%.1f%%)", e.cfg.LossRatio*100))
	}

	scale := e.cfg.TimeScale
	wall := time.Duration(p.Duration * scale * float64(time.Second))
	length := wall
	if !p.NoClose {
		length += time.Duration(float64(closeWait) * scale)
	}
	e.cur = &run{
		started:  e.now(),
		wall:     wall,
		length:   length,
		duration: p.Duration,
		mult:     p.Mult,
		rates:    *e.rates,
		warnings: warnings,
	}
	e.warnings = warnings
	return nil
}

func (e *engine) stop(handler string) {
	if e.owner != handler || e.cur == nil {
		return
	}
	if e.cur.stoppedAt.IsZero() {
		e.cur.stoppedAt = e.now()
	}
	e.settle()
}

// checkOwner rejects reads from connections that do not own the ports.
func (e *engine) checkOwner(handler string) *rpc.Error {
	if e.owner != handler {
		return rpc.Errorf(rpc.CodeBadState, "ports are not owned by this session")
	}
	return nil
}

func (e *engine) status() rpc.StatusResult {
	e.settle()
	st := rpc.StatusResult{State: rpc.TrafficIdle, Warnings: e.warnings}
	if e.cur != nil {
		st.State = rpc.TrafficRunning
	}
	return st
}

func (e *engine) snapshot() session.Snapshot {
	e.settle()
	t := e.base
	if e.cur != nil {
		t = t.add(e.cur.sent(e.now()).sub(e.cur.offset))
	}

	delivered := 1 - e.cfg.LossRatio
	clientSent, serverSent := count(t.client), count(t.server)
	serverRecv, clientRecv := count(t.client*delivered), count(t.server*delivered)

	snap := session.Snapshot{
		Total: session.Counters{
			session.CounterOPackets: satAdd(clientSent, serverSent),
			session.CounterIPackets: satAdd(serverRecv, clientRecv),
			session.CounterOBytes:   count((t.client + t.server) * avgPacketBytes),
			session.CounterIBytes:   count((t.client + t.server) * delivered * avgPacketBytes),
		},
		Traffic: map[string]session.Counters{
			session.SideClient: {
				session.CounterTCPSndPack: clientSent,
				session.CounterTCPRcvPack: clientRecv,
			},
			session.SideServer: {
				session.CounterTCPSndPack: serverSent,
				session.CounterTCPRcvPack: serverRecv,
			},
		},
		Ports: make(map[string]session.Counters, e.cfg.Ports),
	}

	// 偶数ポートがクライアント側、奇数ポートがサーバ側
	pairs := float64(e.cfg.Ports / 2)
	for i := 0; i < e.cfg.Ports; i++ {
		out, in := t.client, t.server*delivered
		if i%2 == 1 {
			out, in = t.server, t.client*delivered
		}
		snap.Ports[strconv.Itoa(i)] = session.Counters{
			session.CounterOPackets: count(out / pairs),
			session.CounterIPackets: count(in / pairs),
		}
	}
	return snap
}

// count rounds v to a counter value, saturating instead of overflowing.
func count(v float64) uint64 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= math.MaxUint64:
		return math.MaxUint64
	}
	return uint64(math.Round(v))
}

func satAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return math.MaxUint64
}
