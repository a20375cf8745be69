// Package emulator serves the rpc control protocol backed by a simulated
// traffic engine. Runs last duration × TimeScale of wall time and counters
// are derived from the profile packet rates, so the client and the test
// harness can be exercised without real hardware.
package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/takehaya/astfctl/pkg/rpc"
)

const maxMessageSize = 8 << 20

type Config struct {
	Ports         int     `yaml:"ports" envconfig:"PORTS" default:"2"`
	TimeScale     float64 `yaml:"time_scale" envconfig:"TIME_SCALE" default:"1"`
	LossRatio     float64 `yaml:"loss_ratio" envconfig:"LOSS_RATIO" default:"0"`
	MaxMultiplier float64 `yaml:"max_multiplier" envconfig:"MAX_MULTIPLIER" default:"10000"`
	DefaultPPS    float64 `yaml:"default_pps" envconfig:"DEFAULT_PPS" default:"10"` // per side, opaque profiles
	Hostname      string  `yaml:"hostname" envconfig:"HOSTNAME"`
}

func (c *Config) Validate() error {
	if c.Ports < 2 || c.Ports%2 != 0 {
		return fmt.Errorf("ports must be a positive even number, got %d", c.Ports)
	}
	if c.TimeScale <= 0 {
		return fmt.Errorf("time scale must be positive")
	}
	if c.LossRatio < 0 || c.LossRatio > 1 {
		return fmt.Errorf("loss ratio must be within [0, 1]")
	}
	if c.DefaultPPS <= 0 {
		return fmt.Errorf("default pps must be positive")
	}
	return nil
}

type Server struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu     sync.Mutex
	engine *engine
}

func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid emulator config: %w", err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("emulator"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		now: time.Now,
	}
	s.engine = newEngine(cfg, s.now)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(rpc.Path, s)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("emulator listening", zap.String("addr", addr), zap.Int("ports", s.cfg.Ports))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "emulator listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "emulator shutdown")
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	c := &connection{remote: r.RemoteAddr}
	defer s.teardown(c)
	s.logger.Debug("client connected", zap.String("remote", c.remote))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("read failed", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}

		resp := s.handle(c, data)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("write failed", zap.String("remote", c.remote), zap.Error(err))
			return
		}
	}
}

// connection is the per-socket API handler state.
type connection struct {
	remote  string
	handler string
	user    string
}

func (s *Server) handle(c *connection, data []byte) rpc.Response {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(0, rpc.Errorf(rpc.CodeParseError, "invalid request: %v", err))
	}

	result, rerr := s.dispatch(c, &req)
	if rerr != nil {
		s.logger.Debug("request rejected",
			zap.String("method", req.Method),
			zap.Int("code", rerr.Code),
			zap.String("message", rerr.Message),
		)
		return errorResponse(req.ID, rerr)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, rpc.Errorf(rpc.CodeInternal, "encode result: %v", err))
	}
	return rpc.Response{JSONRPC: "2.0", ID: req.ID, Result: raw}
}

func errorResponse(id uint64, e *rpc.Error) rpc.Response {
	return rpc.Response{JSONRPC: "2.0", ID: id, Error: e}
}

func (s *Server) dispatch(c *connection, req *rpc.Request) (interface{}, *rpc.Error) {
	if req.Method == rpc.MethodAPISync {
		var p rpc.APISyncParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		return s.apiSync(c, p)
	}

	var h rpc.HandlerParams
	if err := decode(req.Params, &h); err != nil {
		return nil, err
	}
	if c.handler == "" || h.APIHandler != c.handler {
		return nil, rpc.Errorf(rpc.CodeBadHandler, "unknown api handler %q", h.APIHandler)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.engine

	switch req.Method {
	case rpc.MethodAcquire:
		var p rpc.AcquireParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if p.User != "" {
			c.user = p.User
		}
		ports, err := e.acquire(c.handler, c.user, p.Force)
		if err != nil {
			return nil, err
		}
		s.logger.Info("ports acquired", zap.String("user", c.user), zap.Bool("force", p.Force))
		return rpc.PortsResult{Ports: ports}, nil

	case rpc.MethodRelease:
		if err := e.release(c.handler); err != nil {
			return nil, err
		}
		s.logger.Info("ports released", zap.String("user", c.user))
		return struct{}{}, nil

	case rpc.MethodProfileLoad:
		var p rpc.ProfileLoadParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if err := e.loadProfile(c.handler, p); err != nil {
			return nil, err
		}
		s.logger.Info("profile loaded", zap.String("profile", p.Name), zap.String("format", string(p.Format)))
		return struct{}{}, nil

	case rpc.MethodStatsClear:
		if err := e.clearStats(c.handler); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case rpc.MethodStart:
		var p rpc.StartParams
		if err := decode(req.Params, &p); err != nil {
			return nil, err
		}
		if err := e.start(c.handler, p); err != nil {
			return nil, err
		}
		s.logger.Info("traffic started", zap.Float64("mult", p.Mult), zap.Float64("duration", p.Duration))
		return struct{}{}, nil

	case rpc.MethodStop:
		e.stop(c.handler)
		return struct{}{}, nil

	case rpc.MethodStatus:
		if err := e.checkOwner(c.handler); err != nil {
			return nil, err
		}
		return e.status(), nil

	case rpc.MethodStats:
		if err := e.checkOwner(c.handler); err != nil {
			return nil, err
		}
		return e.snapshot(), nil

	default:
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %q not found", req.Method)
	}
}

func (s *Server) apiSync(c *connection, p rpc.APISyncParams) (interface{}, *rpc.Error) {
	if p.Name != rpc.APIName {
		return nil, rpc.Errorf(rpc.CodeVersionMismatch, "unsupported api %q", p.Name)
	}
	if major(p.Version) != major(rpc.APIVersion) {
		return nil, rpc.Errorf(rpc.CodeVersionMismatch, "api version %s is not compatible with %s", p.Version, rpc.APIVersion)
	}
	if c.handler == "" {
		c.handler = uuid.NewString()
	}
	return rpc.APISyncResult{
		APIHandler: c.handler,
		Version:    rpc.APIVersion,
		Hostname:   s.cfg.Hostname,
		Ports:      s.cfg.Ports,
	}, nil
}

// teardown stops traffic and frees ports left behind by a closed socket.
func (s *Server) teardown(c *connection) {
	if c.handler == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine.owner == c.handler {
		s.engine.stop(c.handler)
		if err := s.engine.release(c.handler); err == nil {
			s.logger.Info("released ports of closed connection", zap.String("user", c.user), zap.String("remote", c.remote))
		}
	}
}

func decode(raw json.RawMessage, v interface{}) *rpc.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}
