package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/takehaya/astfctl/pkg/profile"
	"github.com/takehaya/astfctl/pkg/session"
)

const (
	DefaultCallTimeout = 10 * time.Second
	maxResponseSize    = 8 << 20
)

var errNotConnected = errors.New("not connected")

// Client talks to one control-plane endpoint. A reader goroutine routes
// responses to waiting calls by id, so a call that gave up on its deadline
// leaves the connection usable and its late response is discarded. The zero
// value is not usable, use NewClient.
type Client struct {
	url         string
	user        string
	callTimeout time.Duration
	dialer      *websocket.Dialer
	logger      *zap.Logger

	mu      sync.Mutex
	link    *link
	handler string
	nextID  uint64
}

// link is one websocket connection and its in-flight calls.
type link struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan Response

	done chan struct{}
	err  error // done が close される前に設定される
}

var _ session.Transport = (*Client)(nil)

type Option func(*Client)

func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithUser(user string) Option {
	return func(c *Client) { c.user = user }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// NewClient does not dial; Connect does.
func NewClient(server string, port int, opts ...Option) *Client {
	c := &Client{
		url:         Endpoint(server, port),
		user:        "astfctl-" + uuid.NewString()[:8],
		callTimeout: DefaultCallTimeout,
		dialer:      websocket.DefaultDialer,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint builds the WebSocket URL for server. server may be a bare host,
// host:port, or a full ws:// or wss:// URL, which is used as is.
func Endpoint(server string, port int) string {
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		return server
	}
	if port <= 0 {
		port = DefaultPort
	}
	host := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		host = net.JoinHostPort(strings.Trim(server, "[]"), strconv.Itoa(port))
	}
	u := url.URL{Scheme: "ws", Host: host, Path: Path}
	return u.String()
}

func (c *Client) URL() string { return c.url }

func (c *Client) Connect(ctx context.Context) (session.ServerInfo, error) {
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return session.ServerInfo{}, session.NewError(MethodAPISync, session.KindConnection, errors.New("already connected"))
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Unlock()
		return session.ServerInfo{}, session.NewError(MethodAPISync, session.KindConnection, errors.Wrapf(err, "dial %s", c.url))
	}
	conn.SetReadLimit(maxResponseSize)
	l := &link{conn: conn, pending: make(map[uint64]chan Response), done: make(chan struct{})}
	c.link = l
	c.mu.Unlock()
	go c.readLoop(l)

	var res APISyncResult
	if err := c.call(ctx, MethodAPISync, APISyncParams{Name: APIName, Version: APIVersion}, &res); err != nil {
		c.drop(l)
		return session.ServerInfo{}, err
	}

	c.mu.Lock()
	c.handler = res.APIHandler
	c.mu.Unlock()
	c.logger.Debug("api synced", zap.String("url", c.url), zap.String("version", res.Version))

	return session.ServerInfo{Version: res.Version, Hostname: res.Hostname, Ports: res.Ports}, nil
}

func (c *Client) Acquire(ctx context.Context, force bool) ([]session.PortID, error) {
	var res PortsResult
	err := c.call(ctx, MethodAcquire, AcquireParams{APIHandler: c.apiHandler(), User: c.user, Force: force}, &res)
	if err != nil {
		return nil, err
	}
	ports := make([]session.PortID, len(res.Ports))
	for i, p := range res.Ports {
		ports[i] = session.PortID(p)
	}
	return ports, nil
}

func (c *Client) Release(ctx context.Context, ports []session.PortID) error {
	ids := make([]int, len(ports))
	for i, p := range ports {
		ids[i] = int(p)
	}
	return c.call(ctx, MethodRelease, ReleaseParams{APIHandler: c.apiHandler(), Ports: ids}, nil)
}

func (c *Client) LoadProfile(ctx context.Context, p *profile.Profile) error {
	return c.call(ctx, MethodProfileLoad, ProfileLoadParams{
		APIHandler: c.apiHandler(),
		Name:       p.Name,
		Format:     p.Format,
		Raw:        p.Raw,
		Spec:       p.Spec,
	}, nil)
}

func (c *Client) ClearStats(ctx context.Context) error {
	return c.call(ctx, MethodStatsClear, HandlerParams{APIHandler: c.apiHandler()}, nil)
}

func (c *Client) Start(ctx context.Context, params session.StartParams) error {
	return c.call(ctx, MethodStart, StartParams{
		APIHandler: c.apiHandler(),
		Mult:       params.Multiplier,
		Duration:   params.Duration.Seconds(),
		NoClose:    params.NoClose,
	}, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, MethodStop, HandlerParams{APIHandler: c.apiHandler()}, nil)
}

func (c *Client) Status(ctx context.Context) (session.TrafficStatus, error) {
	var res StatusResult
	if err := c.call(ctx, MethodStatus, HandlerParams{APIHandler: c.apiHandler()}, &res); err != nil {
		return session.TrafficStatus{}, err
	}
	return session.TrafficStatus{Running: res.State == TrafficRunning, Warnings: res.Warnings}, nil
}

func (c *Client) Stats(ctx context.Context) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := c.call(ctx, MethodStats, HandlerParams{APIHandler: c.apiHandler()}, &snap); err != nil {
		return session.Snapshot{}, err
	}
	return snap, nil
}

// Close sends a close frame and drops the connection. It is a no-op when
// not connected.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.handler = ""
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("failed to send close frame", zap.Error(err))
	}
	return errors.Wrap(l.conn.Close(), "close websocket")
}

func (c *Client) apiHandler() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// readLoop delivers responses until the connection fails.
func (c *Client) readLoop(l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.err = err
			close(l.done)
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Debug("dropping malformed response", zap.Error(err))
			continue
		}

		l.mu.Lock()
		ch, ok := l.pending[resp.ID]
		delete(l.pending, resp.ID)
		l.mu.Unlock()
		if !ok {
			// タイムアウトした過去のリクエストへの応答は捨てる
			c.logger.Debug("dropping stale response", zap.Uint64("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

// drop forgets l after a write failure so later calls fail fast.
func (c *Client) drop(l *link) {
	c.mu.Lock()
	if c.link == l {
		c.link = nil
		c.handler = ""
	}
	c.mu.Unlock()
	_ = l.conn.Close()
}

// call sends one request and waits for its response. I/O failures and
// missing responses are KindConnection; error responses carry the kind of
// their code.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	if err := ctx.Err(); err != nil {
		return session.NewError(method, session.KindConnection, err)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return session.NewError(method, session.KindRemote, errors.Wrap(err, "marshal params"))
	}

	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return session.NewError(method, session.KindConnection, errNotConnected)
	}
	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: raw}
	c.mu.Unlock()

	ch := make(chan Response, 1)
	l.mu.Lock()
	l.pending[req.ID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, req.ID)
		l.mu.Unlock()
	}()

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	l.writeMu.Lock()
	err = l.conn.SetWriteDeadline(time.Now().Add(c.callTimeout))
	if err == nil {
		err = l.conn.WriteJSON(req)
	}
	l.writeMu.Unlock()
	if err != nil {
		c.drop(l)
		return session.NewError(method, session.KindConnection, errors.Wrap(err, "write request"))
	}

	var resp Response
	select {
	case resp = <-ch:
	case <-l.done:
		return session.NewError(method, session.KindConnection, errors.Wrap(l.err, "read response"))
	case <-timer.C:
		return session.NewError(method, session.KindConnection, errors.Errorf("no response within %s", c.callTimeout))
	case <-ctx.Done():
		return session.NewError(method, session.KindConnection, ctx.Err())
	}

	if resp.Error != nil {
		return session.NewError(method, resp.Error.Kind(), resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return session.NewError(method, session.KindRemote, errors.Wrap(err, "decode result"))
	}
	return nil
}
