// Package wsclient is the client side of a signaling channel: a websocket
// wrapped with an application-level heartbeat, death detection, bounded
// exponential reconnect and identity replay.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/voxmatch/internal/proto"
	"github.com/petervdpas/voxmatch/internal/registry"
)

var log = logging.Logger("wsclient")

var (
	ErrNotConnected       = errors.New("not connected")
	ErrClosed             = errors.New("connection closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrJoinInFlight       = errors.New("join already pending for room")
)

// ServerError is an error frame received in reply to a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

const (
	DefaultPingInterval   = 20 * time.Second
	DefaultPongTimeout    = 25 * time.Second
	DefaultReconnectBase  = time.Second
	DefaultReconnectMax   = 30 * time.Second
	DefaultMaxAttempts    = 8
	DefaultRequestTimeout = 10 * time.Second
	DefaultDialTimeout    = 10 * time.Second
)

type Options struct {
	// URL of the server. When Kind is set and URL has no path, the channel
	// path for Kind is appended.
	URL    string
	UserID int64
	Kind   registry.Kind

	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration
	DialTimeout    time.Duration

	Dialer Dialer
	Clock  clock.Clock
}

func (o *Options) defaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = DefaultPongTimeout
	}
	if o.PongTimeout < o.PingInterval {
		o.PongTimeout = o.PingInterval
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = DefaultReconnectBase
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = DefaultReconnectMax
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.Dialer == nil {
		o.Dialer = GorillaDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Endpoint is the URL the client dials.
func (o Options) Endpoint() string {
	if o.Kind == "" {
		return o.URL
	}
	rest := o.URL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if strings.Contains(strings.TrimSuffix(rest, "/"), "/") {
		return o.URL
	}
	return strings.TrimSuffix(o.URL, "/") + kindPath(o.Kind)
}

func kindPath(k registry.Kind) string {
	switch k {
	case registry.KindStatus:
		return proto.PathStatus
	case registry.KindDiagnostic:
		return proto.PathDiagnostic
	}
	return proto.PathSignaling
}

// Backoff returns the delay before reconnect attempt n (zero-based).
func Backoff(n int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type joinResult struct {
	participants []int64
	err          error
}

type joinWaiter struct {
	ch    chan joinResult
	timer *clock.Timer
}

// Conn is a heartbeat-wrapped signaling connection that survives socket
// drops by reconnecting and re-registering.
type Conn struct {
	opts Options
	clk  clock.Clock

	mu          sync.Mutex
	sock        Socket
	gen         uint64
	lastPong    time.Time
	pingTimer   *clock.Timer
	deadline    *clock.Timer
	reconnTimer *clock.Timer
	attempts    int // reset by the server's registered reply
	closed      bool
	failed      bool
	handlers    map[string][]func(json.RawMessage)
	pending     map[string]*joinWaiter
	onReconn    []func()
	onFailed    []func(error)
}

// Dial connects, registers opts.UserID and starts the heartbeat.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts.defaults()
	c := &Conn{
		opts:     opts,
		clk:      opts.Clock,
		handlers: make(map[string][]func(json.RawMessage)),
		pending:  make(map[string]*joinWaiter),
	}
	sock, err := opts.Dialer.Dial(ctx, opts.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.Endpoint(), err)
	}
	c.mu.Lock()
	c.installLocked(sock)
	c.mu.Unlock()
	if err := c.register(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// On installs fn for inbound frames of msgType. fn receives the whole frame.
func (c *Conn) On(msgType string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], fn)
	c.mu.Unlock()
}

// OnReconnected runs fn after every successful reconnect and re-register.
func (c *Conn) OnReconnected(fn func()) {
	c.mu.Lock()
	c.onReconn = append(c.onReconn, fn)
	c.mu.Unlock()
}

// OnFailed runs fn once when reconnection gives up.
func (c *Conn) OnFailed(fn func(error)) {
	c.mu.Lock()
	c.onFailed = append(c.onFailed, fn)
	c.mu.Unlock()
}

// Connected reports whether a socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

// Failed reports whether reconnection has been given up.
func (c *Conn) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *Conn) installLocked(sock Socket) {
	c.sock = sock
	c.gen++
	c.lastPong = c.clk.Now()
	gen := c.gen
	c.pingTimer = c.clk.AfterFunc(c.opts.PingInterval, func() { c.heartbeat(gen) })
	c.armDeadlineLocked()
	go c.readLoop(sock, gen)
}

func (c *Conn) armDeadlineLocked() {
	if c.deadline != nil {
		c.deadline.Stop()
	}
	gen, seen := c.gen, c.lastPong
	c.deadline = c.clk.AfterFunc(c.opts.PingInterval+c.opts.PongTimeout, func() {
		c.mu.Lock()
		dead := c.gen == gen && c.sock != nil && c.lastPong.Equal(seen)
		c.mu.Unlock()
		if dead {
			log.Warnf("user %d: no pong for %s", c.opts.UserID, c.opts.PingInterval+c.opts.PongTimeout)
			c.drop(gen, proto.CloseHeartbeatTimeout, "heartbeat_timeout")
		}
	})
}

func (c *Conn) heartbeat(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.sock == nil {
		c.mu.Unlock()
		return
	}
	c.pingTimer = c.clk.AfterFunc(c.opts.PingInterval, func() { c.heartbeat(gen) })
	ts := c.clk.Now().UnixMilli()
	c.mu.Unlock()

	if err := c.Send(proto.TypePing, proto.Ping{Timestamp: ts}); err != nil {
		log.Debugf("user %d: ping: %v", c.opts.UserID, err)
	}
}

func (c *Conn) readLoop(sock Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.drop(gen, proto.CloseGoingAway, "read failed")
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	msgType, err := proto.PeekType(data)
	if err != nil {
		log.Debugf("user %d: bad frame: %v", c.opts.UserID, err)
		return
	}

	switch msgType {
	case proto.TypeRegistered:
		// Only an accepted registration proves the server is healthy.
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
	case proto.TypePong:
		c.mu.Lock()
		c.lastPong = c.clk.Now()
		c.armDeadlineLocked()
		c.mu.Unlock()
	case proto.TypeRoomJoined:
		var rj proto.RoomJoined
		if json.Unmarshal(data, &rj) == nil {
			c.resolveJoin(rj.RoomID, nil, rj.Participants, nil)
		}
	case proto.TypeError:
		var e proto.Error
		if json.Unmarshal(data, &e) == nil && joinError(e.Error) {
			c.rejectJoins(&ServerError{Code: e.Error, Message: e.Message})
		}
	}

	c.mu.Lock()
	handlers := append([]func(json.RawMessage){}, c.handlers[msgType]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(json.RawMessage(data))
	}
}

// joinError reports whether code can be the server's reply to join-room.
func joinError(code string) bool {
	switch code {
	case proto.ErrCodeRoomFull, proto.ErrCodeInvalidFormat, proto.ErrCodeUnauthorized, proto.ErrCodeRateLimited:
		return true
	}
	return false
}

// drop closes the socket of generation gen and schedules a reconnect.
func (c *Conn) drop(gen uint64, code int, reason string) {
	c.mu.Lock()
	if c.gen != gen || c.sock == nil || c.closed {
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.sock = nil
	c.stopHeartbeatLocked()
	exhausted, failed := c.scheduleReconnectLocked()
	c.mu.Unlock()

	log.Infof("user %d: connection dropped (%s)", c.opts.UserID, reason)
	sock.Close(code, reason)
	if exhausted {
		c.fail(failed)
	}
}

func (c *Conn) stopHeartbeatLocked() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
}

func (c *Conn) scheduleReconnectLocked() (bool, []func(error)) {
	if c.attempts >= c.opts.MaxAttempts {
		if c.failed {
			return false, nil
		}
		c.failed = true
		return true, append([]func(error){}, c.onFailed...)
	}
	delay := Backoff(c.attempts, c.opts.ReconnectBase, c.opts.ReconnectMax)
	c.attempts++
	log.Debugf("user %d: reconnect attempt %d/%d in %s", c.opts.UserID, c.attempts, c.opts.MaxAttempts, delay)
	c.reconnTimer = c.clk.AfterFunc(delay, c.reconnect)
	return false, nil
}

func (c *Conn) fail(handlers []func(error)) {
	log.Warnf("user %d: giving up after %d reconnect attempts", c.opts.UserID, c.opts.MaxAttempts)
	c.rejectJoins(ErrReconnectExhausted)
	for _, fn := range handlers {
		fn(ErrReconnectExhausted)
	}
}

func (c *Conn) reconnect() {
	c.mu.Lock()
	if c.closed || c.sock != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
	sock, err := c.opts.Dialer.Dial(ctx, c.opts.Endpoint())
	cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if sock != nil {
			sock.Close(proto.CloseNormal, "closed")
		}
		return
	}
	if err != nil {
		exhausted, failed := c.scheduleReconnectLocked()
		c.mu.Unlock()
		log.Debugf("user %d: reconnect: %v", c.opts.UserID, err)
		if exhausted {
			c.fail(failed)
		}
		return
	}
	c.installLocked(sock)
	handlers := append([]func(){}, c.onReconn...)
	c.mu.Unlock()

	if err := c.register(); err != nil {
		return
	}
	log.Infof("user %d: reconnected", c.opts.UserID)
	for _, fn := range handlers {
		fn()
	}
}

func (c *Conn) register() error {
	return c.Send(proto.TypeRegister, proto.Register{UserID: c.opts.UserID})
}

// Send writes a frame of msgType whose remaining fields come from payload.
// A failed write drops the socket and starts reconnection; the error is
// returned to the caller.
func (c *Conn) Send(msgType string, payload any) error {
	data, err := encode(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sock, gen := c.sock, c.gen
	c.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	if err := sock.WriteMessage(data); err != nil {
		c.drop(gen, proto.CloseHeartbeatTimeout, "send failed")
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

func encode(msgType string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("encode %s: payload is not an object: %w", msgType, err)
		}
	}
	t, _ := json.Marshal(msgType)
	fields["type"] = t
	return json.Marshal(fields)
}

// JoinRoom enters roomID and returns the participants already present, in
// join order. It resolves on room-joined and fails on an error frame, ctx
// expiry or the request timeout.
func (c *Conn) JoinRoom(ctx context.Context, roomID string, metadata json.RawMessage) ([]int64, error) {
	w := &joinWaiter{ch: make(chan joinResult, 1)}
	c.mu.Lock()
	if _, busy := c.pending[roomID]; busy {
		c.mu.Unlock()
		return nil, ErrJoinInFlight
	}
	c.pending[roomID] = w
	w.timer = c.clk.AfterFunc(c.opts.RequestTimeout, func() {
		c.resolveJoin(roomID, w, nil, ErrRequestTimeout)
	})
	c.mu.Unlock()

	if err := c.Send(proto.TypeJoinRoom, proto.JoinRoom{RoomID: roomID, Metadata: metadata}); err != nil {
		c.resolveJoin(roomID, w, nil, err)
	}

	select {
	case r := <-w.ch:
		return r.participants, r.err
	case <-ctx.Done():
		c.resolveJoin(roomID, w, nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// resolveJoin completes the waiter for roomID. A nil w matches whichever
// waiter is pending.
func (c *Conn) resolveJoin(roomID string, w *joinWaiter, participants []int64, err error) {
	c.mu.Lock()
	cur, ok := c.pending[roomID]
	if !ok || (w != nil && cur != w) {
		c.mu.Unlock()
		return
	}
	delete(c.pending, roomID)
	cur.timer.Stop()
	c.mu.Unlock()
	cur.ch <- joinResult{participants: participants, err: err}
}

func (c *Conn) rejectJoins(err error) {
	c.mu.Lock()
	waiters := c.pending
	c.pending = make(map[string]*joinWaiter)
	c.mu.Unlock()
	for _, w := range waiters {
		w.timer.Stop()
		w.ch <- joinResult{err: err}
	}
}

// LeaveRoom leaves the current room.
func (c *Conn) LeaveRoom() error {
	return c.Send(proto.TypeLeaveRoom, nil)
}

// Close stops the heartbeat and any reconnect, and closes the socket
// normally.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopHeartbeatLocked()
	if c.reconnTimer != nil {
		c.reconnTimer.Stop()
	}
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	c.rejectJoins(ErrClosed)
	if sock == nil {
		return nil
	}
	return sock.Close(proto.CloseNormal, "bye")
}
