// Package channel implements the signaling control channel: a single
// logical connection multiplexing transaction-correlated requests and
// asynchronous server pushes, with bounded-backoff reconnection and a
// missed-ping watchdog.
package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sylkrtc/sylkrtc-go/internal/wire"
)

type State string

const (
	StateNone         State = ""
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

var (
	ErrNotReady       = errors.New("connection is not ready")
	ErrConnectionLost = errors.New("connection lost")
	ErrBackpressure   = errors.New("backpressure")
)

const sendBuffer = 32

type Options struct {
	Server         string
	Dial           Dialer
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	PingInterval   time.Duration
	MaxMissedPings int
}

func (o *Options) withDefaults() {
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 64 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.MaxMissedPings <= 0 {
		o.MaxMissedPings = 6
	}
}

type pendingRequest struct {
	op string
	cb func(error)
}

// Channel owns the control-channel connection. Requests may only be sent in
// the ready state; every outbound request carries a unique transaction id
// with at most one pending callback per id.
type Channel struct {
	opts Options

	mu       sync.Mutex
	state    State
	closed   bool
	delay    time.Duration
	conn     Transport
	send     chan []byte
	done     chan struct{}
	requests map[string]pendingRequest
	retry    *time.Timer
	missed   int

	onStateChange    func(old, new State)
	onAccountEvent   func(*wire.Envelope)
	onSessionEvent   func(*wire.Envelope)
	onVideoroomEvent func(*wire.Envelope)
	keyWaiters       []func(uri, key string)
}

func New(opts Options) *Channel {
	opts.withDefaults()
	return &Channel{
		opts:     opts,
		delay:    opts.InitialDelay,
		requests: make(map[string]pendingRequest),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange sets the connection state observer.
func (c *Channel) OnStateChange(fn func(old, new State)) { c.onStateChange = fn }

// OnAccountEvent, OnSessionEvent and OnVideoroomEvent set the routing sinks
// for server pushes. They must be set before Connect.
func (c *Channel) OnAccountEvent(fn func(*wire.Envelope))   { c.onAccountEvent = fn }
func (c *Channel) OnSessionEvent(fn func(*wire.Envelope))   { c.onSessionEvent = fn }
func (c *Channel) OnVideoroomEvent(fn func(*wire.Envelope)) { c.onVideoroomEvent = fn }

// OncePublicKey registers a one-shot listener for the next out-of-band
// public-key notification. Listeners are not correlated to a lookup request;
// concurrent lookups each register their own waiter.
func (c *Channel) OncePublicKey(fn func(uri, key string)) {
	c.mu.Lock()
	c.keyWaiters = append(c.keyWaiters, fn)
	c.mu.Unlock()
}

// LookupPublicKey asks the server for a peer's public key. The result
// arrives as an out-of-band lookup-public-key-event, not as a response to
// this request; see OncePublicKey.
func (c *Channel) LookupPublicKey(uri string) {
	req := &wire.LookupPublicKey{Request: wire.NewRequest(wire.OpLookupPublicKey), URI: uri}
	c.Send(req, nil)
}

// Connect starts the connection attempt. Further lifecycle is reported via
// OnStateChange; a lost connection reconnects on its own until Close.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.closed || c.state != StateNone && c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	go c.connect()
}

// Close tears the channel down for good: no reconnection follows.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close() // teardown runs from the read pump
	} else {
		go c.setState(StateClosed)
	}
}

// Send assigns a fresh transaction id to req and writes it out. The callback
// fires with nil on ack or an error otherwise. Local failures (not ready,
// backpressure) complete the callback asynchronously, never inline, so a
// caller's subsequent sends keep their relative order.
func (c *Channel) Send(req wire.ClientRequest, cb func(error)) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		c.fail(cb, ErrNotReady)
		return
	}
	transaction := uuid.NewString()
	req.SetTransaction(transaction)
	data, err := json.Marshal(req)
	if err != nil {
		c.mu.Unlock()
		c.fail(cb, err)
		return
	}
	c.requests[transaction] = pendingRequest{op: req.Op(), cb: cb}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		delete(c.requests, transaction)
		c.mu.Unlock()
		log.Warn().Str("module", "channel").Str("op", req.Op()).Msg("send queue full")
		c.fail(cb, ErrBackpressure)
	}
}

func (c *Channel) fail(cb func(error), err error) {
	if cb == nil {
		return
	}
	go cb(err)
}

func (c *Channel) connect() {
	c.setState(StateConnecting)
	conn, err := c.opts.Dial(c.opts.Server)
	if err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("dial failed")
		c.connectionLost(nil)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.delay = c.opts.InitialDelay
	c.missed = 0
	c.requests = make(map[string]pendingRequest)
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	send, done := c.send, c.done
	c.mu.Unlock()

	conn.OnPong(func() {
		c.mu.Lock()
		c.missed = 0
		c.mu.Unlock()
	})

	c.setState(StateConnected)
	go c.writePump(conn, send, done)
	go c.readPump(conn)
}

func (c *Channel) readPump(conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "channel").Msg("connection closed")
			c.connectionLost(conn)
			return
		}
		c.dispatch(data)
	}
}

func (c *Channel) writePump(conn Transport, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case data := <-send:
			if err := conn.WriteMessage(data); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("write error")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			c.heartbeat(conn)
		}
	}
}

// heartbeat sends a keepalive ping once the channel is ready. Each tick
// counts as a miss until a pong or any server message resets the counter;
// at the threshold the connection is forced down so the reconnection path
// runs as if the transport had failed.
func (c *Channel) heartbeat(conn Transport) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.missed++
	missed := c.missed
	c.mu.Unlock()

	if missed >= c.opts.MaxMissedPings {
		log.Warn().Str("module", "channel").Int("missed", missed).Msg("heartbeat timeout, closing connection")
		_ = conn.Close()
		return
	}
	if err := conn.Ping(); err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("ping error")
		_ = conn.Close()
	}
}

// connectionLost handles both dial failures (conn == nil) and established
// connections dropping. Pending requests are failed, server-side state is
// assumed gone and, unless the caller closed the channel, a retry is
// scheduled with a doubling, capped delay.
func (c *Channel) connectionLost(conn Transport) {
	c.mu.Lock()
	if conn != nil {
		if c.conn != conn { // stale pump from a previous connection
			c.mu.Unlock()
			return
		}
		c.conn = nil
		close(c.done)
	}
	pending := c.requests
	c.requests = make(map[string]pendingRequest)
	closed := c.closed
	var delay time.Duration
	if !closed {
		delay = c.delay
		c.delay *= 2
		if c.delay > c.opts.MaxDelay {
			c.delay = c.opts.MaxDelay
		}
	}
	c.mu.Unlock()

	for _, p := range pending {
		c.fail(p.cb, ErrConnectionLost)
	}

	c.setState(StateDisconnected)
	if closed {
		c.setState(StateClosed)
		return
	}

	log.Info().Str("module", "channel").Dur("delay", delay).Msg("retrying connection")
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.retry = time.AfterFunc(delay, c.connect)
	c.mu.Unlock()
}

func (c *Channel) dispatch(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "channel").Msg("bad json")
		return
	}
	if env.Sylkrtc == "" {
		log.Warn().Str("module", "channel").Msg("unrecognized message")
		return
	}

	// any server traffic counts as liveness
	c.mu.Lock()
	c.missed = 0
	c.mu.Unlock()

	switch env.Sylkrtc {
	case wire.KindReadyEvent:
		c.setState(StateReady)
	case wire.KindAccountEvent:
		if c.onAccountEvent != nil {
			c.onAccountEvent(&env)
		}
	case wire.KindSessionEvent:
		if c.onSessionEvent != nil {
			c.onSessionEvent(&env)
		}
	case wire.KindVideoroomEvent:
		if c.onVideoroomEvent != nil {
			c.onVideoroomEvent(&env)
		}
	case wire.KindPublicKeyEvent:
		c.mu.Lock()
		waiters := c.keyWaiters
		c.keyWaiters = nil
		c.mu.Unlock()
		for _, fn := range waiters {
			fn(env.URI, env.PublicKey)
		}
	case wire.KindAck, wire.KindError:
		c.resolve(&env)
	default:
		log.Warn().Str("module", "channel").Str("sylkrtc", env.Sylkrtc).Msg("unknown message kind")
	}
}

func (c *Channel) resolve(env *wire.Envelope) {
	c.mu.Lock()
	p, ok := c.requests[env.Transaction]
	if ok {
		delete(c.requests, env.Transaction)
	}
	c.mu.Unlock()

	if !ok {
		log.Warn().Str("module", "channel").Str("transaction", env.Transaction).Msg("unknown transaction")
		return
	}
	if p.cb == nil {
		return
	}
	if env.Sylkrtc == wire.KindAck {
		p.cb(nil)
	} else {
		p.cb(errors.New(env.Error))
	}
}

func (c *Channel) setState(newState State) {
	c.mu.Lock()
	oldState := c.state
	if oldState == newState || oldState == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = newState
	fn := c.onStateChange
	c.mu.Unlock()

	log.Debug().Str("module", "channel").Str("old", string(oldState)).Str("new", string(newState)).Msg("state change")
	if fn != nil {
		fn(oldState, newState)
	}
}
