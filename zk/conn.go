// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package zk implements the client side of the ZooKeeper wire protocol: a
// long-lived, single-session TCP client that multiplexes requests onto one
// server connection, preserves request/response ordering, keeps the session
// alive through transparent reconnection, and delivers watch notifications.
package zk

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zkwire/go-sdk/internal/jute"
)

// DefaultConnectTimeout bounds a single TCP connect and each handshake step.
const DefaultConnectTimeout = 500 * time.Millisecond

// DefaultMaxSpin is the number of polling slices used while waiting for an
// orderly session close.
const DefaultMaxSpin = 30

// sessionState is the connection engine's state machine.
type sessionState int32

const (
	stateNotConnected sessionState = iota
	stateConnecting
	stateAssociating
	stateConnected
	stateClosed
	stateAuthFailed
)

func (s sessionState) String() string {
	switch s {
	case stateNotConnected:
		return "not-connected"
	case stateConnecting:
		return "connecting"
	case stateAssociating:
		return "associating"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	case stateAuthFailed:
		return "auth-failed"
	}
	return "unknown"
}

// ConnOptions configures a [Conn]. SessionTimeout is mandatory; every other
// field has a usable zero value.
type ConnOptions struct {
	// SessionTimeout is the timeout requested from the server. The server
	// may negotiate it down; the negotiated value governs liveness.
	SessionTimeout time.Duration

	// ConnectTimeout bounds a TCP connect attempt and each handshake step.
	// If 0, DefaultConnectTimeout is used.
	ConnectTimeout time.Duration

	// MaxPacketLength bounds a single incoming frame payload and each buffer
	// decoded from it. Outgoing packets are not checked against it.
	// If 0, DefaultMaxPacketLength is used.
	MaxPacketLength int

	// MaxSpin is the number of polling slices used while closing.
	// If 0, DefaultMaxSpin is used.
	MaxSpin int

	// DisableAutoWatchReset suppresses the SetWatches replay after a
	// reconnect.
	DisableAutoWatchReset bool

	// SASL, if set, is run inline during the session handshake.
	SASL SASLClient

	// Dispatcher receives session events and watch notifications. If nil,
	// events are discarded.
	Dispatcher Dispatcher

	// Watcher provides the registered-watch snapshot replayed on reconnect.
	Watcher Watcher

	// SessionStore, if set, persists session identity after every
	// successful handshake so a restarted process can resume the session.
	SessionStore SessionStore

	// Logger receives engine diagnostics. If nil, logging is discarded.
	Logger *slog.Logger
}

type authCred struct {
	scheme string
	auth   []byte
}

// A Conn is the client connection engine: it owns the socket, drives the
// session state machine, and runs the sender and receiver loops. All
// methods are safe for concurrent use.
type Conn struct {
	opts      ConnOptions
	logger    *slog.Logger
	endpoints *endpointSet
	chroot    string

	outgoing *outgoingQueue
	pending  pendingQueue

	xid      atomic.Int32
	lastZxid atomic.Int64

	// negotiatedTimeout and readTimeout are written by the handshake driver
	// only; both loops and the API layer read them.
	negotiatedTimeout atomic.Int64 // milliseconds
	readTimeout       atomic.Int64 // nanoseconds

	state   atomic.Int32
	closing atomic.Bool

	mu        sync.Mutex
	sessionID int64
	password  []byte
	tcp       net.Conn

	credsMu sync.Mutex
	creds   []authCred

	sweep    *rate.Limiter
	rnd      *rand.Rand
	attempts int

	lastSend     atomic.Int64 // unix nanoseconds
	lastPingSent atomic.Int64 // unix nanoseconds

	loopDone chan struct{}
}

// Dial parses the connection string ("host[:port](,host[:port])*[/chroot]"),
// starts the connection engine, and returns immediately. The session is
// established in the background; subscribe a Dispatcher to observe it.
func Dial(connectString string, opts *ConnOptions) (*Conn, error) {
	var o ConnOptions
	if opts != nil {
		o = *opts
	}
	if o.SessionTimeout <= 0 {
		return nil, fmt.Errorf("%w: session timeout is mandatory", ErrInvalidArgument)
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.MaxPacketLength <= 0 {
		o.MaxPacketLength = DefaultMaxPacketLength
	}
	if o.MaxSpin <= 0 {
		o.MaxSpin = DefaultMaxSpin
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	addrs, chroot, err := parseConnectString(connectString)
	if err != nil {
		return nil, err
	}

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	c := &Conn{
		opts:      o,
		logger:    o.Logger,
		endpoints: newEndpointSet(addrs, rnd),
		chroot:    chroot,
		outgoing:  newOutgoingQueue(),
		sweep:     rate.NewLimiter(rate.Every(time.Second), 1),
		rnd:       rnd,
		loopDone:  make(chan struct{}),
		password:  make([]byte, sessionPasswordLen),
	}
	c.sweep.Allow() // spend the initial burst, so a sweep exhausted within the first second pauses too
	c.readTimeout.Store(int64(o.SessionTimeout * 2 / 3))
	c.negotiatedTimeout.Store(o.SessionTimeout.Milliseconds())

	if o.SessionStore != nil {
		if state, err := o.SessionStore.Load(context.Background()); err != nil {
			c.logger.Warn("zk: loading saved session state", "err", err)
		} else if state != nil && state.SessionID != 0 {
			c.sessionID = state.SessionID
			c.password = state.Password
			c.lastZxid.Store(state.LastZxid)
		}
	}

	go c.run()
	return c, nil
}

// SessionID returns the server-assigned session id, or 0 before the first
// successful handshake.
func (c *Conn) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastZxid returns the greatest transaction id observed in any reply.
func (c *Conn) LastZxid() int64 { return c.lastZxid.Load() }

// NegotiatedTimeout returns the session timeout granted by the server.
func (c *Conn) NegotiatedTimeout() time.Duration {
	return time.Duration(c.negotiatedTimeout.Load()) * time.Millisecond
}

// Chroot returns the configured chroot prefix, or "".
func (c *Conn) Chroot() string { return c.chroot }

func (c *Conn) sessionState() sessionState {
	return sessionState(c.state.Load())
}

// setState records the new state. Any transition to NotConnected also
// wakes the sender loop.
func (c *Conn) setState(s sessionState) {
	c.state.Store(int32(s))
	if s == stateNotConnected {
		c.outgoing.signal()
	}
}

func (c *Conn) nextXid() int32 { return c.xid.Add(1) }

func (c *Conn) dispatch(e Event) {
	if c.opts.Dispatcher != nil {
		c.opts.Dispatcher.Dispatch(e)
	}
}

func (c *Conn) sessionEvent(s State) {
	c.dispatch(Event{Type: EventSession, State: s})
}

// A Request describes one submission from the API layer. The engine
// interprets only Op; Body and Response are opaque records, and the path
// and watch fields ride along for the API layer's bookkeeping.
type Request struct {
	Op         int32
	Body       Record
	Response   Record
	ClientPath string
	ServerPath string
	Watch      WatchRegistration
}

// Submit frames the request with the next xid and queues it for
// transmission. The returned packet's completion signal fires exactly once,
// when a matching reply arrives or the packet is completed with a terminal
// error.
func (c *Conn) Submit(req Request) (*Packet, error) {
	if c.closing.Load() {
		return nil, ErrClosing
	}
	switch c.sessionState() {
	case stateClosed:
		return nil, ErrSessionExpired
	case stateAuthFailed:
		return nil, ErrAuthFailed
	}
	p := newPacket(&RequestHeader{Xid: c.nextXid(), Op: req.Op}, req.Body, req.Response)
	p.clientPath = req.ClientPath
	p.serverPath = req.ServerPath
	p.watch = req.Watch
	c.outgoing.pushBack(p)
	select {
	case <-c.loopDone:
		// The engine terminated between the state check and the push; its
		// final drain may have missed the packet.
		code := errSessionExpired
		if c.sessionState() == stateAuthFailed {
			code = errAuthFailed
		}
		for _, q := range c.outgoing.drain() {
			q.finish(code)
		}
		return nil, c.terminalErr()
	default:
	}
	return p, nil
}

// AddAuth stores credentials for the session. They are sent immediately if
// connected, and replayed after every reconnect.
func (c *Conn) AddAuth(scheme string, auth []byte) {
	c.credsMu.Lock()
	c.creds = append(c.creds, authCred{scheme: scheme, auth: auth})
	c.credsMu.Unlock()
	if c.sessionState() == stateConnected {
		c.outgoing.pushBack(newAuthPacket(scheme, auth))
	}
}

func newAuthPacket(scheme string, auth []byte) *Packet {
	return newPacket(
		&RequestHeader{Xid: xidAuth, Op: OpAuth},
		&authRequest{Scheme: scheme, Auth: auth},
		nil,
	)
}

func (c *Conn) terminalErr() error {
	switch c.sessionState() {
	case stateAuthFailed:
		return ErrAuthFailed
	default:
		return ErrSessionExpired
	}
}

// run is the engine's outer loop: reconnect, handshake, then drive the
// sender and receiver until the connection drops or the session ends.
func (c *Conn) run() {
	defer close(c.loopDone)
	for {
		if c.closing.Load() {
			c.setState(stateClosed)
			break
		}
		conn, ep, err := c.dialNext()
		if err != nil {
			c.logger.Debug("zk: connect failed", "endpoint", ep.addr, "err", err)
			continue
		}
		fc := newFrameConn(conn, c.opts.MaxPacketLength)
		if err := c.handshake(conn, fc); err != nil {
			conn.Close()
			c.clearTCP()
			c.endpoints.markFailure(ep)
			if c.terminal() {
				break
			}
			c.logger.Warn("zk: handshake failed", "endpoint", ep.addr, "err", err)
			c.setState(stateNotConnected)
			continue
		}
		c.endpoints.markSuccess(ep)

		recvDone := make(chan struct{})
		var g errgroup.Group
		g.Go(func() error {
			defer close(recvDone)
			defer conn.Close()
			return c.recvLoop(conn, fc)
		})
		g.Go(func() error {
			defer conn.Close()
			return c.sendLoop(conn, recvDone)
		})
		err = g.Wait()
		c.clearTCP()

		if c.closing.Load() {
			c.setState(stateClosed)
			break
		}
		c.logger.Info("zk: connection lost", "endpoint", ep.addr, "err", err)
		c.drainAll(errConnectionLoss)
		c.setState(stateNotConnected)
		c.sessionEvent(StateDisconnected)
	}
	switch c.sessionState() {
	case stateAuthFailed:
		c.drainAll(errAuthFailed)
	default:
		c.drainAll(errSessionExpired)
	}
}

func (c *Conn) terminal() bool {
	s := c.sessionState()
	return s == stateClosed || s == stateAuthFailed
}

// drainAll completes every queued and in-flight packet with code.
func (c *Conn) drainAll(code ErrCode) {
	for _, p := range c.pending.drain() {
		p.finish(code)
	}
	for _, p := range c.outgoing.drain() {
		p.finish(code)
	}
}

func (c *Conn) clearTCP() {
	c.mu.Lock()
	c.tcp = nil
	c.mu.Unlock()
}

// dialNext is the reconnect controller: jittered delay, sweep pacing,
// cursor advance, TCP connect.
func (c *Conn) dialNext() (net.Conn, *endpoint, error) {
	if c.attempts > 0 {
		// Desynchronize clients reconnecting after a shared server failure.
		time.Sleep(time.Duration(c.rnd.Int63n(int64(50 * time.Millisecond))))
	}
	c.attempts++
	if !c.endpoints.hasUntried() {
		r := c.sweep.Reserve()
		if d := r.Delay(); d > 0 {
			c.logger.Debug("zk: endpoint sweep exhausted", "pause", d)
			time.Sleep(d)
		}
		c.endpoints.resetSweep()
	}
	ep := c.endpoints.next()
	c.setState(stateConnecting)
	conn, err := net.DialTimeout("tcp", ep.addr, c.opts.ConnectTimeout)
	if err != nil {
		c.endpoints.markFailure(ep)
		c.setState(stateNotConnected)
		return nil, ep, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	c.mu.Lock()
	c.tcp = conn
	c.mu.Unlock()
	return conn, ep, nil
}

// sendLoop drains the outgoing queue onto the socket and enforces the ping
// cadence. It is the socket's only writer while the session is connected.
func (c *Conn) sendLoop(conn net.Conn, recvDone <-chan struct{}) error {
	for {
		select {
		case <-recvDone:
			return nil
		default:
		}

		now := time.Now()
		if rt := time.Duration(c.readTimeout.Load()); rt > 0 {
			idle := now.Sub(time.Unix(0, c.lastSend.Load()))
			if idle >= rt/2 && !c.closing.Load() {
				c.outgoing.pushBack(newPacket(&RequestHeader{Xid: xidPing, Op: OpPing}, pingRequest{}, nil))
			}
		}

		p := c.outgoing.popFront()
		if p == nil {
			select {
			case <-recvDone:
				return nil
			case <-c.outgoing.wake:
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if p.isPing() {
			c.lastPingSent.Store(time.Now().UnixNano())
		}
		// Pending must be populated before the bytes reach the wire, or a
		// fast reply could find the queue empty.
		if !p.isPing() && !p.isAuth() {
			c.pending.pushBack(p)
		}
		conn.SetWriteDeadline(time.Now().Add(c.opts.SessionTimeout))
		if _, err := conn.Write(p.serialized); err != nil {
			return err
		}
		c.lastSend.Store(time.Now().UnixNano())
		if p.isPing() || p.isAuth() {
			p.finish(errOk)
		}
		if p.isCloseSession() {
			c.logger.Debug("zk: close-session transmitted", "session", c.SessionID())
		}
	}
}

// recvLoop parses reply frames, matches them against the pending queue,
// and routes notifications to the dispatcher.
func (c *Conn) recvLoop(conn net.Conn, fc *frameConn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(time.Duration(c.readTimeout.Load())))
		payload, err := fc.readFrame()
		if err != nil {
			return err
		}
		dec := jute.NewDecoder(payload)
		dec.SetMaxBufferLength(c.opts.MaxPacketLength)
		var h ReplyHeader
		if err := h.Decode(dec); err != nil {
			return fmt.Errorf("%w: reply header: %v", ErrMalformedFrame, err)
		}

		switch h.Xid {
		case xidPing:
			rtt := time.Since(time.Unix(0, c.lastPingSent.Load()))
			c.logger.Debug("zk: ping reply", "rtt", rtt)
		case xidAuth:
			if h.Err != errOk {
				c.logger.Warn("zk: auth reply", "err", h.Err.String())
			}
		case xidNotification:
			var we watcherEvent
			if err := we.Decode(dec); err != nil {
				return fmt.Errorf("%w: watcher event: %v", ErrMalformedFrame, err)
			}
			if h.Zxid > 0 && h.Zxid > c.lastZxid.Load() {
				c.lastZxid.Store(h.Zxid)
			}
			c.dispatch(Event{
				Type:  EventType(we.Type),
				State: State(we.State),
				Path:  stripChroot(we.Path, c.chroot),
			})
		default:
			p := c.pending.popFront()
			if p == nil {
				return fmt.Errorf("%w: reply xid %d with no request in flight", ErrMalformedFrame, h.Xid)
			}
			if p.Xid() != h.Xid {
				p.finish(errConnectionLoss)
				return fmt.Errorf("%w: reply xid %d, expected %d", ErrProtocolViolation, h.Xid, p.Xid())
			}
			p.reply = h
			if h.Zxid > 0 && h.Zxid > c.lastZxid.Load() {
				c.lastZxid.Store(h.Zxid)
			}
			if h.Err == errOk && p.resp != nil && dec.Remaining() > 0 {
				if err := p.resp.Decode(dec); err != nil {
					p.finish(errMarshallingError)
					return fmt.Errorf("%w: response body for xid %d: %v", ErrMalformedFrame, h.Xid, err)
				}
			}
			p.finish(h.Err)
		}
	}
}

// Close performs an orderly session shutdown: it transmits a CloseSession,
// waits for the peer to drop the socket bounded by the session timeout,
// then force-closes. After Close returns no reconnection occurs and all
// queued packets have been completed.
func (c *Conn) Close() error {
	if c.closing.Swap(true) {
		<-c.loopDone
		return nil
	}
	p := newPacket(&RequestHeader{Xid: c.nextXid(), Op: OpCloseSession}, closeSessionRequest{}, nil)
	c.outgoing.pushBack(p)

	deadline := time.Now().Add(c.opts.SessionTimeout)
	interval := c.opts.SessionTimeout / time.Duration(c.opts.MaxSpin)
	if interval <= 0 {
		interval = time.Millisecond
	}
	for {
		select {
		case <-c.loopDone:
			c.forgetSession()
			return nil
		case <-time.After(interval):
			if time.Now().After(deadline) {
				c.forceClose()
				<-c.loopDone
				c.forgetSession()
				return fmt.Errorf("%w: session close", ErrTimeout)
			}
		}
	}
}

func (c *Conn) forceClose() {
	c.mu.Lock()
	tcp := c.tcp
	c.mu.Unlock()
	if tcp != nil {
		tcp.Close()
	}
}

func (c *Conn) forgetSession() {
	if c.opts.SessionStore == nil {
		return
	}
	if err := c.opts.SessionStore.Delete(context.Background()); err != nil {
		c.logger.Warn("zk: deleting saved session state", "err", err)
	}
}

// Done returns a channel closed when the engine has terminated, either
// through Close or a fatal session error.
func (c *Conn) Done() <-chan struct{} { return c.loopDone }

// Err returns the terminal session error after Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.loopDone:
	default:
		return nil
	}
	if c.sessionState() == stateAuthFailed {
		return ErrAuthFailed
	}
	if c.closing.Load() {
		return nil
	}
	return ErrSessionExpired
}
