// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/zkwire/go-sdk/internal/jute"
)

// A SASLClient is a pluggable SASL mechanism implementation. The engine
// runs the challenge/response exchange inline during the session handshake;
// no application packet is transmitted before the exchange completes.
type SASLClient interface {
	// Start begins the exchange and returns the initial token, which may be
	// empty. The endpoint addresses are provided for mechanisms that bind
	// to them.
	Start(localAddr, remoteAddr string) ([]byte, error)
	// EvaluateChallenge consumes a server challenge and returns the next
	// token.
	EvaluateChallenge(challenge []byte) ([]byte, error)
	// Completed reports whether the exchange has finished.
	Completed() bool
	// HasLastPacket reports whether one final token must be sent after the
	// exchange completes.
	HasLastPacket() bool
}

// handshake executes the session handshake on a freshly connected socket:
// connect request, optional SASL exchange, connect response, then the
// priority replay of watch reset and stored credentials. The driver is the
// socket's only user until it returns.
func (c *Conn) handshake(conn net.Conn, fc *frameConn) error {
	c.setState(stateAssociating)

	c.mu.Lock()
	sessionID, password := c.sessionID, c.password
	c.mu.Unlock()

	req := &connectRequest{
		ProtocolVersion: protocolVersion,
		LastZxidSeen:    c.lastZxid.Load(),
		Timeout:         int32(c.opts.SessionTimeout.Milliseconds()),
		SessionID:       sessionID,
		Password:        password,
	}
	var enc jute.Encoder
	req.Encode(&enc)
	conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if err := fc.writeFrame(enc.Bytes()); err != nil {
		return fmt.Errorf("connect request: %w", err)
	}

	if c.opts.SASL != nil {
		if err := c.saslExchange(conn, fc); err != nil {
			return err
		}
	}

	conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	payload, err := fc.readFrame()
	if err != nil {
		return fmt.Errorf("connect response: %w", err)
	}
	var resp connectResponse
	dec := jute.NewDecoder(payload)
	dec.SetMaxBufferLength(c.opts.MaxPacketLength)
	if err := resp.Decode(dec); err != nil {
		return fmt.Errorf("%w: connect response: %v", ErrMalformedFrame, err)
	}

	if resp.NegotiatedTimeout <= 0 {
		// The server refused to resume the session.
		c.setState(stateClosed)
		c.sessionEvent(StateExpired)
		c.forgetSession()
		return ErrSessionExpired
	}

	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.password = resp.Password
	c.mu.Unlock()
	c.negotiatedTimeout.Store(int64(resp.NegotiatedTimeout))
	negotiated := time.Duration(resp.NegotiatedTimeout) * time.Millisecond
	c.readTimeout.Store(int64(negotiated * 2 / 3))
	c.saveSession(resp.SessionID, resp.Password)

	c.replayPriority()

	conn.SetDeadline(time.Time{})
	c.lastSend.Store(time.Now().UnixNano())
	c.setState(stateConnected)
	c.logger.Info("zk: session established",
		"session", fmt.Sprintf("%#x", resp.SessionID),
		"timeout", negotiated)
	c.sessionEvent(StateSyncConnected)
	c.outgoing.signal()
	return nil
}

// saslExchange runs the challenge/response loop. Each token is framed as a
// SASL packet and its reply awaited synchronously; the receiver loop is not
// running yet.
func (c *Conn) saslExchange(conn net.Conn, fc *frameConn) error {
	sasl := c.opts.SASL
	token, err := sasl.Start(conn.LocalAddr().String(), conn.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("sasl start: %w", err)
	}
	for {
		challenge, err := c.saslRoundTrip(conn, fc, token)
		if err != nil {
			return err
		}
		if token, err = sasl.EvaluateChallenge(challenge); err != nil {
			return fmt.Errorf("sasl challenge: %w", err)
		}
		if sasl.Completed() {
			break
		}
	}
	if sasl.HasLastPacket() {
		if _, err := c.saslRoundTrip(conn, fc, token); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) saslRoundTrip(conn net.Conn, fc *frameConn, token []byte) ([]byte, error) {
	p := newPacket(
		&RequestHeader{Xid: c.nextXid(), Op: OpSASL},
		&saslRequest{Token: token},
		nil,
	)
	conn.SetDeadline(time.Now().Add(c.opts.ConnectTimeout))
	if _, err := conn.Write(p.serialized); err != nil {
		return nil, fmt.Errorf("sasl request: %w", err)
	}
	payload, err := fc.readFrame()
	if err != nil {
		return nil, fmt.Errorf("sasl reply: %w", err)
	}
	dec := jute.NewDecoder(payload)
	dec.SetMaxBufferLength(c.opts.MaxPacketLength)
	var h ReplyHeader
	if err := h.Decode(dec); err != nil {
		return nil, fmt.Errorf("%w: sasl reply header: %v", ErrMalformedFrame, err)
	}
	if h.Err != errOk {
		if h.Err == errAuthFailed {
			c.setState(stateAuthFailed)
			c.sessionEvent(StateAuthFailed)
			return nil, ErrAuthFailed
		}
		return nil, fmt.Errorf("sasl exchange: %w", h.Err.Err())
	}
	var resp saslResponse
	if err := resp.Decode(dec); err != nil {
		return nil, fmt.Errorf("%w: sasl reply body: %v", ErrMalformedFrame, err)
	}
	return resp.Token, nil
}

// replayPriority prepends the watch reset and stored credentials to the
// outgoing queue, so they precede every application packet queued before
// the handshake completed.
func (c *Conn) replayPriority() {
	var front []*Packet
	if !c.opts.DisableAutoWatchReset && c.opts.Watcher != nil {
		if snap := c.opts.Watcher.Snapshot(); !snap.Empty() {
			front = append(front, newPacket(
				&RequestHeader{Xid: xidSetWatches, Op: OpSetWatches},
				&setWatchesRequest{
					RelativeZxid: c.lastZxid.Load(),
					DataWatches:  snap.Data,
					ExistWatches: snap.Exist,
					ChildWatches: snap.Child,
				},
				nil,
			))
		}
	}
	c.credsMu.Lock()
	for _, cred := range c.creds {
		front = append(front, newAuthPacket(cred.scheme, cred.auth))
	}
	c.credsMu.Unlock()
	if len(front) > 0 {
		c.outgoing.pushFront(front...)
	}
}

func (c *Conn) saveSession(sessionID int64, password []byte) {
	if c.opts.SessionStore == nil {
		return
	}
	state := &SessionState{
		SessionID: sessionID,
		Password:  password,
		LastZxid:  c.lastZxid.Load(),
	}
	if err := c.opts.SessionStore.Save(context.Background(), state); err != nil {
		c.logger.Warn("zk: saving session state", "err", err)
	}
}
