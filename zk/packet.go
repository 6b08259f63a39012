// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/zkwire/go-sdk/internal/jute"
)

// A WatchRegistration rides on a packet on behalf of the watch manager and
// is handed back the reply code when the packet finishes, so the manager
// can decide whether the watch was armed.
type WatchRegistration interface {
	Register(code ErrCode)
}

// A Packet is the engine's unit of work: a framed request waiting to be
// transmitted, then waiting for its reply. A packet finishes exactly once;
// after that its reply header is authoritative.
type Packet struct {
	header *RequestHeader
	req    Record
	resp   Record

	// serialized is the full frame, length prefix included. It is built at
	// construction and never mutated.
	serialized []byte

	reply ReplyHeader
	watch WatchRegistration

	// clientPath and serverPath carry the API layer's view of the operation
	// target; the engine does not interpret them.
	clientPath string
	serverPath string

	once sync.Once
	done chan struct{}
}

// newPacket serializes header and body into a single contiguous frame.
// header is nil only for the initial connect request.
func newPacket(header *RequestHeader, req, resp Record) *Packet {
	var enc jute.Encoder
	enc.WriteInt32(0) // length, patched below
	if header != nil {
		header.Encode(&enc)
	}
	if req != nil {
		req.Encode(&enc)
	}
	buf := enc.Bytes()
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-4))
	return &Packet{
		header:     header,
		req:        req,
		resp:       resp,
		serialized: buf,
		done:       make(chan struct{}),
	}
}

// Xid returns the packet's request xid, or 0 if it has no header.
func (p *Packet) Xid() int32 {
	if p.header == nil {
		return 0
	}
	return p.header.Xid
}

// Reply returns the reply header. It is meaningful only after the packet
// has finished.
func (p *Packet) Reply() ReplyHeader { return p.reply }

// Response returns the decoded response body, if one was expected and the
// reply carried no error.
func (p *Packet) Response() Record { return p.resp }

// Err returns the terminal error of a finished packet, or nil on success.
func (p *Packet) Err() error { return p.reply.Err.Err() }

// Done returns a channel closed when the packet finishes.
func (p *Packet) Done() <-chan struct{} { return p.done }

// WaitUntilFinished blocks until the packet finishes or the timeout
// elapses, and reports whether it finished in time. The packet remains in
// flight after a timed-out wait; there is no retraction.
func (p *Packet) WaitUntilFinished(timeout time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// finish records the terminal reply code and fires the completion signal.
// Calling finish again is a no-op.
func (p *Packet) finish(code ErrCode) {
	p.once.Do(func() {
		if code != errOk {
			p.reply.Err = code
		}
		if p.watch != nil {
			p.watch.Register(p.reply.Err)
		}
		close(p.done)
	})
}

// isPing and isAuth identify the reserved-xid traffic that never enters
// the pending queue.
func (p *Packet) isPing() bool { return p.header != nil && p.header.Xid == xidPing }
func (p *Packet) isAuth() bool { return p.header != nil && p.header.Xid == xidAuth }

func (p *Packet) isCloseSession() bool {
	return p.header != nil && p.header.Op == OpCloseSession
}

// An outgoingQueue is the ordered queue of packets awaiting transmission.
// API callers push to the back; the handshake driver prepends priority
// packets; the sender loop is the sole consumer. A one-slot wake channel
// lets the sender sleep when the queue is empty.
type outgoingQueue struct {
	mu    sync.Mutex
	items []*Packet
	wake  chan struct{}
}

func newOutgoingQueue() *outgoingQueue {
	return &outgoingQueue{wake: make(chan struct{}, 1)}
}

func (q *outgoingQueue) pushBack(p *Packet) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.signal()
}

// pushFront prepends packets, preserving their given order. It is used
// only during handshake, for the watch-reset and auth replay.
func (q *outgoingQueue) pushFront(pkts ...*Packet) {
	q.mu.Lock()
	q.items = append(pkts, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *outgoingQueue) popFront() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p
}

// drain removes and returns all queued packets.
func (q *outgoingQueue) drain() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// signal wakes the sender loop without blocking.
func (q *outgoingQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// A pendingQueue holds packets already transmitted and awaiting a matching
// reply, in transmission order. The sender loop is the sole producer and
// the receiver loop the sole consumer.
type pendingQueue struct {
	mu    sync.Mutex
	items []*Packet
}

func (q *pendingQueue) pushBack(p *Packet) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

func (q *pendingQueue) popFront() *Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p
}

func (q *pendingQueue) drain() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
