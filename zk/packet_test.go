// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/zkwire/go-sdk/internal/jute"
)

func TestPacketSerialization(t *testing.T) {
	p := newPacket(
		&RequestHeader{Xid: 7, Op: OpGetData},
		&saslRequest{Token: []byte("tok")},
		nil,
	)
	frame := p.serialized
	if got := int32(binary.BigEndian.Uint32(frame)); got != int32(len(frame)-4) {
		t.Errorf("length prefix = %d, want %d", got, len(frame)-4)
	}
	dec := jute.NewDecoder(frame[4:])
	var h RequestHeader
	if err := h.Decode(dec); err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	if h.Xid != 7 || h.Op != OpGetData {
		t.Errorf("header = %+v", h)
	}
	var body saslRequest
	if err := body.Decode(dec); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if string(body.Token) != "tok" {
		t.Errorf("body token = %q", body.Token)
	}
}

func TestPacketFinishOnce(t *testing.T) {
	p := newPacket(&RequestHeader{Xid: 1, Op: OpPing}, pingRequest{}, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.finish(errConnectionLoss)
		}()
	}
	wg.Wait()

	if !p.WaitUntilFinished(time.Second) {
		t.Fatal("packet did not finish")
	}
	if p.Reply().Err != errConnectionLoss {
		t.Errorf("reply err = %v, want connection loss", p.Reply().Err)
	}
	// A second finish with a different code must not change the reply.
	p.finish(errSessionExpired)
	if p.Reply().Err != errConnectionLoss {
		t.Errorf("reply err after second finish = %v", p.Reply().Err)
	}
}

func TestWaitUntilFinishedTimeout(t *testing.T) {
	p := newPacket(&RequestHeader{Xid: 1, Op: OpPing}, pingRequest{}, nil)
	if p.WaitUntilFinished(10 * time.Millisecond) {
		t.Error("WaitUntilFinished reported completion on an unfinished packet")
	}
}

func TestWatchRegistrationOnFinish(t *testing.T) {
	got := make(chan ErrCode, 1)
	p := newPacket(&RequestHeader{Xid: 1, Op: OpExists}, nil, nil)
	p.watch = watchRegFunc(func(code ErrCode) { got <- code })
	p.finish(errNoNode)
	select {
	case code := <-got:
		if code != errNoNode {
			t.Errorf("registered code = %v, want no node", code)
		}
	default:
		t.Error("watch registration was not invoked")
	}
}

type watchRegFunc func(ErrCode)

func (f watchRegFunc) Register(code ErrCode) { f(code) }

func TestOutgoingQueueOrder(t *testing.T) {
	q := newOutgoingQueue()
	a := newPacket(&RequestHeader{Xid: 1}, nil, nil)
	b := newPacket(&RequestHeader{Xid: 2}, nil, nil)
	q.pushBack(a)
	q.pushBack(b)

	sw := newPacket(&RequestHeader{Xid: xidSetWatches}, nil, nil)
	auth := newPacket(&RequestHeader{Xid: xidAuth}, nil, nil)
	q.pushFront(sw, auth)

	want := []int32{xidSetWatches, xidAuth, 1, 2}
	for i, w := range want {
		p := q.popFront()
		if p == nil {
			t.Fatalf("popFront #%d = nil", i)
		}
		if p.Xid() != w {
			t.Errorf("popFront #%d xid = %d, want %d", i, p.Xid(), w)
		}
	}
	if q.popFront() != nil {
		t.Error("queue not empty after draining")
	}
}

func TestOutgoingQueueWake(t *testing.T) {
	q := newOutgoingQueue()
	q.pushBack(newPacket(&RequestHeader{Xid: 1}, nil, nil))
	select {
	case <-q.wake:
	default:
		t.Error("pushBack did not signal the wake channel")
	}
}

func TestQueueDrain(t *testing.T) {
	q := newOutgoingQueue()
	for i := range 3 {
		q.pushBack(newPacket(&RequestHeader{Xid: int32(i + 1)}, nil, nil))
	}
	if got := len(q.drain()); got != 3 {
		t.Errorf("drain returned %d packets, want 3", got)
	}
	if q.popFront() != nil {
		t.Error("queue not empty after drain")
	}

	var pq pendingQueue
	pq.pushBack(newPacket(&RequestHeader{Xid: 1}, nil, nil))
	pq.pushBack(newPacket(&RequestHeader{Xid: 2}, nil, nil))
	if p := pq.popFront(); p.Xid() != 1 {
		t.Errorf("pending popFront xid = %d, want 1", p.Xid())
	}
	if got := len(pq.drain()); got != 1 {
		t.Errorf("pending drain returned %d packets, want 1", got)
	}
}
