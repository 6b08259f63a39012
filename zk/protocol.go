// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file holds the wire-level protocol records and constants.

package zk

import (
	"fmt"

	"github.com/zkwire/go-sdk/internal/jute"
)

// Operation codes understood by the engine. Other opcodes are carried as
// opaque payloads on behalf of the API layer.
const (
	OpNotification int32 = 0
	OpCreate       int32 = 1
	OpDelete       int32 = 2
	OpExists       int32 = 3
	OpGetData      int32 = 4
	OpSetData      int32 = 5
	OpGetACL       int32 = 6
	OpSetACL       int32 = 7
	OpGetChildren  int32 = 8
	OpSync         int32 = 9
	OpPing         int32 = 11
	OpGetChildren2 int32 = 12
	OpCheck        int32 = 13
	OpMulti        int32 = 14
	OpAuth         int32 = 100
	OpSetWatches   int32 = 101
	OpSASL         int32 = 102
	OpCloseSession int32 = -11
	OpError        int32 = -1
)

// Reserved xids. Application xids are positive and strictly increasing;
// the negative values below mark protocol traffic and are demultiplexed by
// value on receipt.
const (
	xidNotification int32 = -1
	xidPing         int32 = -2
	xidAuth         int32 = -4
	xidSetWatches   int32 = -8
)

const protocolVersion = 0

// sessionPasswordLen is the fixed length of server-issued session passwords.
const sessionPasswordLen = 16

// A Record is a jute-serializable protocol record. Request and response
// bodies supplied by the API layer implement it; the engine treats them as
// opaque beyond encoding and decoding.
type Record interface {
	Encode(e *jute.Encoder)
	Decode(d *jute.Decoder) error
}

// A RequestHeader precedes every request body after the initial connect.
type RequestHeader struct {
	Xid int32
	Op  int32
}

// Encode implements [Record].
func (h *RequestHeader) Encode(e *jute.Encoder) {
	e.WriteInt32(h.Xid)
	e.WriteInt32(h.Op)
}

// Decode implements [Record].
func (h *RequestHeader) Decode(d *jute.Decoder) error {
	var err error
	if h.Xid, err = d.ReadInt32(); err != nil {
		return err
	}
	h.Op, err = d.ReadInt32()
	return err
}

// A ReplyHeader precedes every reply body. After a packet is finished its
// reply header is authoritative; Err carries the server error code, or the
// engine's synthetic code on connection loss or session expiry.
type ReplyHeader struct {
	Xid  int32
	Zxid int64
	Err  ErrCode
}

// Encode implements [Record].
func (h *ReplyHeader) Encode(e *jute.Encoder) {
	e.WriteInt32(h.Xid)
	e.WriteInt64(h.Zxid)
	e.WriteInt32(int32(h.Err))
}

// Decode implements [Record].
func (h *ReplyHeader) Decode(d *jute.Decoder) error {
	var err error
	if h.Xid, err = d.ReadInt32(); err != nil {
		return err
	}
	if h.Zxid, err = d.ReadInt64(); err != nil {
		return err
	}
	code, err := d.ReadInt32()
	h.Err = ErrCode(code)
	return err
}

// connectRequest opens or resumes a session. It is the only request sent
// without a RequestHeader.
type connectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	Timeout         int32 // milliseconds
	SessionID       int64
	Password        []byte
}

func (r *connectRequest) Encode(e *jute.Encoder) {
	e.WriteInt32(r.ProtocolVersion)
	e.WriteInt64(r.LastZxidSeen)
	e.WriteInt32(r.Timeout)
	e.WriteInt64(r.SessionID)
	e.WriteBuffer(r.Password)
}

func (r *connectRequest) Decode(d *jute.Decoder) error {
	var err error
	if r.ProtocolVersion, err = d.ReadInt32(); err != nil {
		return err
	}
	if r.LastZxidSeen, err = d.ReadInt64(); err != nil {
		return err
	}
	if r.Timeout, err = d.ReadInt32(); err != nil {
		return err
	}
	if r.SessionID, err = d.ReadInt64(); err != nil {
		return err
	}
	r.Password, err = d.ReadBuffer()
	return err
}

// connectResponse is the server's answer to a connectRequest. A
// non-positive negotiated timeout means the session could not be resumed.
type connectResponse struct {
	ProtocolVersion   int32
	NegotiatedTimeout int32 // milliseconds
	SessionID         int64
	Password          []byte
}

func (r *connectResponse) Encode(e *jute.Encoder) {
	e.WriteInt32(r.ProtocolVersion)
	e.WriteInt32(r.NegotiatedTimeout)
	e.WriteInt64(r.SessionID)
	e.WriteBuffer(r.Password)
}

func (r *connectResponse) Decode(d *jute.Decoder) error {
	var err error
	if r.ProtocolVersion, err = d.ReadInt32(); err != nil {
		return err
	}
	if r.NegotiatedTimeout, err = d.ReadInt32(); err != nil {
		return err
	}
	if r.SessionID, err = d.ReadInt64(); err != nil {
		return err
	}
	r.Password, err = d.ReadBuffer()
	return err
}

// setWatchesRequest re-arms registered watches after a reconnect.
type setWatchesRequest struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

func (r *setWatchesRequest) Encode(e *jute.Encoder) {
	e.WriteInt64(r.RelativeZxid)
	e.WriteStringVector(r.DataWatches)
	e.WriteStringVector(r.ExistWatches)
	e.WriteStringVector(r.ChildWatches)
}

func (r *setWatchesRequest) Decode(d *jute.Decoder) error {
	var err error
	if r.RelativeZxid, err = d.ReadInt64(); err != nil {
		return err
	}
	if r.DataWatches, err = d.ReadStringVector(); err != nil {
		return err
	}
	if r.ExistWatches, err = d.ReadStringVector(); err != nil {
		return err
	}
	r.ChildWatches, err = d.ReadStringVector()
	return err
}

// authRequest carries stored credentials, replayed after every reconnect.
type authRequest struct {
	Type   int32
	Scheme string
	Auth   []byte
}

func (r *authRequest) Encode(e *jute.Encoder) {
	e.WriteInt32(r.Type)
	e.WriteString(r.Scheme)
	e.WriteBuffer(r.Auth)
}

func (r *authRequest) Decode(d *jute.Decoder) error {
	var err error
	if r.Type, err = d.ReadInt32(); err != nil {
		return err
	}
	if r.Scheme, err = d.ReadString(); err != nil {
		return err
	}
	r.Auth, err = d.ReadBuffer()
	return err
}

// saslRequest and saslResponse carry one token of the SASL exchange each.
type saslRequest struct {
	Token []byte
}

func (r *saslRequest) Encode(e *jute.Encoder) { e.WriteBuffer(r.Token) }

func (r *saslRequest) Decode(d *jute.Decoder) error {
	var err error
	r.Token, err = d.ReadBuffer()
	return err
}

type saslResponse struct {
	Token []byte
}

func (r *saslResponse) Encode(e *jute.Encoder) { e.WriteBuffer(r.Token) }

func (r *saslResponse) Decode(d *jute.Decoder) error {
	var err error
	r.Token, err = d.ReadBuffer()
	return err
}

// pingRequest has an empty body; only its header goes on the wire.
type pingRequest struct{}

func (pingRequest) Encode(*jute.Encoder)       {}
func (pingRequest) Decode(*jute.Decoder) error { return nil }

// closeSessionRequest has an empty body.
type closeSessionRequest struct{}

func (closeSessionRequest) Encode(*jute.Encoder)       {}
func (closeSessionRequest) Decode(*jute.Decoder) error { return nil }

// watcherEvent is the body of an xid -1 notification.
type watcherEvent struct {
	Type  int32
	State int32
	Path  string
}

func (r *watcherEvent) Encode(e *jute.Encoder) {
	e.WriteInt32(r.Type)
	e.WriteInt32(r.State)
	e.WriteString(r.Path)
}

func (r *watcherEvent) Decode(d *jute.Decoder) error {
	var err error
	if r.Type, err = d.ReadInt32(); err != nil {
		return err
	}
	if r.State, err = d.ReadInt32(); err != nil {
		return err
	}
	r.Path, err = d.ReadString()
	return err
}

// An EventType identifies the kind of an [Event]. Positive values are node
// notifications; EventSession marks session state changes.
type EventType int32

const (
	EventSession         EventType = -1
	EventNodeCreated     EventType = 1
	EventNodeDeleted     EventType = 2
	EventNodeDataChanged EventType = 3
	EventChildrenChanged EventType = 4
)

func (t EventType) String() string {
	switch t {
	case EventSession:
		return "EventSession"
	case EventNodeCreated:
		return "EventNodeCreated"
	case EventNodeDeleted:
		return "EventNodeDeleted"
	case EventNodeDataChanged:
		return "EventNodeDataChanged"
	case EventChildrenChanged:
		return "EventChildrenChanged"
	}
	return fmt.Sprintf("EventType(%d)", int32(t))
}

// A State is the session state carried on an [Event].
type State int32

const (
	StateDisconnected  State = 0
	StateSyncConnected State = 3
	StateAuthFailed    State = 4
	StateExpired       State = -112
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "StateDisconnected"
	case StateSyncConnected:
		return "StateSyncConnected"
	case StateAuthFailed:
		return "StateAuthFailed"
	case StateExpired:
		return "StateExpired"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
