// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxPacketLength is the default bound on a single frame payload.
const DefaultMaxPacketLength = 4 << 20

// A frameConn reads and writes length-prefixed frames on a stream: a
// 4-byte big-endian signed length followed by exactly that many payload
// bytes. Writes are atomic with respect to each other; the sender loop and
// the handshake driver are the only writers, and never concurrently.
type frameConn struct {
	rw        io.ReadWriter
	maxPacket int
	lenBuf    [4]byte
}

func newFrameConn(rw io.ReadWriter, maxPacket int) *frameConn {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketLength
	}
	return &frameConn{rw: rw, maxPacket: maxPacket}
}

// readFrame reads one frame and returns its payload. A declared length
// that is negative or at least the configured maximum is a framing error
// and must abort the connection.
func (f *frameConn) readFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.rw, f.lenBuf[:]); err != nil {
		return nil, err
	}
	n := int32(binary.BigEndian.Uint32(f.lenBuf[:]))
	if n < 0 || int(n) >= f.maxPacket {
		return nil, fmt.Errorf("%w: declared length %d", ErrMalformedFrame, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// writeFrame writes the payload prefixed by its length in a single Write.
func (f *frameConn) writeFrame(payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := f.rw.Write(buf)
	return err
}
