// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jute implements the primitive encoding used by the ZooKeeper
// wire protocol: big-endian fixed-width integers, booleans, and
// length-prefixed buffers and UTF-8 strings.
package jute

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultMaxBufferLength bounds the declared length of a single buffer or
// string read by a Decoder. It matches the server's default jute.maxbuffer.
const DefaultMaxBufferLength = 4 << 20

var (
	// ErrShortRead is returned when a decoder runs out of input before the
	// declared end of a value.
	ErrShortRead = errors.New("jute: short read")

	// ErrBufferTooLarge is returned when a declared buffer length is negative
	// beyond the nil marker or exceeds the decoder's maximum.
	ErrBufferTooLarge = errors.New("jute: buffer length out of bounds")
)

// An Encoder appends jute-encoded primitives to a growing buffer.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded bytes. The slice is valid until the next write.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// WriteInt32 appends v as a 4-byte big-endian integer.
func (e *Encoder) WriteInt32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

// WriteInt64 appends v as an 8-byte big-endian integer.
func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// WriteBool appends v as a single byte, 1 for true and 0 for false.
func (e *Encoder) WriteBool(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	e.buf = append(e.buf, b)
}

// WriteBuffer appends a length-prefixed byte buffer. A nil buffer is
// encoded with length -1.
func (e *Encoder) WriteBuffer(b []byte) {
	if b == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteString appends a length-prefixed UTF-8 string.
func (e *Encoder) WriteString(s string) {
	e.WriteInt32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteStringVector appends a length-prefixed vector of strings. A nil
// vector is encoded with length -1.
func (e *Encoder) WriteStringVector(v []string) {
	if v == nil {
		e.WriteInt32(-1)
		return
	}
	e.WriteInt32(int32(len(v)))
	for _, s := range v {
		e.WriteString(s)
	}
}

// A Decoder reads jute-encoded primitives from a byte slice.
type Decoder struct {
	data   []byte
	off    int
	maxBuf int
}

// NewDecoder returns a Decoder reading from data with the default maximum
// buffer length.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data, maxBuf: DefaultMaxBufferLength}
}

// SetMaxBufferLength overrides the maximum accepted length for a single
// buffer or string.
func (d *Decoder) SetMaxBufferLength(n int) { d.maxBuf = n }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.data) - d.off }

func (d *Decoder) take(n int) ([]byte, error) {
	if d.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortRead, n, d.Remaining())
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// ReadInt32 reads a 4-byte big-endian integer.
func (d *Decoder) ReadInt32() (int32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadInt64 reads an 8-byte big-endian integer.
func (d *Decoder) ReadInt64() (int64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadBool reads a single-byte boolean.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadBuffer reads a length-prefixed byte buffer. Length -1 yields nil.
// The returned slice aliases the decoder's input.
func (d *Decoder) ReadBuffer() ([]byte, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 || int(n) > d.maxBuf {
		return nil, fmt.Errorf("%w: %d", ErrBufferTooLarge, n)
	}
	return d.take(int(n))
}

// ReadString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBuffer()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadStringVector reads a length-prefixed vector of strings. Length -1
// yields nil.
func (d *Decoder) ReadStringVector() ([]string, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 || int64(n) > int64(math.MaxInt32) || d.Remaining() < int(n) {
		return nil, fmt.Errorf("%w: vector length %d", ErrBufferTooLarge, n)
	}
	v := make([]string, 0, n)
	for range int(n) {
		s, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		v = append(v, s)
	}
	return v, nil
}
