// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package jute

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	var enc Encoder
	enc.WriteInt32(-42)
	enc.WriteInt64(1 << 40)
	enc.WriteBool(true)
	enc.WriteBuffer([]byte{1, 2, 3})
	enc.WriteBuffer(nil)
	enc.WriteString("héllo")
	enc.WriteStringVector([]string{"/a", "/b"})
	enc.WriteStringVector(nil)

	dec := NewDecoder(enc.Bytes())
	if got, _ := dec.ReadInt32(); got != -42 {
		t.Errorf("ReadInt32 = %d, want -42", got)
	}
	if got, _ := dec.ReadInt64(); got != 1<<40 {
		t.Errorf("ReadInt64 = %d, want %d", got, int64(1)<<40)
	}
	if got, _ := dec.ReadBool(); !got {
		t.Error("ReadBool = false, want true")
	}
	if got, _ := dec.ReadBuffer(); !cmp.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("ReadBuffer = %v", got)
	}
	if got, _ := dec.ReadBuffer(); got != nil {
		t.Errorf("ReadBuffer (nil) = %v, want nil", got)
	}
	if got, _ := dec.ReadString(); got != "héllo" {
		t.Errorf("ReadString = %q", got)
	}
	if got, _ := dec.ReadStringVector(); !cmp.Equal(got, []string{"/a", "/b"}) {
		t.Errorf("ReadStringVector = %v", got)
	}
	if got, _ := dec.ReadStringVector(); got != nil {
		t.Errorf("ReadStringVector (nil) = %v, want nil", got)
	}
	if dec.Remaining() != 0 {
		t.Errorf("Remaining = %d, want 0", dec.Remaining())
	}
}

func TestShortRead(t *testing.T) {
	dec := NewDecoder([]byte{0, 0})
	if _, err := dec.ReadInt32(); !errors.Is(err, ErrShortRead) {
		t.Errorf("ReadInt32 on 2 bytes: err = %v, want ErrShortRead", err)
	}
}

func TestBufferBounds(t *testing.T) {
	var enc Encoder
	enc.WriteInt32(1 << 24) // declared length far beyond the payload
	dec := NewDecoder(enc.Bytes())
	dec.SetMaxBufferLength(1 << 10)
	if _, err := dec.ReadBuffer(); !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("oversized buffer: err = %v, want ErrBufferTooLarge", err)
	}

	enc = Encoder{}
	enc.WriteInt32(-2) // negative but not the nil marker
	dec = NewDecoder(enc.Bytes())
	if _, err := dec.ReadBuffer(); !errors.Is(err, ErrBufferTooLarge) {
		t.Errorf("negative buffer length: err = %v, want ErrBufferTooLarge", err)
	}
}

func TestStringVectorTruncated(t *testing.T) {
	var enc Encoder
	enc.WriteInt32(3)
	enc.WriteString("/only")
	dec := NewDecoder(enc.Bytes())
	if _, err := dec.ReadStringVector(); err == nil {
		t.Error("truncated vector decoded without error")
	}
}
