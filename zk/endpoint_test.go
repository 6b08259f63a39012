// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseConnectString(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantAddrs  []string
		wantChroot string
		wantErr    bool
	}{
		{
			name:      "single host default port",
			in:        "10.0.0.1",
			wantAddrs: []string{"10.0.0.1:2181"},
		},
		{
			name:      "explicit port",
			in:        "10.0.0.1:2182",
			wantAddrs: []string{"10.0.0.1:2182"},
		},
		{
			name:      "multiple hosts",
			in:        "a:2181,b,c:2183",
			wantAddrs: []string{"a:2181", "b:2181", "c:2183"},
		},
		{
			name:       "chroot",
			in:         "h:2181/app",
			wantAddrs:  []string{"h:2181"},
			wantChroot: "/app",
		},
		{
			name:      "root chroot is no chroot",
			in:        "h/",
			wantAddrs: []string{"h:2181"},
		},
		{
			name:    "empty",
			in:      "",
			wantErr: true,
		},
		{
			name:    "empty host",
			in:      "a,,b",
			wantErr: true,
		},
		{
			name:    "trailing slash chroot",
			in:      "h/app/",
			wantErr: true,
		},
		{
			name:    "relative chroot component",
			in:      "h/app/../etc",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addrs, chroot, err := parseConnectString(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConnectString(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Errorf("error = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if diff := cmp.Diff(tt.wantAddrs, addrs); diff != "" {
				t.Errorf("addrs mismatch (-want +got):\n%s", diff)
			}
			if chroot != tt.wantChroot {
				t.Errorf("chroot = %q, want %q", chroot, tt.wantChroot)
			}
		})
	}
}

func TestStripChroot(t *testing.T) {
	tests := []struct {
		path, chroot, want string
	}{
		{"/app/node", "/app", "/node"},
		{"/app", "/app", "/"},
		{"/other/node", "/app", "/other/node"},
		{"/node", "", "/node"},
	}
	for _, tt := range tests {
		if got := stripChroot(tt.path, tt.chroot); got != tt.want {
			t.Errorf("stripChroot(%q, %q) = %q, want %q", tt.path, tt.chroot, got, tt.want)
		}
	}
}

func TestEndpointSetRotation(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	s := newEndpointSet([]string{"a:1", "b:1", "c:1"}, rnd)

	var sweep []string
	for range 3 {
		if !s.hasUntried() {
			t.Fatal("sweep exhausted early")
		}
		sweep = append(sweep, s.next().addr)
	}
	if s.hasUntried() {
		t.Error("hasUntried = true after a full sweep")
	}
	sort.Strings(sweep)
	if diff := cmp.Diff([]string{"a:1", "b:1", "c:1"}, sweep); diff != "" {
		t.Errorf("sweep did not visit every endpoint once (-want +got):\n%s", diff)
	}

	// A new sweep counts failures per endpoint, and a success clears them
	// and restarts the sweep.
	s.resetSweep()
	first := s.next()
	s.markFailure(first)
	if first.failures != 1 {
		t.Errorf("failures = %d, want 1", first.failures)
	}
	s.markSuccess(first)
	if first.failures != 0 {
		t.Errorf("failures after success = %d, want 0", first.failures)
	}
	if !s.hasUntried() {
		t.Error("hasUntried = false after a success")
	}
}
