// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// DefaultPort is used for hosts in the connection string that carry no port.
const DefaultPort = 2181

// parseConnectString splits "host[:port](,host[:port])*[/chroot]" into
// resolved host:port addresses and an optional chroot path.
func parseConnectString(s string) (addrs []string, chroot string, err error) {
	if i := strings.IndexByte(s, '/'); i >= 0 {
		chroot = s[i:]
		s = s[:i]
		if chroot == "/" {
			chroot = ""
		} else if err := validatePath(chroot); err != nil {
			return nil, "", err
		}
	}
	if s == "" {
		return nil, "", fmt.Errorf("%w: empty connection string", ErrInvalidArgument)
	}
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, "", fmt.Errorf("%w: empty host in connection string", ErrInvalidArgument)
		}
		if _, _, err := net.SplitHostPort(h); err != nil {
			h = fmt.Sprintf("%s:%d", h, DefaultPort)
		}
		addrs = append(addrs, h)
	}
	return addrs, chroot, nil
}

// validatePath checks the minimal path rules that matter for a chroot: it
// must start with a slash, must not end with one, and must not contain
// empty or relative components.
func validatePath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidArgument, path)
	}
	if len(path) > 1 && path[len(path)-1] == '/' {
		return fmt.Errorf("%w: path %q must not end with /", ErrInvalidArgument, path)
	}
	for _, c := range strings.Split(path[1:], "/") {
		if c == "" || c == "." || c == ".." {
			return fmt.Errorf("%w: path %q has invalid component %q", ErrInvalidArgument, path, c)
		}
	}
	return nil
}

// stripChroot rewrites a server path into the client's namespace. The path
// equal to the chroot itself becomes "/".
func stripChroot(path, chroot string) string {
	if chroot == "" || !strings.HasPrefix(path, chroot) {
		return path
	}
	if len(path) == len(chroot) {
		return "/"
	}
	return path[len(chroot):]
}

// An endpoint is one resolved server address with its failure history.
type endpoint struct {
	addr        string
	failures    uint32
	lastFailure time.Time
}

// An endpointSet holds the shuffled server list and a round-robin cursor.
// A sweep visits every endpoint at most once; callers consult hasUntried
// to decide when a sweep is exhausted and a pause is due.
type endpointSet struct {
	eps    []*endpoint
	cursor int
	tried  int // endpoints handed out since the last success
}

// newEndpointSet shuffles addrs once, at startup.
func newEndpointSet(addrs []string, rnd *rand.Rand) *endpointSet {
	eps := make([]*endpoint, len(addrs))
	for i, a := range addrs {
		eps[i] = &endpoint{addr: a}
	}
	rnd.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
	return &endpointSet{eps: eps}
}

// next advances the cursor and returns the candidate endpoint.
func (s *endpointSet) next() *endpoint {
	ep := s.eps[s.cursor]
	s.cursor = (s.cursor + 1) % len(s.eps)
	s.tried++
	return ep
}

// hasUntried reports whether the current sweep still holds an endpoint
// that has not been handed out since the last success.
func (s *endpointSet) hasUntried() bool {
	return s.tried < len(s.eps)
}

// resetSweep begins a new sweep after an exhausted one has paid its pause.
func (s *endpointSet) resetSweep() {
	s.tried = 0
}

// markFailure records a failed attempt against ep.
func (s *endpointSet) markFailure(ep *endpoint) {
	ep.failures++
	ep.lastFailure = time.Now()
}

// markSuccess resets ep's failure history and starts a fresh sweep.
func (s *endpointSet) markSuccess(ep *endpoint) {
	ep.failures = 0
	s.tried = 0
}
