// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
)

// Rendezvous publishes a named kernel endpoint that a freshly exec'd child
// can connect to exactly once, the one-shot bootstrap handoff. On Linux it
// uses the abstract socket namespace (no filesystem
// entry, automatically reclaimed when the last reference closes); on other
// Unix targets it falls back to a path under os.TempDir(), removed once
// the connection is accepted.
type Rendezvous struct {
	name     string
	listener *net.UnixListener
}

// socketAddr turns a bare name into the net.Listen "unix" address for this
// platform's preferred namespace.
func socketAddr(name string) string {
	if runtime.GOOS == "linux" {
		// A leading '@' marks Linux's abstract namespace; abstractToUnixAddr
		// turns it into the leading NUL byte the kernel expects.
		return "@" + name
	}
	return filepath.Join(os.TempDir(), name)
}

// abstractToUnixAddr converts the "@name" convention above into the literal
// address net.ResolveUnixAddr/net.Listen expect, where the abstract
// namespace is spelled with a leading NUL byte.
func abstractToUnixAddr(addr string) string {
	if len(addr) > 0 && addr[0] == '@' {
		return "\x00" + addr[1:]
	}
	return addr
}

// Publish creates the rendezvous and starts listening, returning the name
// the child must be told (e.g. via the reserved environment variable).
func Publish(name string) (*Rendezvous, error) {
	laddr := abstractToUnixAddr(socketAddr(name))
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: laddr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("ipc: publishing rendezvous %q: %w", name, err)
	}
	return &Rendezvous{name: name, listener: l}, nil
}

// Name returns the published name, suitable for passing to the child.
func (r *Rendezvous) Name() string { return r.name }

// Accept blocks for the single connection this rendezvous will ever
// receive, then retires the listening name so a second connect attempt
// fails cleanly rather than silently reusing the slot.
func (r *Rendezvous) Accept() (*RawEndpoint, error) {
	conn, err := r.listener.AcceptUnix()
	r.listener.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: accepting rendezvous connection: %w", err)
	}
	f, err := conn.File()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: extracting rendezvous file: %w", err)
	}
	return NewRawEndpoint(f), nil
}

// Close retires the rendezvous without ever accepting a connection (used
// when the spawn attempt aborts before the child connects).
func (r *Rendezvous) Close() error {
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// Connect dials a published rendezvous exactly once, the child side of the
// handshake.
func Connect(name string) (*RawEndpoint, error) {
	raddr := abstractToUnixAddr(socketAddr(name))
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: raddr, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("ipc: connecting to rendezvous %q: %w", name, err)
	}
	f, err := conn.File()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: extracting connection file: %w", err)
	}
	return NewRawEndpoint(f), nil
}
