// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipc implements the transport substrate: typed
// Sender[T]/Receiver[T] pairs backed by a framed binary codec, the untyped
// RawSender/RawReceiver endpoints they are built from, file-descriptor
// passing over AF_UNIX sockets, and the one-shot bootstrap rendezvous.
//
// Grounded on golang.org/x/sys/unix's use in other_examples/
// c9ee804d_cyw0ng95-v2e (subprocess IPC over unix sockets) and
// other_examples/42d0cd13_Talismancer-gvisor-ligolo /
// other_examples/83cadc5a_Mu-L-gvisor (process subprocess control built on
// the same package); the lifecycle shape (pipe for data, separate pipe for
// status/EOF) is adapted from v.io/x/ref/lib/exec's ParentHandle.Start.
package ipc

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// maxFrameBytes bounds a single framed message; large payloads (e.g. bulk
// argument data that isn't routed through Shmem) are still fine up to this
// size. A generous but finite limit, in the same spirit as other
// subprocess-IPC code in the corpus (v2e's subprocess package caps messages
// at a smaller 10MiB for the same reason: a misbehaving peer should fail
// loudly, not allocate unboundedly).
const maxFrameBytes = 64 * 1024 * 1024

// maxFDsPerFrame bounds the number of RawEndpoints embedded in one message.
const maxFDsPerFrame = 16

// RawEndpoint is an untyped, serializable handle to one end of an IPC
// channel. Embedding one in a message type that implements
// EndpointCarrier causes it to be detached from the sender and reattached
// in the receiver via SCM_RIGHTS, never serialized as bytes.
type RawEndpoint struct {
	mu   sync.Mutex
	file *os.File
}

// NewRawEndpoint wraps an already-open file descriptor representing one end
// of a channel (a *net.UnixConn's file or the raw fd from a socketpair).
func NewRawEndpoint(f *os.File) *RawEndpoint {
	return &RawEndpoint{file: f}
}

// fd returns the endpoint's descriptor without transferring ownership; it
// must remain open on this side until the sendmsg call that carries it
// across has completed.
func (e *RawEndpoint) fd() (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return 0, fmt.Errorf("ipc: endpoint already closed or detached")
	}
	return e.file.Fd(), nil
}

// File returns the endpoint's underlying *os.File directly, for callers
// that want to do their own syscalls against the descriptor (mmap, for
// instance) instead of wrapping it as a connection. The endpoint keeps
// ownership; callers must not close the returned file.
func (e *RawEndpoint) File() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file
}

// Close releases the local copy of the descriptor. Safe to call more than
// once.
func (e *RawEndpoint) Close() error {
	e.mu.Lock()
	f := e.file
	e.file = nil
	e.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// detach hands ownership of the underlying file to the caller without
// closing it; used once the fd has been duplicated into an outgoing
// SCM_RIGHTS ancillary message, so the local copy can be dropped afterward.
func (e *RawEndpoint) detach() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.file
	e.file = nil
	return f
}

// GobEncode implements gob.GobEncoder. RawEndpoint has no exported fields,
// so without this gob panics compiling a field encoder for it ("type
// ipc.RawEndpoint has no exported fields") the first time a message
// embedding one is sent. The descriptor itself never travels as bytes —
// Sender.Send detaches it via EndpointCarrier and passes it out-of-band
// with SCM_RIGHTS — so the wire form is just an empty placeholder; the
// same approach Shmem uses for its handle-only representation.
func (e *RawEndpoint) GobEncode() ([]byte, error) { return []byte{}, nil }

// GobDecode implements gob.GobDecoder. The real descriptor is reattached by
// Receiver.Recv, through EndpointCarrier.SetEndpoints, once the frame's
// SCM_RIGHTS ancillary data has been parsed — not by this method.
func (e *RawEndpoint) GobDecode(_ []byte) error { return nil }

// Sender returns a RawSender for the endpoint's direction of traffic.
func (e *RawEndpoint) Sender() (*RawSender, error) { return newRawSender(e) }

// Receiver returns a RawReceiver for the endpoint's direction of traffic.
func (e *RawEndpoint) Receiver() (*RawReceiver, error) { return newRawReceiver(e) }

func connFromEndpoint(e *RawEndpoint) (*net.UnixConn, error) {
	e.mu.Lock()
	f := e.file
	e.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("ipc: endpoint has no local file")
	}
	c, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("ipc: endpoint is not a unix socket")
	}
	return uc, nil
}

// RawSender is the untyped sending half of a channel: one SOCK_SEQPACKET
// unix-domain socket, used to carry a framed payload plus zero or more
// passed file descriptors in a single sendmsg(2).
type RawSender struct {
	conn *net.UnixConn
}

func newRawSender(e *RawEndpoint) (*RawSender, error) {
	conn, err := connFromEndpoint(e)
	if err != nil {
		return nil, err
	}
	return &RawSender{conn: conn}, nil
}

// send writes one frame, transferring ownership of fds to the receiver.
// The local copies named in fds are closed by the caller once handed off
// to the kernel: sendmsg duplicates the descriptor into the receiving
// process's table, so closing our copy afterward does not affect it.
func (s *RawSender) send(data []byte, fds []int) error {
	if len(data) > maxFrameBytes {
		return fmt.Errorf("ipc: frame of %d bytes exceeds limit %d", len(data), maxFrameBytes)
	}
	if len(fds) > maxFDsPerFrame {
		return fmt.Errorf("ipc: %d descriptors exceeds per-frame limit %d", len(fds), maxFDsPerFrame)
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err := s.conn.WriteMsgUnix(data, oob, nil)
	return err
}

// Close shuts down the sender's local socket half.
func (s *RawSender) Close() error { return s.conn.Close() }

// RawReceiver is the untyped receiving half of a channel.
type RawReceiver struct {
	conn *net.UnixConn
}

func newRawReceiver(e *RawEndpoint) (*RawReceiver, error) {
	conn, err := connFromEndpoint(e)
	if err != nil {
		return nil, err
	}
	return &RawReceiver{conn: conn}, nil
}

// ErrClosed is returned by recv when the peer has closed its half and no
// buffered frame remains. Receiver.Recv passes it through unchanged; the
// procspawn package's join handles report it as the RemoteClosed error kind.
var ErrClosed = fmt.Errorf("ipc: channel closed")

func (r *RawReceiver) recv() (data []byte, fds []int, err error) {
	buf := make([]byte, maxFrameBytes)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerFrame*4))
	n, oobn, flags, _, err := r.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, nil, ErrClosed
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return nil, nil, fmt.Errorf("ipc: control message truncated, too many descriptors in one frame")
	}
	data = append([]byte(nil), buf[:n]...)
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, nil, fmt.Errorf("ipc: parsing control message: %w", err)
		}
		for _, scm := range scms {
			got, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return nil, nil, fmt.Errorf("ipc: parsing passed descriptors: %w", err)
			}
			fds = append(fds, got...)
		}
	}
	return data, fds, nil
}

// Close shuts down the receiver's local socket half.
func (r *RawReceiver) Close() error { return r.conn.Close() }

// NewChannel creates one SOCK_SEQPACKET socketpair and returns its two ends
// wrapped as a raw endpoint pair. Each end is bidirectional at the syscall
// level; callers use one as a sender and the other as a receiver per
// the directional arg-channel/result-channel convention used throughout.
func NewChannel() (a, b *RawEndpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		// Darwin has no SOCK_SEQPACKET for AF_UNIX; fall back to a
		// connection-oriented stream socket, framed the same way.
		fds, err = unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("ipc: socketpair: %w", err)
		}
	}
	fa := os.NewFile(uintptr(fds[0]), "procspawn-ipc")
	fb := os.NewFile(uintptr(fds[1]), "procspawn-ipc")
	return NewRawEndpoint(fa), NewRawEndpoint(fb), nil
}

// RawEndpointFile is a small handle around the *os.File backing a detached
// endpoint, kept open just long enough to survive the sendmsg call that
// transfers it.
type RawEndpointFile struct {
	f *os.File
}

// Close releases the local copy of the file.
func (r *RawEndpointFile) Close() error {
	if r == nil || r.f == nil {
		return nil
	}
	return r.f.Close()
}

// newEndpointFromFD wraps a descriptor received via SCM_RIGHTS as a fresh
// RawEndpoint, owned by this process from here on.
func newEndpointFromFD(fd int) *RawEndpoint {
	return NewRawEndpoint(os.NewFile(uintptr(fd), "procspawn-ipc"))
}

// closeFd is used when a received descriptor can't be attached to any
// EndpointCarrier field (the decoded type doesn't implement the interface)
// and must simply be closed to avoid leaking it.
func closeFd(fd int) {
	os.NewFile(uintptr(fd), "procspawn-ipc").Close()
}
