// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/vanadium-labs/gospawn/internal/ipc"
)

// Shmem is a read-only byte buffer backed by shared memory on Linux
// (memfd_create plus mmap), falling back to an ordinary in-process byte
// slice on platforms without memfd. Crossing a process boundary through a
// Sender.Send call, it serializes as a bare handle: the descriptor itself
// travels by fd-passing and the receiver maps it directly rather than
// copying the bytes through the wire. Gob-encoded outside of an active
// send (to disk, say) it falls back to inlining the bytes, since there is
// no fd-passing channel to hand anyone in that case.
//
// Shmem is not safe for concurrent use; like an *os.File, ownership is
// expected to move along a single chain (creator, then whichever process
// it was sent to), not be shared across goroutines. Use Shmem, not *Shmem,
// as a Func result type so Envelope's one-level endpoint delegation
// applies; inside a larger result struct, embed *Shmem and delegate
// Endpoints/SetEndpoints to it the same way CallDescriptor does for its
// own channel pair.
type Shmem struct {
	data []byte
	ep   *ipc.RawEndpoint // non-nil when backed by a live memfd
	size int
}

// NewShmem copies data into a freshly created shared-memory region.
func NewShmem(data []byte) (*Shmem, error) {
	if runtime.GOOS != "linux" {
		return &Shmem{data: append([]byte(nil), data...), size: len(data)}, nil
	}
	fd, err := unix.MemfdCreate("procspawn-shmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("procspawn: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(len(data))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("procspawn: ftruncate: %w", err)
	}
	s := &Shmem{ep: ipc.NewRawEndpoint(os.NewFile(uintptr(fd), "procspawn-shmem")), size: len(data)}
	if len(data) > 0 {
		mapped, err := unix.Mmap(fd, 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			s.ep.Close()
			return nil, fmt.Errorf("procspawn: mmap: %w", err)
		}
		copy(mapped, data)
		s.data = mapped
	}
	return s, nil
}

// Bytes returns the region's contents.
func (s *Shmem) Bytes() []byte { return s.data }

// Len returns the region's size in bytes.
func (s *Shmem) Len() int { return s.size }

// Close unmaps the region and releases the underlying descriptor, if any.
// Safe to call more than once.
func (s *Shmem) Close() error {
	var err error
	if s.data != nil && s.ep != nil {
		err = unix.Munmap(s.data)
		s.data = nil
	}
	if s.ep != nil {
		if cerr := s.ep.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.ep = nil
	}
	return err
}

// Endpoints implements ipc.EndpointCarrier. The memfd crosses by descriptor
// passing, duplicated first so this side's own mapping survives the local
// copy being closed once the transfer completes.
func (s *Shmem) Endpoints() []*ipc.RawEndpoint {
	if s.ep == nil {
		return nil
	}
	f := s.ep.File()
	if f == nil {
		return nil
	}
	dupFd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil
	}
	return []*ipc.RawEndpoint{ipc.NewRawEndpoint(os.NewFile(uintptr(dupFd), "procspawn-shmem"))}
}

// SetEndpoints implements ipc.EndpointCarrier: map the descriptor the
// sender handed over.
func (s *Shmem) SetEndpoints(eps []*ipc.RawEndpoint) {
	if len(eps) != 1 {
		return
	}
	s.ep = eps[0]
	f := s.ep.File()
	if f == nil || s.size == 0 {
		return
	}
	mapped, err := unix.Mmap(int(f.Fd()), 0, s.size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		s.data = mapped
	}
}

// shmemWire is Shmem's gob wire form.
type shmemWire struct {
	HasHandle bool
	Size      int
	Bytes     []byte
}

// GobEncode implements gob.GobEncoder. Inside an active Sender.Send call
// (ipc.InIPCMode), it writes only the size — Endpoints/SetEndpoints carry
// the actual descriptor alongside this frame. Outside that context it
// inlines the bytes, since there is no fd-passing channel available.
func (s *Shmem) GobEncode() ([]byte, error) {
	w := shmemWire{Size: s.size}
	if ipc.InIPCMode() && s.ep != nil {
		w.HasHandle = true
	} else {
		w.Bytes = s.data
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (s *Shmem) GobDecode(b []byte) error {
	var w shmemWire
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&w); err != nil {
		return err
	}
	s.size = w.Size
	if !w.HasHandle {
		s.data = w.Bytes
	}
	return nil
}
