// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/vanadium-labs/gospawn/internal/gls"
)

// EndpointCarrier is implemented by message types that embed one or more
// RawEndpoints which must cross the process boundary by descriptor passing
// rather than by value. Only direct fields need to participate — every
// message shape this repo defines (CallDescriptor, DuplexPipe) embeds its
// endpoints directly, so one level of indirection is sufficient; see
// result types that themselves embed endpoints one level deep.
type EndpointCarrier interface {
	// Endpoints returns, in a stable order, the endpoints embedded in the
	// value that must be detached for transfer.
	Endpoints() []*RawEndpoint
	// SetEndpoints installs endpoints reattached in the receiver, in the
	// same order Endpoints returned them in the sender.
	SetEndpoints([]*RawEndpoint)
}

// InIPCMode reports whether the calling goroutine is currently inside a
// Sender.Send or Receiver.Recv call. Application-defined types (Shmem is
// the one this repo ships) consult it from GobEncode/GobDecode to choose a
// cheap handle-only representation over bulk bytes.
func InIPCMode() bool { return gls.Active() }

// Sender is the typed sending half of a channel.
type Sender[T any] struct {
	raw *RawSender
}

// NewSender adapts a RawSender into a typed Sender[T].
func NewSender[T any](raw *RawSender) *Sender[T] { return &Sender[T]{raw: raw} }

// Send serializes v with gob, detaching any embedded endpoints (if v
// implements EndpointCarrier) and passing their descriptors alongside the
// framed payload in the same message.
func (s *Sender[T]) Send(v T) error {
	var fds []int
	var files []*RawEndpointFile
	// EndpointCarrier is usually implemented with a pointer receiver
	// (CallDescriptor, Envelope, bootstrapMessage, DuplexPipe, Shmem), which
	// puts it in T's method set only when T itself is a pointer type — so
	// any(v) must be tried first. Falling back to any(&v) also detects it
	// when T is the pointee (a value type whose methods have pointer
	// receivers), covering both directions a channel can be instantiated.
	carrier, ok := any(v).(EndpointCarrier)
	if !ok {
		carrier, ok = any(&v).(EndpointCarrier)
	}
	if ok {
		for _, ep := range carrier.Endpoints() {
			f := ep.detach()
			if f == nil {
				return fmt.Errorf("ipc: endpoint already detached or closed")
			}
			fds = append(fds, int(f.Fd()))
			files = append(files, &RawEndpointFile{f})
		}
	}
	leave := gls.Enter()
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(v)
	leave()
	if err != nil {
		for _, f := range files {
			f.Close()
		}
		return fmt.Errorf("ipc: encoding frame: %w", err)
	}
	sendErr := s.raw.send(buf.Bytes(), fds)
	// The descriptors were duplicated into the outgoing message by the
	// kernel; our local copies are no longer needed either way.
	for _, f := range files {
		f.Close()
	}
	return sendErr
}

// Close closes the underlying raw sender.
func (s *Sender[T]) Close() error { return s.raw.Close() }

// Receiver is the typed receiving half of a channel.
type Receiver[T any] struct {
	raw *RawReceiver
}

// NewReceiver adapts a RawReceiver into a typed Receiver[T].
func NewReceiver[T any](raw *RawReceiver) *Receiver[T] { return &Receiver[T]{raw: raw} }

// Recv blocks until a frame is available, decodes it, and reattaches any
// endpoints embedded in the result (if *T implements EndpointCarrier).
func (r *Receiver[T]) Recv() (T, error) {
	var zero T
	data, fds, err := r.raw.recv()
	if err != nil {
		return zero, err
	}
	leave := gls.Enter()
	var v T
	err = gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	leave()
	if err != nil {
		for _, fd := range fds {
			closeFd(fd)
		}
		return zero, fmt.Errorf("ipc: decoding frame: %w", err)
	}
	if len(fds) > 0 {
		carrier, ok := any(v).(EndpointCarrier)
		if !ok {
			carrier, ok = any(&v).(EndpointCarrier)
		}
		if ok {
			eps := make([]*RawEndpoint, 0, len(fds))
			for _, fd := range fds {
				eps = append(eps, newEndpointFromFD(fd))
			}
			carrier.SetEndpoints(eps)
		} else {
			for _, fd := range fds {
				closeFd(fd)
			}
		}
	}
	return v, nil
}

// Close closes the underlying raw receiver.
func (r *Receiver[T]) Close() error { return r.raw.Close() }

// NewTypedChannel creates a fresh socketpair and wraps its two ends as a
// typed Sender[T] / Receiver[T] pair within this process.
func NewTypedChannel[T any]() (*Sender[T], *Receiver[T], error) {
	a, b, err := NewChannel()
	if err != nil {
		return nil, nil, err
	}
	sa, err := a.Sender()
	if err != nil {
		return nil, nil, err
	}
	rb, err := b.Receiver()
	if err != nil {
		return nil, nil, err
	}
	// The sender and receiver hold their own duplicates of the descriptors;
	// dropping the originals lets closing the Sender close the channel.
	a.Close()
	b.Close()
	return NewSender[T](sa), NewReceiver[T](rb), nil
}
