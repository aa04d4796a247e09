// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import "github.com/vanadium-labs/gospawn/internal/ipc"

// DuplexPipe is a raw channel endpoint meant to be embedded inside a Func's
// argument or result type, for calls that need to exchange more than the
// single fixed arg/result pair — a worker streaming partial results back
// while it runs, for instance. It implements ipc.EndpointCarrier itself, so
// embedding one as a named field of a larger struct and delegating
// Endpoints/SetEndpoints to it (the way CallDescriptor delegates to its own
// two channels) is enough to have it cross the process boundary by
// descriptor passing instead of being gob-encoded as bytes.
type DuplexPipe struct {
	EP *ipc.RawEndpoint
}

// Endpoints implements ipc.EndpointCarrier.
func (p *DuplexPipe) Endpoints() []*ipc.RawEndpoint { return []*ipc.RawEndpoint{p.EP} }

// SetEndpoints implements ipc.EndpointCarrier.
func (p *DuplexPipe) SetEndpoints(eps []*ipc.RawEndpoint) {
	if len(eps) == 1 {
		p.EP = eps[0]
	}
}

// NewDuplexPipe creates a fresh pair of ends, for the caller that will keep
// one and embed the other in a message sent to the peer.
func NewDuplexPipe() (local, remote *DuplexPipe, err error) {
	a, b, err := ipc.NewChannel()
	if err != nil {
		return nil, nil, err
	}
	return &DuplexPipe{EP: a}, &DuplexPipe{EP: b}, nil
}

// PipeSender adapts a DuplexPipe's endpoint into a typed Sender[T]. A
// package-level function rather than a DuplexPipe method, for the same
// reason Submit is package-level: a method cannot carry a type parameter
// the receiver doesn't have.
func PipeSender[T any](p *DuplexPipe) (*ipc.Sender[T], error) {
	raw, err := p.EP.Sender()
	if err != nil {
		return nil, err
	}
	return ipc.NewSender[T](raw), nil
}

// PipeReceiver adapts a DuplexPipe's endpoint into a typed Receiver[T].
func PipeReceiver[T any](p *DuplexPipe) (*ipc.Receiver[T], error) {
	raw, err := p.EP.Receiver()
	if err != nil {
		return nil, err
	}
	return ipc.NewReceiver[T](raw), nil
}
