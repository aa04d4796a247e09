// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypedChannelRoundTrip(t *testing.T) {
	send, recv, err := NewTypedChannel[string]()
	require.NoError(t, err)
	defer send.Close()
	defer recv.Close()

	done := make(chan error, 1)
	go func() { done <- send.Send("hello") }()

	v, err := recv.Recv()
	require.NoError(t, err)
	require.Equal(t, "hello", v)
	require.NoError(t, <-done)
}

func TestTypedChannelStruct(t *testing.T) {
	type payload struct {
		A int
		B string
	}
	send, recv, err := NewTypedChannel[payload]()
	require.NoError(t, err)
	defer send.Close()
	defer recv.Close()

	go func() { _ = send.Send(payload{A: 7, B: "x"}) }()

	v, err := recv.Recv()
	require.NoError(t, err)
	require.Equal(t, payload{A: 7, B: "x"}, v)
}

func TestReceiverSeesClosedSender(t *testing.T) {
	send, recv, err := NewTypedChannel[int]()
	require.NoError(t, err)
	defer recv.Close()

	require.NoError(t, send.Close())

	done := make(chan struct{})
	go func() {
		_, err := recv.Recv()
		require.Error(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recv on closed sender never returned")
	}
}

// carrier is a minimal EndpointCarrier used to test descriptor passing
// alongside a typed payload.
type carrier struct {
	Tag string
	EP  *RawEndpoint
}

func (c *carrier) Endpoints() []*RawEndpoint       { return []*RawEndpoint{c.EP} }
func (c *carrier) SetEndpoints(eps []*RawEndpoint) { c.EP = eps[0] }

func TestSendPassesEmbeddedEndpoint(t *testing.T) {
	// The endpoint being passed along for the ride: an independent pipe
	// whose write end we keep, sending its read end across.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	passedEP := NewRawEndpoint(r)

	send, recv, err := NewTypedChannel[*carrier]()
	require.NoError(t, err)
	defer send.Close()
	defer recv.Close()

	go func() { _ = send.Send(&carrier{Tag: "pipe", EP: passedEP}) }()

	got, err := recv.Recv()
	require.NoError(t, err)
	require.Equal(t, "pipe", got.Tag)
	require.NotNil(t, got.EP)

	_, err = w.Write([]byte("ping"))
	require.NoError(t, err)
	w.Close()

	buf := make([]byte, 4)
	n, err := got.EP.File().Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestInIPCModeDuringSendRecv(t *testing.T) {
	require.False(t, InIPCMode())
}

// TestSendPassesEmbeddedEndpointByValue exercises the same path as
// TestSendPassesEmbeddedEndpoint but with the channel's type parameter
// instantiated to the value type (carrier, not *carrier) — the shape every
// real caller in this repo actually uses (CallDescriptor, Envelope[R],
// bootstrapMessage are all sent by value, never by pointer). Send must
// detect EndpointCarrier by taking the address of its own parameter, since
// carrier's Endpoints/SetEndpoints methods have pointer receivers and are
// therefore absent from carrier's own (non-pointer) method set.
func TestSendPassesEmbeddedEndpointByValue(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	passedEP := NewRawEndpoint(r)

	send, recv, err := NewTypedChannel[carrier]()
	require.NoError(t, err)
	defer send.Close()
	defer recv.Close()

	go func() { _ = send.Send(carrier{Tag: "byvalue", EP: passedEP}) }()

	got, err := recv.Recv()
	require.NoError(t, err)
	require.Equal(t, "byvalue", got.Tag)
	require.NotNil(t, got.EP)

	_, err = w.Write([]byte("ping"))
	require.NoError(t, err)
	w.Close()

	buf := make([]byte, 4)
	n, err := got.EP.File().Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}
