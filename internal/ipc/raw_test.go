// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewChannelRawSendRecv(t *testing.T) {
	a, b, err := NewChannel()
	require.NoError(t, err)

	sender, err := a.Sender()
	require.NoError(t, err)
	receiver, err := b.Receiver()
	require.NoError(t, err)
	defer sender.Close()
	defer receiver.Close()

	require.NoError(t, sender.send([]byte("payload"), nil))
	data, fds, err := receiver.recv()
	require.NoError(t, err)
	require.Empty(t, fds)
	require.Equal(t, "payload", string(data))
}

func TestRawEndpointFileAndClose(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	ep := NewRawEndpoint(r)
	require.Same(t, r, ep.File())
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close()) // idempotent
	require.Nil(t, ep.File())
}

func TestRawSenderRejectsOversizedFrame(t *testing.T) {
	a, b, err := NewChannel()
	require.NoError(t, err)
	sender, err := a.Sender()
	require.NoError(t, err)
	defer sender.Close()
	defer b.Close()

	err = sender.send(make([]byte, maxFrameBytes+1), nil)
	require.Error(t, err)
}

func TestRawSenderRejectsTooManyFDs(t *testing.T) {
	a, b, err := NewChannel()
	require.NoError(t, err)
	sender, err := a.Sender()
	require.NoError(t, err)
	defer sender.Close()
	defer b.Close()

	fds := make([]int, maxFDsPerFrame+1)
	err = sender.send([]byte("x"), fds)
	require.Error(t, err)
}
