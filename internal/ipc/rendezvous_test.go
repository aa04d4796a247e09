// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRendezvousPublishConnectAccept(t *testing.T) {
	name := "procspawn-test-" + uuid.NewString()
	rv, err := Publish(name)
	require.NoError(t, err)
	require.Equal(t, name, rv.Name())

	childDone := make(chan error, 1)
	go func() {
		ep, err := Connect(name)
		if err != nil {
			childDone <- err
			return
		}
		defer ep.Close()
		childDone <- nil
	}()

	parentEP, err := rv.Accept()
	require.NoError(t, err)
	defer parentEP.Close()

	require.NoError(t, <-childDone)
}

func TestRendezvousCloseWithoutAccept(t *testing.T) {
	name := "procspawn-test-" + uuid.NewString()
	rv, err := Publish(name)
	require.NoError(t, err)
	require.NoError(t, rv.Close())
}
