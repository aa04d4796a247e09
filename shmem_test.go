// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vanadium-labs/gospawn/internal/ipc"
)

func TestNewShmemBytesAndLen(t *testing.T) {
	s, err := NewShmem([]byte("hello shmem"))
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, []byte("hello shmem"), s.Bytes())
	require.Equal(t, len("hello shmem"), s.Len())
}

func TestShmemCloseIsIdempotent(t *testing.T) {
	s, err := NewShmem([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestShmemGobRoundTripOutsideIPCMode(t *testing.T) {
	s, err := NewShmem([]byte("inline me"))
	require.NoError(t, err)
	defer s.Close()

	encoded, err := s.GobEncode()
	require.NoError(t, err)

	var decoded Shmem
	require.NoError(t, decoded.GobDecode(encoded))
	require.Equal(t, "inline me", string(decoded.Bytes()))
	require.Equal(t, s.Len(), decoded.Len())
}

func TestShmemEndpointsDupsDescriptor(t *testing.T) {
	s, err := NewShmem([]byte("dup me"))
	require.NoError(t, err)
	defer s.Close()

	eps := s.Endpoints()
	require.Len(t, eps, 1)
	defer eps[0].Close()

	// Original mapping must still be valid after duplication.
	require.Equal(t, "dup me", string(s.Bytes()))
	require.NotNil(t, eps[0].File())
}

func TestShmemSetEndpointsMapsReadOnly(t *testing.T) {
	src, err := NewShmem([]byte("mapped"))
	require.NoError(t, err)
	defer src.Close()

	eps := src.Endpoints()
	require.Len(t, eps, 1)

	dst := &Shmem{size: src.Len()}
	dst.SetEndpoints([]*ipc.RawEndpoint{eps[0]})
	require.Equal(t, "mapped", string(dst.Bytes()))
	defer dst.Close()
}
