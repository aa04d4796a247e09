// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnJoinReturnsValue(t *testing.T) {
	handle, err := Spawn(registeredAddOne, 41)
	require.NoError(t, err)
	require.Greater(t, handle.Pid(), 0)

	result, err := handle.Join()
	require.NoError(t, err)
	require.Equal(t, 42, result)
	require.True(t, handle.Exited())
}

func TestSpawnJoinSecondCallReturnsConsumed(t *testing.T) {
	handle, err := Spawn(registeredAddOne, 1)
	require.NoError(t, err)
	_, err = handle.Join()
	require.NoError(t, err)

	_, err = handle.Join()
	require.Error(t, err)
}

func TestSpawnCapturesChildPanic(t *testing.T) {
	handle, err := Spawn(panicForTest, struct{}{})
	require.NoError(t, err)

	_, err = handle.Join()
	require.Error(t, err)
	rec, ok := PanicInfo(err)
	require.True(t, ok)
	require.Equal(t, "kaboom", rec.Message)
	require.NotNil(t, rec.Location)
}

func TestSpawnJoinTimeoutElapses(t *testing.T) {
	handle, err := Spawn(sleepForTest, 5000)
	require.NoError(t, err)
	defer handle.Kill()

	_, err = handle.JoinTimeout(20 * time.Millisecond)
	require.Error(t, err)
}

func TestSpawnJoinTimeoutThenEventualJoinSucceeds(t *testing.T) {
	handle, err := Spawn(sleepForTest, 50)
	require.NoError(t, err)

	_, err = handle.JoinTimeout(time.Millisecond)
	require.Error(t, err)

	_, err = handle.Join()
	require.NoError(t, err)
}

func TestSpawnEnvOption(t *testing.T) {
	handle, err := Spawn(readEnvForTest, "PROCSPAWN_TEST_VAR", Env("PROCSPAWN_TEST_VAR", "hello"))
	require.NoError(t, err)
	v, err := handle.Join()
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestSpawnKillIsIdempotent(t *testing.T) {
	handle, err := Spawn(sleepForTest, 60000)
	require.NoError(t, err)
	require.NoError(t, handle.Kill())
	require.NoError(t, handle.Kill())
	require.True(t, handle.Exited())
}

func TestSpawnStringRoundTrip(t *testing.T) {
	handle, err := Spawn(echoForTest, "round trip")
	require.NoError(t, err)
	v, err := handle.Join()
	require.NoError(t, err)
	require.Equal(t, "round trip", v)
}
