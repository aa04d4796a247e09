// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatchPanicNoPanic(t *testing.T) {
	result, rec := catchPanic(BacktraceOff, func() int { return 42 })
	require.Nil(t, rec)
	require.Equal(t, 42, result)
}

func TestCatchPanicWithStringPanic(t *testing.T) {
	_, rec := catchPanic(BacktraceOff, func() int { panic("boom") })
	require.NotNil(t, rec)
	require.Equal(t, "boom", rec.Message)
	require.NotNil(t, rec.Location)
	require.Nil(t, rec.Backtrace)
}

func TestCatchPanicWithErrorPanic(t *testing.T) {
	_, rec := catchPanic(BacktraceOff, func() int { panic(errors.New("bad thing")) })
	require.NotNil(t, rec)
	require.Equal(t, "bad thing", rec.Message)
}

func TestCatchPanicCapturesBacktraceResolved(t *testing.T) {
	_, rec := catchPanic(BacktraceResolved, func() int { panic("x") })
	require.NotNil(t, rec)
	require.NotEmpty(t, rec.Backtrace)
	require.True(t, rec.Resolved)
}

func TestCatchPanicCapturesBacktraceUnresolved(t *testing.T) {
	_, rec := catchPanic(BacktraceUnresolved, func() int { panic("x") })
	require.NotNil(t, rec)
	require.NotEmpty(t, rec.Backtrace)
	require.False(t, rec.Resolved)
}

func TestLastPanicRecordUpdates(t *testing.T) {
	_, rec := catchPanic(BacktraceOff, func() int { panic("track-me") })
	require.NotNil(t, rec)
	last := LastPanicRecord()
	require.NotNil(t, last)
	require.Equal(t, "track-me", last.Message)
}
