// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultGlobalConfig(t *testing.T) {
	cfg := DefaultGlobalConfig()
	require.True(t, cfg.PanicHandling)
	require.True(t, cfg.CaptureBacktraces)
	require.True(t, cfg.ResolveBacktraces)
	require.True(t, cfg.PassArgs)
}

func TestBacktraceModeSelection(t *testing.T) {
	require.Equal(t, BacktraceOff, GlobalConfig{CaptureBacktraces: false}.backtraceMode())
	require.Equal(t, BacktraceResolved, GlobalConfig{CaptureBacktraces: true, ResolveBacktraces: true}.backtraceMode())
	require.Equal(t, BacktraceUnresolved, GlobalConfig{CaptureBacktraces: true, ResolveBacktraces: false}.backtraceMode())
}

func TestCurrentGlobalConfigReflectsInitDefaults(t *testing.T) {
	// SetGlobalConfig is once-only process-wide, so this only observes
	// whatever state init() (or an earlier test) already established;
	// it must never itself call SetGlobalConfig.
	cfg := currentGlobalConfig()
	require.True(t, cfg.PanicHandling)
}

func TestSharedLibraryPolicyOKByDefault(t *testing.T) {
	require.True(t, sharedLibraryPolicyOK())
}
