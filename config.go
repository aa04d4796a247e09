// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"sync/atomic"
)

// GlobalConfig holds the process-wide options commonly described as the
// "Configuration object": config_callback, panic_handling,
// capture_backtraces/resolve_backtraces, and pass_args. Every process built
// from this binary — parent, child, grandchild — runs the same top-of-main
// code, so setting GlobalConfig before calling Init in main() gives every
// process an identical view of these flags without needing to serialize
// them across the bootstrap handoff.
type GlobalConfig struct {
	// ConfigCallback runs in the child after the reserved environment
	// variable is cleared, before the IPC connect step —
	// for one-time process-wide setup that must not run in the parent
	// (config_callback).
	ConfigCallback func()

	// PanicHandling enables catchPanic wrapping around every invoked
	// call. Default true; when false, a child panic becomes a process
	// crash observed by the parent as ErrRemoteClosed.
	PanicHandling bool

	// CaptureBacktraces enables backtrace capture on a caught panic.
	CaptureBacktraces bool

	// ResolveBacktraces selects eager (Resolved) vs. cheap (Unresolved)
	// symbolication when CaptureBacktraces is set; see BacktraceMode.
	ResolveBacktraces bool

	// PassArgs copies the parent's own argv[1:] into the child's argv
	// when true (the default), which test harnesses and argv-sniffing
	// programs rely on.
	PassArgs bool
}

// DefaultGlobalConfig turns on every safety net by default: panic handling
// on, both backtrace flags on, pass_args on.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		PanicHandling:     true,
		CaptureBacktraces: true,
		ResolveBacktraces: true,
		PassArgs:          true,
	}
}

func (c GlobalConfig) backtraceMode() BacktraceMode {
	switch {
	case !c.CaptureBacktraces:
		return BacktraceOff
	case c.ResolveBacktraces:
		return BacktraceResolved
	default:
		return BacktraceUnresolved
	}
}

// Process-wide flags, intentionally modeled as unguarded atomics ("Global
// mutable state" — atomic, written at most once during setup, read by
// every Spawn and by the bootstrap path. No mutex guards them, per that
// note's explicit preference.
var (
	globalConfigured         atomic.Bool
	globalPanicHandling      atomic.Bool
	globalCaptureBacktraces  atomic.Bool
	globalResolveBacktraces  atomic.Bool
	globalPassArgs           atomic.Bool
	globalConfigCallback     atomic.Pointer[func()]
	allowNoSharedLibraryOnce atomic.Bool
	runtimeLibResolution     atomic.Bool // true (enabled) by default; false once DisableRuntimeSharedLibraryResolution is called
)

func init() {
	// Library resolution is enabled by default (the default
	// posture is that dynamically loaded libraries are supported); a
	// build that wants the simpler "main executable only" posture calls
	// DisableRuntimeSharedLibraryResolution explicitly.
	runtimeLibResolution.Store(true)
	setGlobalConfigLocked(DefaultGlobalConfig())
}

// SetGlobalConfig installs cfg as the process-wide configuration. It must
// be called before Init, and only once — a second call panics, matching
// the monotonic, set-once-then-read discipline the rest of this file follows.
func SetGlobalConfig(cfg GlobalConfig) {
	if !globalConfigured.CompareAndSwap(false, true) {
		panic("procspawn: SetGlobalConfig called more than once")
	}
	setGlobalConfigLocked(cfg)
}

func setGlobalConfigLocked(cfg GlobalConfig) {
	globalPanicHandling.Store(cfg.PanicHandling)
	globalCaptureBacktraces.Store(cfg.CaptureBacktraces)
	globalResolveBacktraces.Store(cfg.ResolveBacktraces)
	globalPassArgs.Store(cfg.PassArgs)
	if cfg.ConfigCallback != nil {
		cb := cfg.ConfigCallback
		globalConfigCallback.Store(&cb)
	}
}

func currentGlobalConfig() GlobalConfig {
	cfg := GlobalConfig{
		PanicHandling:     globalPanicHandling.Load(),
		CaptureBacktraces: globalCaptureBacktraces.Load(),
		ResolveBacktraces: globalResolveBacktraces.Load(),
		PassArgs:          globalPassArgs.Load(),
	}
	if p := globalConfigCallback.Load(); p != nil {
		cfg.ConfigCallback = *p
	}
	return cfg
}

// DisableRuntimeSharedLibraryResolution switches the build to the simpler
// posture where every registered function must live in the main
// executable image (the stricter shared-library policy). It must be
// called before any spawn; after calling it, spawning additionally
// requires AssertNoSharedLibraryBoundaries.
func DisableRuntimeSharedLibraryResolution() {
	runtimeLibResolution.Store(false)
}

// AssertNoSharedLibraryBoundaries affirms, once, that every function that
// will ever be spawned lives in the main executable image. Required before
// any Spawn call when runtime shared-library resolution has been disabled;
// spawning otherwise refuses with ErrSharedLibraryUnsafe.
func AssertNoSharedLibraryBoundaries() {
	allowNoSharedLibraryOnce.Store(true)
}

func sharedLibraryPolicyOK() bool {
	if runtimeLibResolution.Load() {
		return true
	}
	return allowNoSharedLibraryOnce.Load()
}
