// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"
)

// BacktraceMode selects how much backtrace work catchPanic does when a
// panic is caught, matching the two flavors of backtrace capture callers expect.
type BacktraceMode int

const (
	// BacktraceOff skips backtrace capture entirely.
	BacktraceOff BacktraceMode = iota
	// BacktraceUnresolved captures a backtrace with PanicRecord.Resolved
	// left false. Go's debug.Stack() always symbolicates eagerly, so on
	// this runtime it captures the same bytes as BacktraceResolved; the two
	// modes differ only in the Resolved flag.
	BacktraceUnresolved
	// BacktraceResolved captures a fully symbolicated stack.
	BacktraceResolved
)

var lastPanic atomic.Pointer[PanicRecord]

// LastPanicRecord returns the most recently captured PanicRecord, or nil if
// none has been caught yet in this process. Grounded on the
// GetLastPanicResult pattern from other_examples/
// 92b01bf2_jinterlante1206-AleutianLocal's panic recovery handler.
func LastPanicRecord() *PanicRecord { return lastPanic.Load() }

// catchPanic invokes fn and recovers any panic into a PanicRecord.
//
// A process-wide panic hook plus a thread-local bridge between the hook
// (which runs in the panicking frame) and the catcher (which runs after
// unwinding) would be the traditional way to do this when the panicking
// frame and the catching frame are different calls with no direct value
// channel between them. Go's recover() does not have that problem: it
// already delivers the panic payload to the very call (this one) that
// wants it, on the same goroutine, with the original frame's call stack
// still walkable via runtime.Callers/debug.Stack before it finally unwinds.
// So catchPanic needs no installed global hook and no thread-local stash;
// LastPanicRecord is kept only as a secondary introspection point, not as
// the bridge.
func catchPanic[R any](mode BacktraceMode, fn func() R) (result R, rec *PanicRecord) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rec = buildPanicRecord(r, mode)
		lastPanic.Store(rec)
	}()
	result = fn()
	return result, nil
}

func buildPanicRecord(r any, mode BacktraceMode) *PanicRecord {
	rec := &PanicRecord{
		Message:  panicMessage(r),
		Location: panicLocation(),
	}
	if mode != BacktraceOff {
		rec.Backtrace = debug.Stack()
		rec.Resolved = mode == BacktraceResolved
	}
	return rec
}

// panicMessage extracts a human-readable message from a recovered panic
// value: a plain string first, then anything satisfying error or
// fmt.Stringer, falling back to a constant placeholder for an opaque value
// recover() can't otherwise describe.
func panicMessage(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return "unrecognized panic value"
	}
}

// ownPackagePrefix identifies stack frames belonging to this package's own
// plumbing (catchPanic and the generated wrapper invocation in
// descriptor.go), which panicLocation skips past, together with the Go
// runtime's own panic frames, to find the first frame of user code — the
// panic!()-equivalent call site.
const ownPackagePrefix = "github.com/vanadium-labs/gospawn."

func panicLocation() *SourceLocation {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	if n == 0 {
		return nil
	}
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !hasOwnPrefix(frame.Function) && !strings.HasPrefix(frame.Function, "runtime.") {
			return &SourceLocation{File: frame.File, Line: frame.Line}
		}
		if !more {
			break
		}
	}
	return nil
}

func hasOwnPrefix(fn string) bool {
	if len(fn) < len(ownPackagePrefix) {
		return false
	}
	return fn[:len(ownPackagePrefix)] == ownPackagePrefix
}
