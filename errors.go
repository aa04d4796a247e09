// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"fmt"

	"v.io/v23/verror"
)

// pkgPath roots every error ID this package registers, exactly as
// v.io/x/ref/lib/exec does with its own pkgPath constant.
const pkgPath = "github.com/vanadium-labs/gospawn"

// Error kinds. Each is a registered verror.IDAction, so
// callers can compare verror.ErrorID(err) against these IDs instead of
// string-matching, the same pattern v.io/x/ref/lib/exec uses for
// ErrAuthTimeout/ErrTimeout/etc.
var (
	// ErrPanic wraps a PanicRecord captured from the child; see PanicInfo.
	ErrPanic = verror.Register(pkgPath+".ErrPanic", verror.NoRetry, "{1:}{2:} child panicked: {3}{:_}")

	// ErrSerialization reports an encode/decode failure of an argument or
	// result. A result that fails to serialize in the child is often
	// indistinguishable from a crash and surfaces as ErrRemoteClosed
	// instead (a documented ambiguity between a bad result and a crash). An
	// argument that fails to encode in the parent is reported as
	// ErrSerialization by Spawn.
	ErrSerialization = verror.Register(pkgPath+".ErrSerialization", verror.NoRetry, "{1:}{2:} serialization failed{:_}")

	// ErrIO reports a lower-level OS failure during spawn or IPC.
	ErrIO = verror.Register(pkgPath+".ErrIO", verror.NoRetry, "{1:}{2:} I/O error{:_}")

	// ErrRemoteClosed reports that a channel closed before a frame
	// arrived: the worker crashed, exited, or a result failed to encode.
	ErrRemoteClosed = verror.Register(pkgPath+".ErrRemoteClosed", verror.NoRetry, "{1:}{2:} remote closed{:_}")

	// ErrCancelled reports a pool task cancelled before it was picked up
	// by a worker.
	ErrCancelled = verror.Register(pkgPath+".ErrCancelled", verror.NoRetry, "{1:}{2:} cancelled{:_}")

	// ErrTimeout reports that a join deadline elapsed.
	ErrTimeout = verror.Register(pkgPath+".ErrTimeout", verror.NoRetry, "{1:}{2:} timed out{:_}")

	// ErrConsumed reports a second join on an already-resolved handle.
	ErrConsumed = verror.Register(pkgPath+".ErrConsumed", verror.NoRetry, "{1:}{2:} handle already consumed{:_}")

	// ErrNotZeroSized rejects, at Register time, a callable that is not a
	// named top-level function or method expression.
	ErrNotZeroSized = verror.Register(pkgPath+".ErrNotZeroSized", verror.NoRetry, "{1:}{2:} callable {3} captures state and cannot be marshalled across a process boundary{:_}")

	// ErrSharedLibraryUnsafe rejects a spawn when runtime shared-library
	// resolution is disabled and the caller hasn't asserted safety
	// (see the shared-library policy in config.go).
	ErrSharedLibraryUnsafe = verror.Register(pkgPath+".ErrSharedLibraryUnsafe", verror.NoRetry, "{1:}{2:} AssertNoSharedLibraryBoundaries was not called before spawning{:_}")

	// ErrRecursiveBootstrap rejects a spawn attempt made from a process
	// whose environment already carries the reserved bootstrap variable
	// (spawning from within a bootstrapped child would recurse forever).
	ErrRecursiveBootstrap = verror.Register(pkgPath+".ErrRecursiveBootstrap", verror.NoRetry, "{1:}{2:} reserved bootstrap variable already present in environment{:_}")

	// ErrPoolDead rejects Submit on a Pool after Shutdown/Kill (Submit
	// panics with it).
	ErrPoolDead = verror.Register(pkgPath+".ErrPoolDead", verror.NoRetry, "{1:}{2:} pool is dead{:_}")
)

// PanicRecord is a serializable description of a panic captured in the
// child.
type PanicRecord struct {
	// Message is the panic payload, downcast to a string (or a constant
	// placeholder if the payload wasn't a string/error).
	Message string
	// Location is the source location of the panic, when the runtime can
	// report one.
	Location *SourceLocation
	// Backtrace is present when backtrace capture was enabled; Resolved
	// records whether BacktraceResolved (true) or BacktraceUnresolved
	// (false) was in effect. The captured bytes come from debug.Stack and
	// are symbolicated in either mode.
	Backtrace []byte
	Resolved  bool
}

// SourceLocation identifies a single point in source.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (p *PanicRecord) Error() string {
	if p.Location != nil {
		return fmt.Sprintf("panic at %s:%d: %s", p.Location.File, p.Location.Line, p.Message)
	}
	return fmt.Sprintf("panic: %s", p.Message)
}

// panicError is the concrete error type returned to callers for a panic
// result; verror.New's message args require an error.Error() implementation
// string, but callers query the structured record via PanicInfo.
type panicError struct {
	record *PanicRecord
	err    error
}

func newPanicError(record *PanicRecord) *panicError {
	return &panicError{record: record, err: verror.New(ErrPanic, nil, record.Message)}
}

func (e *panicError) Error() string { return e.err.Error() }
func (e *panicError) Unwrap() error { return e.err }

// PanicInfo extracts the PanicRecord from an error returned by Join, if
// that error represents a captured child panic.
func PanicInfo(err error) (*PanicRecord, bool) {
	var pe *panicError
	if asPanicError(err, &pe) {
		return pe.record, true
	}
	return nil, false
}

func asPanicError(err error, target **panicError) bool {
	for err != nil {
		if pe, ok := err.(*panicError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
