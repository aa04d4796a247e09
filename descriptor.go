// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"github.com/vanadium-labs/gospawn/internal/ipc"
)

// CallDescriptor uniquely identifies a function to be called in the child.
// In an ASLR-offset design, FunctionOffset and
// WrapperOffset were relative virtual addresses computed against an anchor
// symbol; here FuncName plays both roles at once (see the
// REDESIGN note) — a registry key is immune to ASLR by construction, so no
// anchor/rebasing step exists on this runtime.
type CallDescriptor struct {
	// LibraryIdentity distinguishes the main executable from a
	// dynamically loaded library the function was found in. Always
	// empty on this build: Go's single-executable-per-process model and
	// the absence of plugin.Open-based lookup mean every registered
	// function lives in the main image. The field is kept for wire-format parity
	// and so a future build tag could populate it.
	LibraryIdentity string

	// FuncName is the registry key assigned at Register time.
	FuncName string

	// ArgChannel and ResultChannel are raw endpoints: the
	// argument arrives on ArgChannel, the Envelope result is sent back on
	// ResultChannel. They cross the wire as passed file descriptors, not
	// as serialized bytes — see Endpoints/SetEndpoints below.
	ArgChannel    *ipc.RawEndpoint
	ResultChannel *ipc.RawEndpoint
}

// Endpoints implements ipc.EndpointCarrier.
func (d *CallDescriptor) Endpoints() []*ipc.RawEndpoint {
	return []*ipc.RawEndpoint{d.ArgChannel, d.ResultChannel}
}

// SetEndpoints implements ipc.EndpointCarrier.
func (d *CallDescriptor) SetEndpoints(eps []*ipc.RawEndpoint) {
	if len(eps) != 2 {
		return
	}
	d.ArgChannel, d.ResultChannel = eps[0], eps[1]
}

// Envelope is the on-wire result of a call: Ok(value) on success, or
// Err(PanicRecord) on a caught panic.
// Transport-level failures (crash, closed channel, timeout, cancellation)
// are never represented here — they're reported to the caller as distinct
// error kinds instead.
type Envelope[R any] struct {
	OK    bool
	Value R
	Panic *PanicRecord
}

// Endpoints delegates to Value when it embeds raw endpoints itself (the
// DuplexPipe pattern in duplex.go), giving one level of
// transitively-embedded endpoint support beyond CallDescriptor's own pair.
func (e *Envelope[R]) Endpoints() []*ipc.RawEndpoint {
	if !e.OK {
		return nil
	}
	if carrier, ok := any(&e.Value).(ipc.EndpointCarrier); ok {
		return carrier.Endpoints()
	}
	return nil
}

// SetEndpoints is the receiving half of Endpoints.
func (e *Envelope[R]) SetEndpoints(eps []*ipc.RawEndpoint) {
	if carrier, ok := any(&e.Value).(ipc.EndpointCarrier); ok {
		carrier.SetEndpoints(eps)
	}
}

// invokeConfig carries the per-spawn panic-handling settings from the
// bootstrap path down to a registry entry's invoke function.
type invokeConfig struct {
	panicHandling bool
	backtrace     BacktraceMode
}

// runDescriptor is executed in the child (or in a pool worker, once per
// dispatched call): look up the registered entry by name, receive the
// argument, invoke the user function, and send back the envelope. It is
// the Go-native wrapper of "jumping through [the wrapper
// address]" step.
func runDescriptor(d *CallDescriptor, cfg invokeConfig) error {
	entry, ok := lookupEntry(d.FuncName)
	if !ok {
		return verrorEntryNotFound(d.FuncName)
	}
	return entry.invoke(d.ArgChannel, d.ResultChannel, cfg)
}
