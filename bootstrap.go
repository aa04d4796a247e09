// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"os"

	"v.io/x/lib/vlog"

	"github.com/vanadium-labs/gospawn/internal/consts"
	"github.com/vanadium-labs/gospawn/internal/ipc"
)

// bootstrapKind distinguishes the two shapes of handoff a child can
// receive: a single call (one-shot spawn) or a standing
// invitation to become a pool worker: a distinguished loop that, after
// receiving a long-lived control channel, reads CallDescriptors from it
// indefinitely instead of exiting after one call.
type bootstrapKind uint8

const (
	bootstrapOneShot bootstrapKind = iota
	bootstrapPoolWorker
)

// bootstrapMessage is the first and only message a child ever reads from
// its one-shot rendezvous.
type bootstrapMessage struct {
	Kind    bootstrapKind
	Call    *CallDescriptor
	Control *ipc.RawEndpoint
}

// Endpoints implements ipc.EndpointCarrier.
func (m *bootstrapMessage) Endpoints() []*ipc.RawEndpoint {
	switch m.Kind {
	case bootstrapOneShot:
		if m.Call == nil {
			return nil
		}
		return m.Call.Endpoints()
	case bootstrapPoolWorker:
		return []*ipc.RawEndpoint{m.Control}
	default:
		return nil
	}
}

// SetEndpoints implements ipc.EndpointCarrier.
func (m *bootstrapMessage) SetEndpoints(eps []*ipc.RawEndpoint) {
	switch m.Kind {
	case bootstrapOneShot:
		if m.Call == nil {
			m.Call = &CallDescriptor{}
		}
		m.Call.SetEndpoints(eps)
	case bootstrapPoolWorker:
		if len(eps) == 1 {
			m.Control = eps[0]
		}
	}
}

// Init is the bootstrap protocol's entry-point guard. Call
// it near the top of main in every program that spawns or may itself be
// spawned. If the reserved bootstrap variable is absent, Init returns
// immediately and main runs normally. If present, Init never returns: it
// completes the handoff, executes the requested call (or becomes a pool
// worker), and exits the process.
func Init() {
	name, present := os.LookupEnv(consts.ContentProcessIDVariable)
	if !present {
		return
	}
	// Cleared immediately so a nested Spawn from within the invoked
	// function is well-defined (nested spawns need a clean variable to set again).
	os.Unsetenv(consts.ContentProcessIDVariable)

	cfg := currentGlobalConfig()
	if cfg.ConfigCallback != nil {
		cfg.ConfigCallback()
	}

	bootEP, err := ipc.Connect(name)
	if err != nil {
		vlog.Errorf("procspawn: child failed to connect to rendezvous %q: %v", name, err)
		os.Exit(1)
	}
	bootRecvRaw, err := bootEP.Receiver()
	if err != nil {
		vlog.Errorf("procspawn: child failed to open bootstrap receiver: %v", err)
		os.Exit(1)
	}
	bootRecv := ipc.NewReceiver[bootstrapMessage](bootRecvRaw)
	msg, err := bootRecv.Recv()
	bootRecvRaw.Close()
	if err != nil {
		vlog.Errorf("procspawn: child failed to receive bootstrap message: %v", err)
		os.Exit(1)
	}

	ic := invokeConfig{panicHandling: cfg.PanicHandling, backtrace: cfg.backtraceMode()}

	switch msg.Kind {
	case bootstrapOneShot:
		if err := runDescriptor(msg.Call, ic); err != nil {
			vlog.Errorf("procspawn: invocation failed: %v", err)
			os.Exit(1)
		}
	case bootstrapPoolWorker:
		runPoolWorkerLoop(msg.Control, ic)
	default:
		vlog.Errorf("procspawn: unrecognized bootstrap message kind %d", msg.Kind)
		os.Exit(1)
	}
	os.Exit(0)
}
