// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"v.io/v23/verror"

	"github.com/vanadium-labs/gospawn/internal/ipc"
)

// Func is a registered, zero-size callable: a reference to a named
// top-level function (or method expression) that both this process and any
// child exec'd from the same binary can reach by name, without any data
// crossing the process boundary to describe *which* function it is.
//
// This is the Go-native replacement for an ASLR-offset
// descriptor, which has no portable equivalent once ASLR is in play.
type Func[A, R any] struct {
	name string
}

// Name returns the registry key Register assigned to f.
func (f *Func[A, R]) Name() string { return f.name }

type registryEntry struct {
	name string
	// invoke receives the argument over argEP, calls the registered
	// function, and sends an Envelope over resultEP. It is built once,
	// in Register, with A and R already bound by generics — nothing
	// about the process boundary needs to carry type information at
	// runtime the way an address-rebasing trick would.
	invoke func(argEP, resultEP *ipc.RawEndpoint, cfg invokeConfig) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]*registryEntry{}
)

func lookupEntry(name string) (*registryEntry, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	e, ok := registry[name]
	return e, ok
}

func verrorEntryNotFound(name string) error {
	return verror.New(ErrRemoteClosed, nil, fmt.Sprintf("no function registered under name %q in this child; was Register called before Spawn in every process built from this binary?", name))
}

// Register associates name with fn, a function of exactly one argument and
// one return value, so that it can be invoked in a child process by name.
//
// fn must be a reference to a named top-level function or a method
// expression, not a closure literal that captures variables: this package's
// invariant (iii): "Only zero-sized callables... may be marshalled;
// attempting to marshal a closure with captured state is a programming
// error surfaced before any subprocess is launched." Register is the point
// where that surfacing happens, always before any process is spawned,
// since spawning always happens after the package-level Register calls
// that define the program's callable surface have run.
//
// Call Register from a package-level var initializer or init() so every
// process built from the binary — parent, child, and any nested child —
// populates the same registry entries identically.
func Register[A, R any](name string, fn func(A) R) (*Func[A, R], error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return nil, fmt.Errorf("procspawn: %q already registered", name)
	}
	if err := checkNotClosure(fn); err != nil {
		return nil, err
	}
	registry[name] = &registryEntry{
		name:   name,
		invoke: makeInvoker(fn),
	}
	return &Func[A, R]{name: name}, nil
}

// MustRegister is like Register but panics on error, for use in package
// var initializers where there is no caller to hand an error to.
func MustRegister[A, R any](name string, fn func(A) R) *Func[A, R] {
	f, err := Register(name, fn)
	if err != nil {
		panic(err)
	}
	return f
}

// checkNotClosure rejects fn if it carries captured state. Go has no
// direct "is this function value zero-sized" introspection, so this uses
// the nearest available signal: a closure literal's runtime.FuncForPC name
// carries a ".funcN" (or ".gowrap") suffix after the enclosing function's
// name, while a reference to a named top-level function or method
// expression does not. This is the same heuristic used informally across
// the Go ecosystem to detect closures for equality/logging purposes; see
// DESIGN.md.
func checkNotClosure[A, R any](fn func(A) R) error {
	pc := reflect.ValueOf(fn).Pointer()
	f := runtime.FuncForPC(pc)
	if f == nil {
		return verror.New(ErrNotZeroSized, nil, "<unknown>")
	}
	name := f.Name()
	base := name
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if strings.Contains(base, ".func") || strings.Contains(base, ".gowrap") {
		return verror.New(ErrNotZeroSized, nil, name)
	}
	return nil
}

func makeInvoker[A, R any](fn func(A) R) func(argEP, resultEP *ipc.RawEndpoint, cfg invokeConfig) error {
	return func(argEP, resultEP *ipc.RawEndpoint, cfg invokeConfig) error {
		argRecvRaw, err := argEP.Receiver()
		if err != nil {
			return err
		}
		defer argRecvRaw.Close()
		argRecv := ipc.NewReceiver[A](argRecvRaw)
		arg, err := argRecv.Recv()
		if err != nil {
			return fmt.Errorf("procspawn: receiving argument: %w", err)
		}

		resultSendRaw, err := resultEP.Sender()
		if err != nil {
			return err
		}
		defer resultSendRaw.Close()
		resultSend := ipc.NewSender[Envelope[R]](resultSendRaw)

		var env Envelope[R]
		if cfg.panicHandling {
			value, rec := catchPanic(cfg.backtrace, func() R { return fn(arg) })
			if rec != nil {
				env = Envelope[R]{OK: false, Panic: rec}
			} else {
				env = Envelope[R]{OK: true, Value: value}
			}
		} else {
			env = Envelope[R]{OK: true, Value: fn(arg)}
		}
		return resultSend.Send(env)
	}
}
