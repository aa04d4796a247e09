// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procspawn runs a registered function in a fresh OS process
// instead of a goroutine, for fault isolation (an isolated call's panic or
// crash cannot corrupt the caller's heap) or privilege separation (a call
// can run under a different uid/gid, chroot, or session than its caller).
//
// A program that spawns, or may itself be spawned, must call Init near the
// top of main before doing anything else:
//
//	func main() {
//		procspawn.Init()
//		// ordinary program logic
//	}
//
// Functions intended as spawn targets are registered once, at package
// init time, by reference:
//
//	var addOne = procspawn.MustRegister("add-one", func(n int) int { return n + 1 })
//
// A single call is spawned with Spawn, which returns a JoinHandle:
//
//	handle, err := procspawn.Spawn(addOne, 41)
//	result, err := handle.Join() // 42, nil
//
// Many calls against a fixed set of persistent worker processes go through
// a Pool instead, via the package-level Submit function (Go methods can't
// take their own type parameters, so Submit isn't a Pool method):
//
//	pool, err := procspawn.NewPool(4)
//	handle, task, err := procspawn.Submit(pool, addOne, 41)
//
// A panic inside a spawned call is caught in the child and reported to the
// caller as an error from Join; PanicInfo extracts the structured
// PanicRecord (message, source location, optional backtrace) from that
// error.
package procspawn
