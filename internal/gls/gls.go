// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gls provides a minimal per-goroutine scalar store. The IPC
// substrate's "in_ipc_mode" flag must be visible only to the
// goroutine that is actually inside a Send/Recv call — a process-global
// flag would leak across concurrent sends on unrelated channels (e.g. two
// worker-pool dispatcher threads serializing different calls at once). Go
// has no built-in goroutine-local storage, so this package derives a
// goroutine identifier from the runtime's own stack trace header, the same
// technique used by several goroutine-leak and context-propagation
// libraries in the ecosystem. No third-party package in the retrieved
// corpus ships this (joeycumines-go-utilpkg/goroutineid's source was not
// present in the retrieval, only its go.mod), so this is implemented
// directly against the standard library; see DESIGN.md.
package gls

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	mu    sync.Mutex
	flags = make(map[int64]int)
)

// goroutineID parses the numeric id out of the header line of
// runtime.Stack, e.g. "goroutine 18 [running]:".
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	const prefix = "goroutine "
	if !bytes.HasPrefix(buf, []byte(prefix)) {
		return -1
	}
	buf = buf[len(prefix):]
	end := bytes.IndexByte(buf, ' ')
	if end < 0 {
		return -1
	}
	id, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// Enter marks the calling goroutine as "inside" the flagged section and
// returns a function that must be deferred to leave it. Enter/Exit pairs
// nest correctly: the flag is cleared only when the outermost Enter's
// matching leave function runs.
func Enter() func() {
	id := goroutineID()
	mu.Lock()
	flags[id]++
	mu.Unlock()
	return func() {
		mu.Lock()
		flags[id]--
		if flags[id] <= 0 {
			delete(flags, id)
		}
		mu.Unlock()
	}
}

// Active reports whether the calling goroutine is currently inside an
// Enter/leave section.
func Active() bool {
	id := goroutineID()
	mu.Lock()
	defer mu.Unlock()
	return flags[id] > 0
}
