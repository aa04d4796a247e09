// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"os"
	"testing"
	"time"
)

// TestMain lets this test binary double as the executable Spawn/NewPool
// re-exec: Init() runs before the test runner ever parses flags, so a
// process started with the bootstrap variable set completes the handoff
// and exits without entering m.Run() at all.
func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

var panicForTest = MustRegister("procspawn.test.panicky", func(struct{}) struct{} {
	panic("kaboom")
})

var sleepForTest = MustRegister("procspawn.test.sleep", func(ms int) struct{} {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return struct{}{}
})

var echoForTest = MustRegister("procspawn.test.echo", func(s string) string {
	return s
})

var readEnvForTest = MustRegister("procspawn.test.readenv", func(key string) string {
	return os.Getenv(key)
})
