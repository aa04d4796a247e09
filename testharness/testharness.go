// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testharness lets a package's own test binary double as the
// executable procspawn spawns, so spawn/pool tests don't need a separate
// compiled helper binary. It mirrors the "helper process" convention
// v.io/x/ref/lib/modules uses for its own tests: a marker, re-exec the
// test binary itself with a single test selected, and let that test
// delegate into the registered entry point.
package testharness

import (
	"fmt"
	"os"
	"os/exec"
)

// RunMode reports how the current process was invoked: as the normal test
// suite, or as a re-exec'd helper instance that should run a single named
// test and then exit. Call it at the top of TestMain.
func RunMode() (helper bool) {
	return os.Getenv("GO_WANT_HELPER_PROCESS") == "1"
}

// HelperCommand builds an exec.Cmd that re-invokes the current test binary
// with -test.run pinned to helperTest and the marker variable set, so that
// test (conventionally named TestHelperProcess) runs in the child instead
// of the whole suite. Most procspawn tests don't need this directly —
// Init() bootstraps through the reserved environment variable regardless
// of which binary is exec'd — but it's useful for tests that want a
// child exhibiting specific non-procspawn behavior (a deliberate os.Exit
// code, a write to stderr) alongside a procspawn handoff.
func HelperCommand(helperTest string, args ...string) *exec.Cmd {
	cs := append([]string{fmt.Sprintf("-test.run=^%s$", helperTest)}, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}
