// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package testharness

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunModeFalseByDefault(t *testing.T) {
	require.False(t, RunMode())
}

func TestHelperCommandSetsMarkerAndArgs(t *testing.T) {
	cmd := HelperCommand("TestSomething", "extra")
	require.Equal(t, os.Args[0], cmd.Path)
	require.Contains(t, cmd.Args, "-test.run=^TestSomething$")
	require.Contains(t, cmd.Args, "extra")

	found := false
	for _, e := range cmd.Env {
		if e == "GO_WANT_HELPER_PROCESS=1" {
			found = true
		}
	}
	require.True(t, found)
}
