// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"v.io/v23/verror"
)

func addOneForTest(n int) int { return n + 1 }

var registeredAddOne = MustRegister("procspawn.test.addOne", addOneForTest)

func TestRegisterAndLookup(t *testing.T) {
	require.Equal(t, "procspawn.test.addOne", registeredAddOne.Name())
	entry, ok := lookupEntry("procspawn.test.addOne")
	require.True(t, ok)
	require.Equal(t, "procspawn.test.addOne", entry.name)
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	_, err := Register("procspawn.test.addOne", addOneForTest)
	require.Error(t, err)
}

func TestRegisterRejectsClosure(t *testing.T) {
	captured := 7
	_, err := Register("procspawn.test.closure", func(n int) int { return n + captured })
	require.Error(t, err)
	require.Equal(t, verror.ErrorID(err), ErrNotZeroSized.ID)
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	require.Panics(t, func() {
		MustRegister("procspawn.test.addOne", addOneForTest)
	})
}

func TestLookupMissingEntry(t *testing.T) {
	_, ok := lookupEntry("procspawn.test.does-not-exist")
	require.False(t, ok)
}
