// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"v.io/v23/verror"
)

func TestPanicRecordErrorWithLocation(t *testing.T) {
	rec := &PanicRecord{Message: "oops", Location: &SourceLocation{File: "f.go", Line: 10}}
	require.Equal(t, "panic at f.go:10: oops", rec.Error())
}

func TestPanicRecordErrorWithoutLocation(t *testing.T) {
	rec := &PanicRecord{Message: "oops"}
	require.Equal(t, "panic: oops", rec.Error())
}

func TestPanicInfoExtractsRecord(t *testing.T) {
	rec := &PanicRecord{Message: "boom"}
	err := error(newPanicError(rec))
	got, ok := PanicInfo(err)
	require.True(t, ok)
	require.Same(t, rec, got)
}

func TestPanicInfoFalseForOtherErrors(t *testing.T) {
	_, ok := PanicInfo(fmt.Errorf("not a panic"))
	require.False(t, ok)
}

func TestPanicInfoUnwrapsWrappedError(t *testing.T) {
	rec := &PanicRecord{Message: "boom"}
	wrapped := fmt.Errorf("context: %w", newPanicError(rec))
	got, ok := PanicInfo(wrapped)
	require.True(t, ok)
	require.Same(t, rec, got)
}

func TestVerrorIDsAreDistinct(t *testing.T) {
	ids := []verror.IDAction{
		ErrPanic, ErrSerialization, ErrIO, ErrRemoteClosed, ErrCancelled,
		ErrTimeout, ErrConsumed, ErrNotZeroSized, ErrSharedLibraryUnsafe,
		ErrRecursiveBootstrap, ErrPoolDead,
	}
	seen := map[verror.ID]bool{}
	for _, id := range ids {
		require.False(t, seen[id.ID], "duplicate error ID %v", id.ID)
		seen[id.ID] = true
	}
}
