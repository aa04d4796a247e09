// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package timekeeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRealTimeAfterFires(t *testing.T) {
	tk := RealTime()
	select {
	case <-tk.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RealTime().After")
	}
}

func TestManualFiresOnAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	ch := m.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	m.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	m.Advance(5 * time.Second)
	select {
	case fired := <-ch:
		require.Equal(t, start.Add(10*time.Second), fired)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestManualAfterZeroOrNegativeFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ch := m.After(0)
	select {
	case <-ch:
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
}
