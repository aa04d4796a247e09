// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package timekeeper abstracts time.After so that the join-with-timeout
// backoff loops can be driven deterministically in tests. It mirrors
// the shape of v.io/x/ref/lib/timekeeper, which v.io/x/ref's ParentHandle
// accepts via a TimeKeeperOpt for exactly the same reason (WaitForReady's
// timeout select).
package timekeeper

import "time"

// TimeKeeper is the minimal clock interface the join-with-timeout loops
// (JoinHandle and PoolJoinHandle) depend on.
type TimeKeeper interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type realTime struct{}

func (realTime) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realTime) Now() time.Time                         { return time.Now() }

// RealTime returns the production TimeKeeper backed by the system clock.
func RealTime() TimeKeeper { return realTime{} }

// Manual is a TimeKeeper for tests: After returns a channel that fires only
// once Advance has moved the clock at or past the requested deadline.
type Manual struct {
	now  time.Time
	subs []manualSub
}

type manualSub struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time { return m.now }

func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if !deadline.After(m.now) {
		ch <- m.now
		return ch
	}
	m.subs = append(m.subs, manualSub{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward by d, firing any pending After channels
// whose deadline has elapsed.
func (m *Manual) Advance(d time.Duration) {
	m.now = m.now.Add(d)
	remaining := m.subs[:0]
	for _, s := range m.subs {
		if !s.deadline.After(m.now) {
			s.ch <- m.now
		} else {
			remaining = append(remaining, s)
		}
	}
	m.subs = remaining
}
