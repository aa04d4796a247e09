// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package consts holds the names of environment variables reserved by the
// bootstrap protocol, following the convention set by the top level ref
// package of naming reserved environment variables in one place.
package consts

const (
	// ContentProcessIDVariable carries the name of the one-shot rendezvous
	// a freshly exec'd child should connect to in order to receive its
	// CallDescriptor. Its presence triggers the bootstrap path in Init;
	// its absence means the process is running as an ordinary program.
	ContentProcessIDVariable = "__PROCSPAWN_CONTENT_PROCESS_ID"
)
