// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package procspawn

// Args2 and Args3 bundle two or three values into a single Func argument
// or result, for callables that would otherwise want more than one
// parameter. Go has no native multi-argument closure capture the way a
// macro-generated wrapper does in other ecosystems, so a registered Func
// always takes exactly one A — these are the plain-struct equivalent of
// that n-ary convenience, nothing more.
type Args2[A, B any] struct {
	A A
	B B
}

// Args3 is Args2 extended to three fields.
type Args3[A, B, C any] struct {
	A A
	B B
	C C
}
