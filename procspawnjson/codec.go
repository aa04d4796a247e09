// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package procspawnjson provides a JSON wire representation for argument
// and result types, for callers who want a payload other tooling (a
// log scraper, a non-Go debugging client) can read without understanding
// gob, in place of the default binary codec.
//
// Grounded on the Message/json.RawMessage convention used for subprocess
// IPC payloads in other_examples' v2e subprocess package: a small envelope
// struct carrying a json.RawMessage payload, so arbitrary argument/result
// types round-trip without the codec needing to know their shape ahead of
// time.
package procspawnjson

import "encoding/json"

// Wrapped adapts T's JSON representation to encoding/gob's GobEncoder and
// GobDecoder hooks. Use Wrapped[T] as a Func argument or result type (in
// place of T directly) to make that one call's wire payload JSON instead
// of gob, without changing anything else about how Spawn or Submit are
// used.
type Wrapped[T any] struct {
	Value T
}

// GobEncode implements gob.GobEncoder by marshalling Value as JSON.
func (w Wrapped[T]) GobEncode() ([]byte, error) {
	return json.Marshal(w.Value)
}

// GobDecode implements gob.GobDecoder by unmarshalling Value from JSON.
func (w *Wrapped[T]) GobDecode(data []byte) error {
	return json.Unmarshal(data, &w.Value)
}

// Marshal and Unmarshal are exposed directly for callers implementing
// their own GobEncode/GobDecode pair that delegates to JSON for some
// fields but not others (a result struct with one JSON field and one
// *procspawn.Shmem field, say).
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
