// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package envutil manipulates os.Environ-style "KEY=VALUE" slices. It is
// adapted from v.io/x/ref/lib/exec's Getenv/Setenv/Mergeenv helpers, which
// the bootstrap protocol and the per-spawn environment builder both need.
package envutil

import "strings"

// Getenv retrieves the value of name from env, an os.Environ-style slice.
func Getenv(env []string, name string) (string, bool) {
	prefix := name + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return strings.TrimPrefix(e, prefix), true
		}
	}
	return "", false
}

// Setenv sets or replaces the value for name in env, returning the updated
// slice (which may be a new backing array).
func Setenv(env []string, name, value string) []string {
	prefix := name + "="
	newEntry := prefix + value
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = newEntry
			return env
		}
	}
	return append(env, newEntry)
}

// Unsetenv removes name from env if present.
func Unsetenv(env []string, name string) []string {
	prefix := name + "="
	out := env[:0]
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Mergeenv overlays other's values onto base; a variable present in both
// takes its value from other, and variables only in other are appended.
func Mergeenv(base, other []string) []string {
	otherValues := make(map[string]string, len(other))
	var otherOrder []string
	for _, e := range other {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if _, seen := otherValues[parts[0]]; !seen {
			otherOrder = append(otherOrder, parts[0])
		}
		otherValues[parts[0]] = parts[1]
	}
	used := make(map[string]bool, len(otherValues))
	out := make([]string, len(base))
	copy(out, base)
	for i, e := range out {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if v, ok := otherValues[parts[0]]; ok {
			out[i] = parts[0] + "=" + v
			used[parts[0]] = true
		}
	}
	for _, k := range otherOrder {
		if !used[k] {
			out = append(out, k+"="+otherValues[k])
		}
	}
	return out
}
