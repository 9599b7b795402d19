//go:build debug

// Package provides debug utilities
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"net/http"
	"sync"
)

func ON() bool { return true }

func Infof(f string, a ...any) { fmt.Printf("[debug] "+f+"\n", a...) }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint(append([]any{"assertion failed"}, args...)...))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }
func AssertNoErr(err error)                 { Assert(err == nil, err) }
func Assertf(cond bool, f string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+f, a...))
	}
}

func AssertNotPstr(v any) { Assert(v != nil, "unexpected nil pointer") }
func FailTypeCast(v any)  { panic(fmt.Sprintf("unexpected type %T", v)) }

// best-effort lock checks: Go's sync primitives don't expose lock state, so
// these only catch the nil-pointer case; real contention bugs need -race.
func AssertMutexLocked(m *sync.Mutex)      { Assert(m != nil) }
func AssertRWMutexLocked(m *sync.RWMutex)  { Assert(m != nil) }
func AssertRWMutexRLocked(m *sync.RWMutex) { Assert(m != nil) }

func Handlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{}
}
