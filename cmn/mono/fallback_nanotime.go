//go:build !mono

// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime is the portable fallback used when the build doesn't carry the
// "mono" tag that unlocks the runtime.nanotime linkname in fast_nanotime.go.
func NanoTime() int64 { return time.Now().UnixNano() }
