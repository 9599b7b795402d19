/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nodegrid/dispatch/hk"
)

var _ = Describe("Housekeeper", func() {
	It("runs a registered callback on its interval", func() {
		var calls int32
		hk.Reg("test.tick", func() time.Duration {
			atomic.AddInt32(&calls, 1)
			return 0
		}, 20*time.Millisecond)
		defer hk.Unreg("test.tick")

		Eventually(func() int32 { return atomic.LoadInt32(&calls) }, "500ms", "10ms").Should(BeNumerically(">=", 2))
	})

	It("stops calling back once the callback returns a negative duration", func() {
		var calls int32
		hk.Reg("test.oneshot", func() time.Duration {
			atomic.AddInt32(&calls, 1)
			return -1
		}, 10*time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&calls) }, "300ms", "10ms").Should(Equal(int32(1)))
		Consistently(func() int32 { return atomic.LoadInt32(&calls) }, "100ms", "10ms").Should(Equal(int32(1)))
	})

	It("stops calling back after Unreg", func() {
		var calls int32
		hk.Reg("test.unreg", func() time.Duration {
			atomic.AddInt32(&calls, 1)
			return 0
		}, 10*time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&calls) }, "200ms", "10ms").Should(BeNumerically(">=", 1))
		hk.Unreg("test.unreg")
		n := atomic.LoadInt32(&calls)
		Consistently(func() int32 { return atomic.LoadInt32(&calls) }, "100ms", "10ms").Should(Equal(n))
	})
})
