/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package runner_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/runner"
)

var _ = Describe("Ticker", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("is not running before Start", func() {
		tk := runner.New(10*time.Millisecond, func(context.Context, *time.Ticker) error { return nil })
		Expect(tk.IsRunning()).To(BeFalse())
		Expect(tk.Uptime()).To(Equal(time.Duration(0)))
	})

	It("runs fn periodically after Start", func() {
		var count atomic.Int32
		tk := runner.New(10*time.Millisecond, func(context.Context, *time.Ticker) error {
			count.Add(1)
			return nil
		})

		Expect(tk.Start(ctx)).To(Succeed())
		Expect(tk.IsRunning()).To(BeTrue())

		Eventually(func() int32 { return count.Load() }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 2))

		Expect(tk.Stop(ctx)).To(Succeed())
		Eventually(tk.IsRunning, time.Second, 5*time.Millisecond).Should(BeFalse())
	})

	It("stops ticking after Stop", func() {
		var count atomic.Int32
		tk := runner.New(5*time.Millisecond, func(context.Context, *time.Ticker) error {
			count.Add(1)
			return nil
		})

		Expect(tk.Start(ctx)).To(Succeed())
		time.Sleep(30 * time.Millisecond)
		Expect(tk.Stop(ctx)).To(Succeed())

		after := count.Load()
		time.Sleep(20 * time.Millisecond)
		Expect(count.Load()).To(Equal(after))
	})

	It("is idempotent on repeated Stop", func() {
		tk := runner.New(10*time.Millisecond, func(context.Context, *time.Ticker) error { return nil })
		Expect(tk.Start(ctx)).To(Succeed())
		Expect(tk.Stop(ctx)).To(Succeed())
		Expect(tk.Stop(ctx)).To(Succeed())
	})

	It("resets uptime and restarts ticking on Restart", func() {
		var count atomic.Int32
		tk := runner.New(10*time.Millisecond, func(context.Context, *time.Ticker) error {
			count.Add(1)
			return nil
		})

		Expect(tk.Start(ctx)).To(Succeed())
		time.Sleep(25 * time.Millisecond)

		Expect(tk.Restart(ctx)).To(Succeed())
		Expect(tk.IsRunning()).To(BeTrue())
		Expect(tk.Uptime()).To(BeNumerically("<", 10*time.Millisecond))

		before := count.Load()
		Eventually(func() int32 { return count.Load() }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">", before))

		Expect(tk.Stop(ctx)).To(Succeed())
	})

	It("stops automatically when the parent context is cancelled", func() {
		tk := runner.New(5*time.Millisecond, func(context.Context, *time.Ticker) error { return nil })
		innerCtx, innerCancel := context.WithCancel(ctx)

		Expect(tk.Start(innerCtx)).To(Succeed())
		Expect(tk.IsRunning()).To(BeTrue())

		innerCancel()
		Eventually(tk.IsRunning, time.Second, 5*time.Millisecond).Should(BeFalse())
	})

	It("collects errors returned by fn without stopping", func() {
		var count atomic.Int32
		boom := errors.New("boom")
		tk := runner.New(10*time.Millisecond, func(context.Context, *time.Ticker) error {
			count.Add(1)
			return boom
		})

		Expect(tk.Start(ctx)).To(Succeed())
		Eventually(func() int32 { return count.Load() }, time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 2))
		Expect(tk.IsRunning()).To(BeTrue())
		Expect(tk.ErrorsLast()).To(MatchError(boom))
		Expect(len(tk.ErrorsList())).To(BeNumerically(">=", 2))

		Expect(tk.Stop(ctx)).To(Succeed())
	})

	It("falls back to the default duration for a too-small interval", func() {
		tk := runner.New(0, func(context.Context, *time.Ticker) error { return nil })
		Expect(tk.Start(ctx)).To(Succeed())
		Expect(tk.IsRunning()).To(BeTrue())
		Expect(tk.Stop(ctx)).To(Succeed())
	})

	It("accepts a nil function without panicking", func() {
		Expect(func() {
			tk := runner.New(10*time.Millisecond, nil)
			Expect(tk.Start(ctx)).To(Succeed())
			Expect(tk.Stop(ctx)).To(Succeed())
		}).ToNot(Panic())
	})
})
