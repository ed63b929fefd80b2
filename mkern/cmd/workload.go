// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/sentry/kernel"
	"mkern.dev/mkern/pkg/sentry/mm"
)

// imageBase is where the demo image is loaded.
const imageBase = hostarch.Addr(0x400000)

// demoImage is the program executed by the boot workload's init.
func demoImage() *kernel.Image {
	return &kernel.Image{
		Entry: imageBase,
		Segments: []kernel.Segment{
			{Addr: imageBase, Data: []byte("\x90\x90\x90\xc3"), MemSize: hostarch.PageSize, Perms: hostarch.ReadExec},
			{Addr: imageBase + hostarch.PageSize, Data: []byte("mkern"), MemSize: 2 * hostarch.PageSize, Perms: hostarch.ReadWrite},
		},
	}
}

var errInitRunning = errors.New("init has not exited")

// runKernel boots k with init running entry, waits for init to exit and for
// the kernel to wind down, and returns init's exit code.
func runKernel(ctx context.Context, k *kernel.Kernel, entry kernel.EntryFunc) (int, error) {
	if _, err := k.CreateInit("init", entry); err != nil {
		return 0, fmt.Errorf("creating init: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.Run(gctx)
	})

	var code int
	g.Go(func() error {
		b := backoff.WithContext(backoff.NewConstantBackOff(10*time.Millisecond), gctx)
		return backoff.Retry(func() error {
			c, ok := k.ExitStatus()
			if !ok {
				return errInitRunning
			}
			code = c
			return nil
		}, b)
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return code, nil
}

// bootInit is the init of the boot workload. It executes the demo image,
// opens a console, then runs a few workers and collects them.
func bootInit(workers int) kernel.EntryFunc {
	return func(c *kernel.Context) {
		if err := c.Exec(demoImage()); err != nil {
			log.Warningf("Exec failed: %v", err)
			c.Exit(1)
		}
		if _, err := c.Open("debug", 0); err != nil {
			log.Warningf("Opening the console failed: %v", err)
			c.Exit(1)
		}

		var children []*kernel.Context
		for i := 0; i < workers; i++ {
			child, err := c.Clone(fmt.Sprintf("worker%d", i), bootWorker, 0)
			if err != nil {
				log.Warningf("Clone failed: %v", err)
				c.Exit(1)
			}
			children = append(children, child)
		}
		status := 0
		for _, child := range children {
			code, err := c.Wait(child.ID())
			if err != nil {
				log.Warningf("Wait(%v) failed: %v", child, err)
				c.Exit(1)
			}
			log.Infof("Context %v exited with status %d", child, code)
			if code != 0 {
				status = 1
			}
		}
		c.Exit(status)
	}
}

// bootWorker writes to fresh memory, grows its heap and yields in between.
func bootWorker(c *kernel.Context) {
	addr, err := c.Mmap(0, 4*hostarch.PageSize, hostarch.ReadWrite, false)
	if err != nil {
		c.Exit(2)
	}
	msg := []byte(fmt.Sprintf("hello from %d", c.GetPID()))
	for i := 0; i < 4; i++ {
		if _, err := c.MemoryManager().CopyOut(addr+hostarch.Addr(i*hostarch.PageSize), msg, mm.IOOpts{}); err != nil {
			c.Exit(3)
		}
		c.Yield()
	}
	brk, err := c.Brk(0)
	if err != nil {
		c.Exit(4)
	}
	if _, err := c.Brk(brk + 3*hostarch.PageSize); err != nil {
		c.Exit(4)
	}
	if err := c.Munmap(addr, 4*hostarch.PageSize); err != nil {
		c.Exit(5)
	}
}

// stressOpts configures the stress workload.
type stressOpts struct {
	workers    int
	iterations int
	seed       int64
}

// stressInit is the init of the stress workload: each worker performs random
// memory, file and process operations. Init exits with the number of workers
// that failed.
func stressInit(opts stressOpts) kernel.EntryFunc {
	return func(c *kernel.Context) {
		if err := c.Exec(demoImage()); err != nil {
			log.Warningf("Exec failed: %v", err)
			c.Exit(opts.workers + 1)
		}
		var children []*kernel.Context
		for i := 0; i < opts.workers; i++ {
			rng := rand.New(rand.NewSource(opts.seed + int64(i)))
			child, err := c.Clone(fmt.Sprintf("stress%d", i), stressWorker(rng, opts.iterations), 0)
			if err != nil {
				log.Warningf("Clone failed: %v", err)
				break
			}
			children = append(children, child)
		}
		failed := 0
		for _, child := range children {
			if code, err := c.Wait(child.ID()); err != nil || code != 0 {
				log.Warningf("Worker %v failed: status %d, %v", child, code, err)
				failed++
			}
		}
		c.Exit(failed)
	}
}

func stressWorker(rng *rand.Rand, iterations int) kernel.EntryFunc {
	return func(c *kernel.Context) {
		var (
			mappings []hostarch.Addr
			fds      []int32
		)
		heapStart, err := c.Brk(0)
		if err != nil {
			c.Exit(1)
		}
		for i := 0; i < iterations; i++ {
			switch rng.Intn(6) {
			case 0:
				pages := uint64(1 + rng.Intn(8))
				addr, err := c.Mmap(0, pages*hostarch.PageSize, hostarch.ReadWrite, false)
				if err != nil {
					continue
				}
				if _, err := c.MemoryManager().ZeroOut(addr, int64(pages*hostarch.PageSize), mm.IOOpts{}); err != nil {
					c.Exit(2)
				}
				mappings = append(mappings, addr)
			case 1:
				if len(mappings) == 0 {
					continue
				}
				j := rng.Intn(len(mappings))
				if err := c.Munmap(mappings[j], hostarch.PageSize); err != nil {
					c.Exit(3)
				}
				mappings = append(mappings[:j], mappings[j+1:]...)
			case 2:
				c.Brk(heapStart + hostarch.Addr(rng.Intn(16*hostarch.PageSize)))
			case 3:
				fd, err := c.Open("stress", uint64(i))
				if err != nil {
					continue
				}
				fds = append(fds, fd)
			case 4:
				if len(fds) == 0 {
					continue
				}
				if err := c.Close(fds[len(fds)-1]); err != nil {
					c.Exit(4)
				}
				fds = fds[:len(fds)-1]
			case 5:
				child, err := c.Clone("child", func(c *kernel.Context) {
					c.Yield()
				}, 0)
				if err != nil {
					continue
				}
				if code, err := c.Wait(child.ID()); err != nil || code != 0 {
					c.Exit(5)
				}
			}
			c.CheckInterrupts()
		}
	}
}
