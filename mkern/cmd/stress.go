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
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"mkern.dev/mkern/mkern/config"
	"mkern.dev/mkern/pkg/sentry/kernel"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	seed       int64
	metrics    string
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random memory, file and process churn and check frame accounting"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs random mmap/brk/clone/file operations in many contexts, then
checks that every frame is returned once all contexts have exited
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of worker contexts.")
	f.IntVar(&s.iterations, "iterations", 1000, "operations per worker.")
	f.Int64Var(&s.seed, "seed", 0, "random seed; 0 picks one from the current time.")
	f.StringVar(&s.metrics, "metrics", "", "write metrics in Prometheus format to this file after the kernel stops; - is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	seed := s.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	res, err := stress(ctx, conf, stressOpts{workers: s.workers, iterations: s.iterations, seed: seed})
	if err != nil {
		Fatalf("stress failed: %v", err)
	}
	if err := writeMetrics(s.metrics); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	fmt.Fprintf(os.Stdout, "seed %d: %d workers failed, %d frames in use before, %d after\n", seed, res.failed, res.baseline, res.after)
	if res.failed != 0 || res.baseline != res.after {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// stressResult is the outcome of a stress run.
type stressResult struct {
	// failed is init's exit code: the number of failed workers.
	failed int

	// baseline and after are the frames in use before init was created
	// and after the kernel stopped.
	baseline uint64
	after    uint64
}

func stress(ctx context.Context, conf *config.Config, opts stressOpts) (stressResult, error) {
	kc, err := conf.ToKernelConfig()
	if err != nil {
		return stressResult{}, err
	}
	k, err := kernel.New(kc)
	if err != nil {
		return stressResult{}, fmt.Errorf("creating kernel: %w", err)
	}
	defer k.Release()

	res := stressResult{baseline: k.MemoryFile().UsedFrames()}
	res.failed, err = runKernel(ctx, k, stressInit(opts))
	if err != nil {
		return stressResult{}, err
	}
	res.after = k.MemoryFile().UsedFrames()
	return res, nil
}
