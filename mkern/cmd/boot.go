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

	"github.com/google/subcommands"
	"mkern.dev/mkern/mkern/config"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/sentry/kernel"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// workers is the number of worker contexts started by init.
	workers int

	// metrics is where metrics are written after the kernel stops.
	metrics string
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the kernel and run the demo workload until init exits"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots the kernel, runs the demo init and reports its exit status
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.workers, "workers", 4, "number of worker contexts started by init.")
	f.StringVar(&b.metrics, "metrics", "", "write metrics in Prometheus format to this file after the kernel stops; - is stdout.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	code, err := boot(ctx, conf, bootInit(b.workers))
	if err != nil {
		Fatalf("boot failed: %v", err)
	}
	if err := writeMetrics(b.metrics); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	fmt.Fprintf(os.Stdout, "init exited with status %d\n", code)
	if code != 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// boot creates a kernel from conf, runs init to completion and returns its
// exit code.
func boot(ctx context.Context, conf *config.Config, entry kernel.EntryFunc) (int, error) {
	kc, err := conf.ToKernelConfig()
	if err != nil {
		return 0, err
	}
	k, err := kernel.New(kc)
	if err != nil {
		return 0, fmt.Errorf("creating kernel: %w", err)
	}
	defer k.Release()

	code, err := runKernel(ctx, k, entry)
	if err != nil {
		return 0, err
	}
	log.Infof("Kernel stopped: init exited with status %d, %d frames in use", code, k.MemoryFile().UsedFrames())
	return code, nil
}
