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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"mkern.dev/mkern/mkern/config"
	"mkern.dev/mkern/pkg/sentry/kernel"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	args = append([]string{"--memory-size=16777216", "--timer-period=1ms", "--max-contexts=64"}, args...)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBoot(t *testing.T) {
	for _, workers := range []int{0, 1, 4} {
		code, err := boot(testContext(t), testConfig(t), bootInit(workers))
		if err != nil {
			t.Fatalf("boot(%d workers): %v", workers, err)
		}
		if code != 0 {
			t.Errorf("boot(%d workers) = %d, want 0", workers, code)
		}
	}
}

func TestBootInitStatus(t *testing.T) {
	code, err := boot(testContext(t), testConfig(t), func(c *kernel.Context) {
		c.Exit(7)
	})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if code != 7 {
		t.Errorf("boot = %d, want 7", code)
	}
}

func TestBootCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := boot(ctx, testConfig(t), func(c *kernel.Context) {
		for {
			c.Yield()
		}
	})
	if err == nil {
		t.Errorf("boot with spinning init succeeded after cancel, want error")
	}
}

func TestStress(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		res, err := stress(testContext(t), testConfig(t), stressOpts{workers: 4, iterations: 200, seed: seed})
		if err != nil {
			t.Fatalf("stress(seed %d): %v", seed, err)
		}
		if res.failed != 0 {
			t.Errorf("stress(seed %d): %d workers failed", seed, res.failed)
		}
		if res.after != res.baseline {
			t.Errorf("stress(seed %d): %d frames in use after, want %d", seed, res.after, res.baseline)
		}
	}
}

func TestWriteMetrics(t *testing.T) {
	if _, err := boot(testContext(t), testConfig(t), bootInit(2)); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := writeMetrics(""); err != nil {
		t.Errorf("writeMetrics(\"\"): %v", err)
	}

	path := filepath.Join(t.TempDir(), "metrics")
	if err := writeMetrics(path); err != nil {
		t.Fatalf("writeMetrics: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(f)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v", err)
	}
	for _, name := range []string{
		"mkern_kernel_context_switches",
		"mkern_kernel_contexts_created",
		"mkern_kernel_contexts_reaped",
		"mkern_pgalloc_frames_allocated",
	} {
		mf, ok := parsed[name]
		if !ok {
			t.Errorf("metric %s missing", name)
			continue
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got == 0 {
			t.Errorf("metric %s = 0, want > 0", name)
		}
	}
}
