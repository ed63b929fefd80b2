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

// Package config provides basic infrastructure to set configuration settings
// for mkern. Each setting can be changed using command line flags or a TOML
// configuration file; flags set on the command line take precedence.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"mkern.dev/mkern/pkg/hostarch"
	"mkern.dev/mkern/pkg/log"
	"mkern.dev/mkern/pkg/sentry/kernel"
	"mkern.dev/mkern/pkg/sentry/limits"
)

// Config holds configuration that is not part of the kernel itself.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the file key.
//  3. Register the flag in RegisterFlags.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is the TOML file the configuration was read from, if any.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64 `flag:"memory-size" toml:"memory_size"`

	// TimerPeriod is the period of the timer interrupt.
	TimerPeriod Duration `flag:"timer-period" toml:"timer_period"`

	// TimeSlice is the number of timer ticks a context runs before it is
	// preempted.
	TimeSlice int `flag:"time-slice" toml:"time_slice"`

	// MaxContexts bounds the number of contexts, including idle.
	MaxContexts int `flag:"max-contexts" toml:"max_contexts"`

	// KernelStackPages is the size of each context's kernel stack in pages.
	KernelStackPages int `flag:"kernel-stack-pages" toml:"kernel_stack_pages"`

	// StackSize is the size of the user stack of executed images.
	StackSize uint64 `flag:"stack-size" toml:"stack_size"`

	// MaxFiles is the per-context descriptor limit.
	MaxFiles uint64 `flag:"max-files" toml:"max_files"`

	// HostLimits seeds context resource limits from the host process's
	// rlimits instead of the Linux defaults. MaxFiles still applies.
	HostLimits bool `flag:"host-limits" toml:"host_limits"`
}

// Duration is a time.Duration that is written to configuration files as a
// string, e.g. "10ms".
type Duration time.Duration

// String implements fmt.Stringer.String.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be text or json", c.LogFormat)
	}
	if c.MemorySize%hostarch.PageSize != 0 {
		return fmt.Errorf("memory size %d is not a multiple of the page size", c.MemorySize)
	}
	if c.TimerPeriod <= 0 {
		return fmt.Errorf("timer period %v must be positive", c.TimerPeriod)
	}
	if c.TimeSlice <= 0 {
		return fmt.Errorf("time slice %d must be positive", c.TimeSlice)
	}
	if c.MaxContexts < 2 {
		return fmt.Errorf("max contexts %d leaves no room beyond idle", c.MaxContexts)
	}
	if c.KernelStackPages <= 0 {
		return fmt.Errorf("kernel stack pages %d must be positive", c.KernelStackPages)
	}
	if c.MaxFiles == 0 {
		return fmt.Errorf("max files must be positive")
	}
	return nil
}

// ToKernelConfig returns the kernel configuration described by c.
func (c *Config) ToKernelConfig() (kernel.Config, error) {
	ls := limits.NewLinuxLimitSet()
	if c.HostLimits {
		var err error
		if ls, err = limits.NewHostLimitSet(); err != nil {
			return kernel.Config{}, fmt.Errorf("reading host limits: %w", err)
		}
	}
	ls.SetUnchecked(limits.NumberOfFiles, limits.Limit{Cur: c.MaxFiles, Max: c.MaxFiles})
	return kernel.Config{
		MemorySize:       c.MemorySize,
		TimerPeriod:      time.Duration(c.TimerPeriod),
		TimeSlice:        c.TimeSlice,
		MaxContexts:      c.MaxContexts,
		KernelStackPages: c.KernelStackPages,
		StackSize:        c.StackSize,
		Limits:           ls,
	}, nil
}

// WriteTOML writes c to w in the configuration file format.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.MemorySize: %d", c.MemorySize)
	log.Infof("Config.TimerPeriod: %v", c.TimerPeriod)
	log.Infof("Config.TimeSlice: %d", c.TimeSlice)
	log.Infof("Config.MaxContexts: %d", c.MaxContexts)
	log.Infof("Config.HostLimits: %t", c.HostLimits)
	log.Infof("Config.Debug: %t", c.Debug)
	if c.ConfigFile != "" {
		log.Infof("Config.ConfigFile: %s", c.ConfigFile)
	}
}
