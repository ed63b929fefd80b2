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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"mkern.dev/mkern/pkg/sentry/kernel"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML configuration file. Flags given on the command line override its settings.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")

	// Flags that control the kernel.
	flagSet.Uint64("memory-size", kernel.DefaultMemorySize, "size of physical memory in bytes.")
	flagSet.Var(durationPtr(Duration(kernel.DefaultTimerPeriod)), "timer-period", "period of the timer interrupt.")
	flagSet.Int("time-slice", kernel.DefaultTimeSlice, "timer ticks a context runs before it is preempted.")
	flagSet.Int("max-contexts", kernel.DefaultMaxContexts, "maximum number of contexts, including idle.")
	flagSet.Int("kernel-stack-pages", kernel.DefaultKernelStackPages, "size of each context's kernel stack in pages.")
	flagSet.Uint64("stack-size", kernel.DefaultStackSize, "size of the user stack of executed images in bytes.")
	flagSet.Uint64("max-files", 1024, "maximum number of open descriptors per context.")
	flagSet.Bool("host-limits", false, "seed context resource limits from the host's rlimits.")
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is given, a configuration file. Values from the file take
// precedence over flag defaults, and flags set on the command line take
// precedence over the file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	flagSet.VisitAll(func(fl *flag.Flag) {
		conf.setFromFlag(fl)
	})

	if conf.ConfigFile != "" {
		if _, err := toml.DecodeFile(conf.ConfigFile, conf); err != nil {
			return nil, fmt.Errorf("reading configuration file %q: %w", conf.ConfigFile, err)
		}
		flagSet.Visit(func(fl *flag.Flag) {
			conf.setFromFlag(fl)
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlag copies the value of fl into the field tagged with its name, if
// any.
func (c *Config) setFromFlag(fl *flag.Flag) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || name != fl.Name {
			continue
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			panic(fmt.Sprintf("flag %q cannot be read back", name))
		}
		field := obj.Field(i)
		field.Set(reflect.ValueOf(getter.Get()).Convert(field.Type()))
		return
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to the flag default are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// durationValue is a flag.Value for Duration fields.
type durationValue Duration

func durationPtr(d Duration) *durationValue {
	v := durationValue(d)
	return &v
}

// Set implements flag.Value.Set.
func (d *durationValue) Set(s string) error {
	return (*Duration)(d).UnmarshalText([]byte(s))
}

// Get implements flag.Getter.Get.
func (d *durationValue) Get() any {
	return Duration(*d)
}

// String implements flag.Value.String.
func (d *durationValue) String() string {
	return Duration(*d).String()
}
