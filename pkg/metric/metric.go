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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"

	"mkern.dev/mkern/pkg/prometheus"
	"mkern.dev/mkern/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrInvalidName indicates that the metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must be of the form /component/name")
)

// ExportPrefix is prepended to every metric name in the Prometheus export.
const ExportPrefix = "mkern_"

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored.
//
// All metrics must be cumulative, meaning that their values will only
// increase over time.
type Uint64Metric struct {
	value atomic.Uint64
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// metricEntry is a registered metric.
type metricEntry struct {
	name        string
	description string
	cumulative  bool
	value       func() uint64
}

// metricSet holds registered metrics.
type metricSet struct {
	mu          sync.Mutex
	initialized bool
	m           map[string]metricEntry
}

func makeMetricSet() *metricSet {
	return &metricSet{m: make(map[string]metricEntry)}
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

// Initialize freezes the set of metrics. Metrics may not be registered after
// it has been called.
func Initialize() {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	allMetrics.initialized = true
}

func verifyName(name string) error {
	if !strings.HasPrefix(name, "/") || strings.Count(name, "/") < 2 || strings.HasSuffix(name, "/") {
		return ErrInvalidName
	}
	if !prometheus.ValidName(promName(name)) {
		return ErrInvalidName
	}
	return nil
}

// promName converts /component/name to component_name.
func promName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

func register(e metricEntry) error {
	if err := verifyName(e.name); err != nil {
		return fmt.Errorf("%w: %q", err, e.name)
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if allMetrics.initialized {
		return ErrInitializationDone
	}
	if _, ok := allMetrics.m[e.name]; ok {
		return ErrNameInUse
	}
	allMetrics.m[e.name] = e
	return nil
}

// RegisterCustomUint64Metric registers a metric with the given name.
//
// Register must only be called at init and will return an error if called
// after Initialize.
//
// Preconditions:
//   - name must be globally unique.
//   - Initialize has not been called.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	return register(metricEntry{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %v", name, err))
	}
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	return m, RegisterCustomUint64Metric(name, true, description, m.Value)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// Values returns a snapshot of all registered metric values, keyed by name.
func Values() map[string]uint64 {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	vals := make(map[string]uint64, len(allMetrics.m))
	for name, e := range allMetrics.m {
		vals[name] = e.value()
	}
	return vals
}

// GetSnapshot returns a Prometheus snapshot of all registered metrics.
func GetSnapshot() *prometheus.Snapshot {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	names := make([]string, 0, len(allMetrics.m))
	for name := range allMetrics.m {
		names = append(names, name)
	}
	sort.Strings(names)
	s := prometheus.NewSnapshot()
	for _, name := range names {
		e := allMetrics.m[name]
		typ := prometheus.TypeGauge
		if e.cumulative {
			typ = prometheus.TypeCounter
		}
		s.Add(prometheus.NewData(&prometheus.Metric{
			Name: promName(name),
			Type: typ,
			Help: e.description,
		}, e.value()))
	}
	return s
}

// WritePrometheus writes every registered metric to w in Prometheus text
// format.
func WritePrometheus(w io.Writer) error {
	_, err := prometheus.Write(w, ExportPrefix, GetSnapshot())
	return err
}
