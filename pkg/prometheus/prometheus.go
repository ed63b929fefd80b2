// Copyright 2023 The gVisor Authors.
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

// Package prometheus contains Prometheus-compliant metric data structures and utilities.
// It can export data in Prometheus data format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// writeHeaderTo writes the metric comment header to the given writer.
func (m *Metric) writeHeaderTo(w io.Writer, prefix string) error {
	if m.Help != "" {
		// Prometheus metric description escape rules: Only backslashes and line breaks need escaping.
		help := strings.ReplaceAll(strings.ReplaceAll(m.Help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s%s %s\n", prefix, m.Name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s%s %s\n", prefix, m.Name, m.Type)
	return err
}

// Data is an observation of the value of a single metric.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Value is the integer value of the metric.
	Value uint64 `json:"val"`
}

// NewData returns a new Data struct with the given metric and value.
func NewData(metric *Metric, val uint64) *Data {
	return &Data{Metric: metric, Value: val}
}

// Snapshot is a set of metric values taken together.
type Snapshot struct {
	// Data is the list of metric observations.
	Data []*Data `json:"data"`
}

// NewSnapshot returns a new, empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Add adds the given data to the snapshot. It returns the snapshot for
// chaining.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// countingWriter implements io.Writer, and counts the number of bytes
// written to it.
type countingWriter struct {
	w       io.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.w.Write(b)
	w.written += n
	return n, err
}

// ValidName reports whether name is a valid Prometheus metric name.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == ':':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Write writes the snapshot in Prometheus text format, with every metric
// name prefixed by prefix. Metrics are written in name order. It returns the
// number of bytes written.
func Write(w io.Writer, prefix string, s *Snapshot) (int, error) {
	cw := &countingWriter{w: w}
	data := append([]*Data(nil), s.Data...)
	sort.Slice(data, func(i, j int) bool { return data[i].Metric.Name < data[j].Metric.Name })
	for i, d := range data {
		if i > 0 && data[i-1].Metric.Name == d.Metric.Name {
			return cw.written, fmt.Errorf("duplicate metric %q in snapshot", d.Metric.Name)
		}
		if !ValidName(prefix + d.Metric.Name) {
			return cw.written, fmt.Errorf("invalid metric name %q", prefix+d.Metric.Name)
		}
		if err := d.Metric.writeHeaderTo(cw, prefix); err != nil {
			return cw.written, err
		}
		if _, err := fmt.Fprintf(cw, "%s%s %d\n", prefix, d.Metric.Name, d.Value); err != nil {
			return cw.written, err
		}
	}
	return cw.written, nil
}
