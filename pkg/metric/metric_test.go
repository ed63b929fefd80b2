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

package metric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

// reset clears all global state in the metric package.
func reset() {
	allMetrics = makeMetricSet()
}

const (
	fooDescription     = "Foo!"
	barDescription     = "Bar Baz"
	counterDescription = "Counter"
)

func TestInitialize(t *testing.T) {
	defer reset()

	if _, err := NewUint64Metric("/foo/count", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	Initialize()
	if _, err := NewUint64Metric("/bar/count", barDescription); !errors.Is(err, ErrInitializationDone) {
		t.Errorf("NewUint64Metric after Initialize got err %v want %v", err, ErrInitializationDone)
	}
}

func TestNameValidation(t *testing.T) {
	defer reset()

	for _, name := range []string{"", "foo", "/foo", "/foo/", "/foo/bar-baz", "/1/x"} {
		if _, err := NewUint64Metric(name, fooDescription); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) got err %v want %v", name, err, ErrInvalidName)
		}
	}
	if _, err := NewUint64Metric("/mm/page_faults", fooDescription); err != nil {
		t.Errorf("NewUint64Metric(/mm/page_faults) got err %v want nil", err)
	}
	if _, err := NewUint64Metric("/mm/page_faults", fooDescription); !errors.Is(err, ErrNameInUse) {
		t.Errorf("duplicate NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
}

func TestPrometheusExport(t *testing.T) {
	defer reset()

	switches := MustCreateNewUint64Metric("/kernel/context_switches", counterDescription)
	MustRegisterCustomUint64Metric("/pgalloc/frames_used", false, "Frames currently allocated.", func() uint64 { return 42 })
	switches.IncrementBy(3)
	switches.Increment()

	var buf bytes.Buffer
	if err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("TextToMetricFamilies: %v\n%s", err, buf.String())
	}

	got := make(map[string]float64)
	types := make(map[string]string)
	for name, mf := range parsed {
		types[name] = mf.GetType().String()
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				got[name] = c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				got[name] = g.GetValue()
			}
		}
	}
	wantValues := map[string]float64{
		"mkern_kernel_context_switches": 4,
		"mkern_pgalloc_frames_used":     42,
	}
	if diff := cmp.Diff(wantValues, got); diff != "" {
		t.Errorf("exported values mismatch (-want +got):\n%s", diff)
	}
	wantTypes := map[string]string{
		"mkern_kernel_context_switches": "COUNTER",
		"mkern_pgalloc_frames_used":     "GAUGE",
	}
	if diff := cmp.Diff(wantTypes, types); diff != "" {
		t.Errorf("exported types mismatch (-want +got):\n%s", diff)
	}
}
