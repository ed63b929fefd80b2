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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("Writer lines mismatch (-want +got):\n%s", diff)
	}
}

// recorder is an Emitter that keeps formatted messages.
type recorder struct {
	msgs []string
}

func (r *recorder) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.msgs = append(r.msgs, fmt.Sprintf("%s: %s", level, fmt.Sprintf(format, v...)))
}

func TestLevels(t *testing.T) {
	r := &recorder{}
	l := &BasicLogger{Level: Info, Emitter: r}
	l.Debugf("context %d created", 1)
	l.Infof("booted with %d frames", 16)
	l.Warningf("out of frames")
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) at Info level")
	}
	l.SetLevel(Debug)
	l.Debugf("context %d reaped", 1)

	want := []string{
		"Info: booted with 16 frames",
		"Warning: out of frames",
		"Debug: context 1 reaped",
	}
	if diff := cmp.Diff(want, r.msgs); diff != "" {
		t.Errorf("emitted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitterHeader(t *testing.T) {
	tw := &testWriter{}
	g := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 123456000, time.UTC)
	g.Emit(0, Warning, ts, "frame %d", 7)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0507 13:04:05.123456 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.HasSuffix(line, "] frame 7\n") {
		t.Errorf("unexpected message in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
}

func TestRateLimited(t *testing.T) {
	r := &recorder{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: r}, time.Hour)
	for i := 0; i < 5; i++ {
		l.Warningf("out of memory")
	}
	if len(r.msgs) != 1 {
		t.Errorf("got %d messages through a limiter, want 1: %v", len(r.msgs), r.msgs)
	}
}
