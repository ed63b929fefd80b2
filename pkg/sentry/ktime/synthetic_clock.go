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

package ktime

import (
	"sync/atomic"
	"time"
)

// SyntheticClock is a Clock whose current time is set manually by calling
// Store or Add.
//
// The zero value is a clock at ZeroTime.
type SyntheticClock struct {
	now atomic.Int64
}

// Now implements Clock.Now.
func (c *SyntheticClock) Now() Time {
	return FromNanoseconds(c.now.Load())
}

// Store sets the clock's current time to t.
func (c *SyntheticClock) Store(t Time) {
	c.now.Store(t.Nanoseconds())
}

// Add advances the clock by d, which may be negative.
func (c *SyntheticClock) Add(d time.Duration) {
	c.now.Add(d.Nanoseconds())
}
