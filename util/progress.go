// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"io"
	"sync/atomic"

	"github.com/cheggaaa/pb/v3"
)

// Progress counts finished work items.  Implementations must be safe for
// concurrent use.
type Progress interface {
	Increment()
	Finish()
}

type progressBar struct {
	*pb.ProgressBar
}

func (b progressBar) Increment() { b.ProgressBar.Increment() }

func (b progressBar) Finish() { b.ProgressBar.Finish() }

// NewProgressBar starts a terminal progress bar over total items, drawn on w.
func NewProgressBar(w io.Writer, total int64) Progress {
	bar := pb.New64(total).SetTemplate(pb.Full)
	bar.SetWriter(w)
	return progressBar{bar.Start()}
}

// Counter is a Progress that only counts.
type Counter struct {
	n        int64
	finished int32
}

// Increment implements Progress.
func (c *Counter) Increment() { atomic.AddInt64(&c.n, 1) }

// Finish implements Progress.
func (c *Counter) Finish() { atomic.StoreInt32(&c.finished, 1) }

// Count returns the number of Increment calls so far.
func (c *Counter) Count() int64 { return atomic.LoadInt64(&c.n) }

// Finished reports whether Finish was called.
func (c *Counter) Finished() bool { return atomic.LoadInt32(&c.finished) != 0 }
