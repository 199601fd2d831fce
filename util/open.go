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
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
)

// Reader is a text input opened by OpenReader.  Files ending in ".gz" (this
// includes bgzipped files) are decompressed on the fly.
type Reader struct {
	io.Reader
	ctx  context.Context
	path string
	in   file.File
	gz   *gzip.Reader
}

// OpenReader opens path, which may be local or any scheme registered with
// grailbio/base/file.
func OpenReader(ctx context.Context, path string) (*Reader, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	r := &Reader{ctx: ctx, path: path, in: in, Reader: in.Reader(ctx)}
	if strings.HasSuffix(path, ".gz") {
		if r.gz, err = gzip.NewReader(r.Reader); err != nil {
			_ = in.Close(ctx)
			return nil, errors.E(err, "gunzip", path)
		}
		r.Reader = r.gz
	}
	return r, nil
}

// Name returns the path the reader was opened with.
func (r *Reader) Name() string { return r.path }

// Close closes the underlying file.
func (r *Reader) Close() error {
	var e errors.Once
	if r.gz != nil {
		e.Set(r.gz.Close())
	}
	e.Set(r.in.Close(r.ctx))
	return e.Err()
}

// MkdirAll creates dir if it names a local directory.  Object stores have no
// directories, so other schemes are left alone.
func MkdirAll(dir string) error {
	if strings.Contains(dir, "://") {
		return nil
	}
	return os.MkdirAll(filepath.Clean(dir), 0755)
}
