// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmstage

import (
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// ErrUnknownCompressor is returned for a compressor other than gzip, xz, lzma or zstd.
var ErrUnknownCompressor = errors.New("unknown payload compressor")

// compressor describes the payload compression written to the header.
type compressor struct {
	name  string
	level int
}

// parseCompressor reads "name" or "name:level". An empty string means gzip.
func parseCompressor(s string) (compressor, error) {
	name, levelStr, hasLevel := strings.Cut(s, ":")
	if name == "" {
		name = "gzip"
	}
	c := compressor{name: name}
	switch name {
	case "gzip":
		c.level = gzip.BestCompression
	case "xz", "lzma":
		c.level = 2
	case "zstd":
		c.level = 3
	default:
		return compressor{}, errors.Wrap(ErrUnknownCompressor, name)
	}
	if hasLevel {
		level, err := strconv.Atoi(levelStr)
		if err != nil {
			return compressor{}, errors.Wrapf(err, "invalid %s compression level %q", name, levelStr)
		}
		c.level = level
	}
	return c, nil
}

// flags is the value of the payload flags tag.
func (c compressor) flags() string {
	return strconv.Itoa(c.level)
}

func (c compressor) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c.name {
	case "gzip":
		return gzip.NewWriterLevel(w, c.level)
	case "xz":
		return xz.NewWriter(w)
	case "lzma":
		return lzma.NewWriter(w)
	case "zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)))
	}
	return nil, errors.Wrap(ErrUnknownCompressor, c.name)
}
