// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipWriters = sync.Pool{
		New: func() interface{} {
			w, _ := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
			return w
		},
	}

	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() {
	zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if zstdErr != nil {
		return
	}
	zstdDecoder, zstdErr = zstd.NewReader(nil)
}

// Compress compresses an encoded tile.
func Compress(c Compression, p []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return p, nil
	case CompressionGzip:
		var b bytes.Buffer
		w := gzipWriters.Get().(*gzip.Writer)
		defer gzipWriters.Put(w)
		w.Reset(&b)
		if _, err := w.Write(p); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case CompressionZstd:
		zstdOnce.Do(initZstd)
		if zstdErr != nil {
			return nil, zstdErr
		}
		return zstdEncoder.EncodeAll(p, nil), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("archive: invalid compression %v", c))
}

// Decompress reverses Compress.
func Decompress(c Compression, p []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return p, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(p))
		if err != nil {
			return nil, errors.E(errors.Integrity, "archive: decompress tile", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.E(errors.Integrity, "archive: decompress tile", err)
		}
		return out, nil
	case CompressionZstd:
		zstdOnce.Do(initZstd)
		if zstdErr != nil {
			return nil, zstdErr
		}
		out, err := zstdDecoder.DecodeAll(p, nil)
		if err != nil {
			return nil, errors.E(errors.Integrity, "archive: decompress tile", err)
		}
		return out, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("archive: invalid compression %v", c))
}
