// SPDX-License-Identifier: Apache-2.0
/*
 * sheepdog: tools for a distributed block and object store
 * Copyright (C) 2026 The sheepdog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package farm

import (
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/apex/log"
	zstd "github.com/klauspost/compress/zstd"
	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"
)

// Algorithm is the encoding applied to slice content before it reaches
// disk. The slice digest is always computed over the plain content, so the
// algorithm never changes a slice's identity, only its stored bytes. The
// store picks one algorithm at init time and applies it uniformly.
type Algorithm interface {
	// Name is the identifier persisted in the store's config.
	Name() string

	// Compress sets up the streaming compressor for this algorithm.
	Compress(plain io.Reader) (compressed io.ReadCloser, _ error)

	// Decompress sets up the streaming decompressor for this algorithm.
	Decompress(compressed io.Reader) (plain io.ReadCloser, _ error)
}

var (
	algorithmsLock sync.RWMutex
	algorithms     = map[string]Algorithm{}
)

// RegisterAlgorithm adds algo to the set of slice encodings the store can
// handle. Returns an error if the name is already registered.
func RegisterAlgorithm(algo Algorithm) error {
	name := algo.Name()

	algorithmsLock.Lock()
	defer algorithmsLock.Unlock()

	if _, ok := algorithms[name]; ok {
		return errors.Errorf("slice compression algorithm %s already registered", name)
	}
	algorithms[name] = algo
	return nil
}

// GetAlgorithm looks up a registered Algorithm by name, nil if unknown.
func GetAlgorithm(name string) Algorithm {
	algorithmsLock.RLock()
	defer algorithmsLock.RUnlock()

	return algorithms[name]
}

// Noop stores slices uncompressed. This is the default, and keeps the
// on-disk slice bytes identical to the logical slice content.
var Noop Algorithm = noopAlgo{}

type noopAlgo struct{}

func (noopAlgo) Name() string { return "none" }

func (noopAlgo) Compress(reader io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(reader), nil
}

func (noopAlgo) Decompress(reader io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(reader), nil
}

// Gzip provides concurrent gzip compression of slices.
var Gzip Algorithm = gzipAlgo{}

type gzipAlgo struct{}

func (gzipAlgo) Name() string { return "gzip" }

// gzipBlockSize matches the pgzip default block size.
const gzipBlockSize = 1 << 20

func (gzipAlgo) Compress(reader io.Reader) (io.ReadCloser, error) {
	pipeReader, pipeWriter := io.Pipe()

	gzw := gzip.NewWriter(pipeWriter)
	if err := gzw.SetConcurrency(gzipBlockSize, 2*runtime.NumCPU()); err != nil {
		return nil, errors.Wrap(err, "set gzip concurrency")
	}
	go func() {
		if _, err := io.Copy(gzw, reader); err != nil {
			log.Warnf("gzip compress: could not compress slice: %v", err)
			_ = pipeWriter.CloseWithError(fmt.Errorf("compressing slice: %w", err))
			return
		}
		if err := gzw.Close(); err != nil {
			log.Warnf("gzip compress: could not close gzip writer: %v", err)
			_ = pipeWriter.CloseWithError(fmt.Errorf("close gzip writer: %w", err))
			return
		}
		if err := pipeWriter.Close(); err != nil {
			log.Warnf("gzip compress: could not close pipe: %v", err)
			// We don't CloseWithError because we cannot override the Close.
			return
		}
	}()

	return pipeReader, nil
}

func (gzipAlgo) Decompress(reader io.Reader) (io.ReadCloser, error) {
	plain, err := gzip.NewReader(reader)
	if err != nil {
		return nil, errors.Wrap(err, "open gzip reader")
	}
	return plain, nil
}

// Zstd provides zstd compression of slices.
var Zstd Algorithm = zstdAlgo{}

type zstdAlgo struct{}

func (zstdAlgo) Name() string { return "zstd" }

func (zstdAlgo) Compress(reader io.Reader) (io.ReadCloser, error) {
	pipeReader, pipeWriter := io.Pipe()
	zw, err := zstd.NewWriter(pipeWriter)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := io.Copy(zw, reader); err != nil {
			log.Warnf("zstd compress: could not compress slice: %v", err)
			_ = pipeWriter.CloseWithError(fmt.Errorf("compressing slice: %w", err))
			return
		}
		if err := zw.Close(); err != nil {
			log.Warnf("zstd compress: could not close zstd writer: %v", err)
			_ = pipeWriter.CloseWithError(fmt.Errorf("close zstd writer: %w", err))
			return
		}
		if err := pipeWriter.Close(); err != nil {
			log.Warnf("zstd compress: could not close pipe: %v", err)
			return
		}
	}()

	return pipeReader, nil
}

func (zstdAlgo) Decompress(reader io.Reader) (io.ReadCloser, error) {
	plain, err := zstd.NewReader(reader)
	if err != nil {
		return nil, err
	}
	return plain.IOReadCloser(), nil
}

func init() {
	for _, algo := range []Algorithm{Noop, Gzip, Zstd} {
		if err := RegisterAlgorithm(algo); err != nil {
			panic(err)
		}
	}
}
