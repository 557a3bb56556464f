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
	"bytes"
	"crypto/sha1" //nolint:gosec // the archive format is SHA-1 addressed
	"encoding/hex"
	"fmt"
	"io"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/renameio"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// SliceAlgorithm is the digest algorithm addressing slices.
const SliceAlgorithm = digest.Algorithm("sha1")

// sha1Size is the raw digest length used in the wire formats.
const sha1Size = sha1.Size

// sliceDigest converts a raw digest to its string representation.
func sliceDigest(sum [sha1Size]byte) digest.Digest {
	return digest.NewDigestFromEncoded(SliceAlgorithm, hex.EncodeToString(sum[:]))
}

// parseSliceDigest converts a digest string back to raw bytes. Digests come
// from snap logs and trunk files, so malformed input is data corruption,
// not programmer error.
func parseSliceDigest(d digest.Digest) (sum [sha1Size]byte, _ error) {
	if d.Algorithm() != SliceAlgorithm {
		return sum, errors.Errorf("unsupported slice digest %q", d)
	}
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil || len(raw) != sha1Size {
		return sum, errors.Errorf("malformed slice digest %q", d)
	}
	copy(sum[:], raw)
	return sum, nil
}

// SliceStore is the content-addressed half of a farm: a sharded directory
// tree holding one file per slice, named by the slice's SHA-1. Writes are
// idempotent; content already present is never re-stored.
type SliceStore struct {
	objectDir string
	algo      Algorithm
}

func newSliceStore(objectDir string, algo Algorithm) *SliceStore {
	if algo == nil {
		algo = Noop
	}
	return &SliceStore{objectDir: objectDir, algo: algo}
}

// slicePath returns the file path of a slice, <objects>/<hh>/<hex>.
func (s *SliceStore) slicePath(d digest.Digest) (string, error) {
	if _, err := parseSliceDigest(d); err != nil {
		return "", err
	}
	enc := d.Encoded()
	return securejoin.SecureJoin(s.objectDir, fmt.Sprintf("%s/%s", enc[:2], enc))
}

// Write stores buf and returns its digest. If the digest is already
// present the write is a no-op and still succeeds.
func (s *SliceStore) Write(buf []byte) (digest.Digest, error) {
	d := sliceDigest(sha1.Sum(buf))

	path, err := s.slicePath(d)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(path); err == nil {
		// Same digest means same content.
		return d, nil
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return "", errors.Wrapf(err, "create temporary slice %s", d)
	}
	defer t.Cleanup() //nolint:errcheck

	compressed, err := s.algo.Compress(bytes.NewReader(buf))
	if err != nil {
		return "", errors.Wrapf(err, "compress slice %s", d)
	}
	_, err = io.Copy(t, compressed)
	compressed.Close()
	if err != nil {
		return "", errors.Wrapf(err, "write slice %s", d)
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", errors.Wrapf(err, "store slice %s", d)
	}
	return d, nil
}

// Read loads the slice named by d, decodes it and verifies its content
// against the digest before returning it.
func (s *SliceStore) Read(d digest.Digest) ([]byte, error) {
	path, err := s.slicePath(d)
	if err != nil {
		return nil, err
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open slice %s", d)
	}
	defer fh.Close()

	plain, err := s.algo.Decompress(fh)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress slice %s", d)
	}
	defer plain.Close()

	buf, err := io.ReadAll(plain)
	if err != nil {
		return nil, errors.Wrapf(err, "read slice %s", d)
	}

	if actual := sliceDigest(sha1.Sum(buf)); actual != d {
		return nil, errors.Errorf("slice digest mismatch: expected %s not %s", d, actual)
	}
	return buf, nil
}

// Has reports whether the slice named by d is present.
func (s *SliceStore) Has(d digest.Digest) (bool, error) {
	path, err := s.slicePath(d)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat slice %s", d)
	}
	return true, nil
}
