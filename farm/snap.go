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
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/cephpp/sheepdog/sd"
)

// Snapshot metadata is stored in three layers. The snap log is an
// append-only file of fixed records, one per snapshot; appending the record
// is the commit point of a save. Each record points at a snap file (a
// slice) which in turn points at the trunk file (also a slice) listing
// every object of the snapshot.

// snapLogEntry is one record of the snap log.
type snapLogEntry struct {
	Idx  uint32
	Tag  string
	Sha1 [sha1Size]byte
}

// snapLogEntrySize is the fixed record stride: idx, NUL-padded tag, digest.
const snapLogEntrySize = 4 + sd.MaxSnapshotTagLen + sha1Size

// snapLog reads and appends the on-disk log.
type snapLog struct {
	path string
}

// Read parses the whole log and validates that record i carries idx i+1.
func (l snapLog) Read() ([]snapLogEntry, error) {
	buf, err := os.ReadFile(l.path)
	if err != nil {
		return nil, errors.Wrap(err, "read snap log")
	}
	if len(buf)%snapLogEntrySize != 0 {
		return nil, errors.Errorf("snap log corrupt: %d trailing bytes", len(buf)%snapLogEntrySize)
	}

	entries := make([]snapLogEntry, 0, len(buf)/snapLogEntrySize)
	for off := 0; off < len(buf); off += snapLogEntrySize {
		rec := buf[off : off+snapLogEntrySize]

		var e snapLogEntry
		e.Idx = binary.LittleEndian.Uint32(rec)
		tag := rec[4 : 4+sd.MaxSnapshotTagLen]
		if i := bytes.IndexByte(tag, 0); i >= 0 {
			tag = tag[:i]
		}
		e.Tag = string(tag)
		copy(e.Sha1[:], rec[4+sd.MaxSnapshotTagLen:])

		if e.Idx != uint32(len(entries)+1) {
			return nil, errors.Errorf("snap log corrupt: record %d has idx %d", len(entries), e.Idx)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append writes one record and makes it durable before returning.
func (l snapLog) Append(e snapLogEntry) error {
	if len(e.Tag)+1 > sd.MaxSnapshotTagLen {
		return errors.Errorf("snapshot tag %q too long", e.Tag)
	}

	rec := make([]byte, snapLogEntrySize)
	binary.LittleEndian.PutUint32(rec, e.Idx)
	copy(rec[4:], e.Tag)
	copy(rec[4+sd.MaxSnapshotTagLen:], e.Sha1[:])

	fh, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open snap log")
	}
	defer fh.Close()

	if _, err := fh.Write(rec); err != nil {
		return errors.Wrap(err, "append snap log")
	}
	if err := fh.Sync(); err != nil {
		return errors.Wrap(err, "sync snap log")
	}
	return nil
}

// snapFile is the indirection from a log record to a trunk digest.
type snapFile struct {
	Idx       uint32
	TrunkSha1 [sha1Size]byte
	Ctime     time.Time
}

const (
	snapFileSizeBare  = 4 + sha1Size     // historical form without ctime
	snapFileSizeCtime = 4 + sha1Size + 8 // current form
)

// writeSnapFile serializes and stores a snap file, returning its digest.
func (s *SliceStore) writeSnapFile(idx uint32, trunkSha1 [sha1Size]byte) ([sha1Size]byte, error) {
	buf := make([]byte, snapFileSizeCtime)
	binary.LittleEndian.PutUint32(buf, idx)
	copy(buf[4:], trunkSha1[:])
	binary.LittleEndian.PutUint64(buf[4+sha1Size:], uint64(time.Now().Unix()))

	d, err := s.Write(buf)
	if err != nil {
		return [sha1Size]byte{}, errors.Wrap(err, "write snap file")
	}
	return parseSliceDigest(d)
}

// readSnapFile loads and decodes the snap file named by sha1. The ctime
// field is optional on read.
func (s *SliceStore) readSnapFile(sha1 [sha1Size]byte) (snapFile, error) {
	buf, err := s.Read(sliceDigest(sha1))
	if err != nil {
		return snapFile{}, errors.Wrap(err, "read snap file")
	}
	if len(buf) != snapFileSizeBare && len(buf) != snapFileSizeCtime {
		return snapFile{}, errors.Errorf("snap file corrupt: %d bytes", len(buf))
	}

	var sf snapFile
	sf.Idx = binary.LittleEndian.Uint32(buf)
	copy(sf.TrunkSha1[:], buf[4:])
	if len(buf) == snapFileSizeCtime {
		sf.Ctime = time.Unix(int64(binary.LittleEndian.Uint64(buf[4+sha1Size:])), 0)
	}
	return sf, nil
}

// TrunkEntry names one object of a snapshot: its oid, redundancy, and the
// digest of its content at save time.
type TrunkEntry struct {
	Oid        sd.Oid
	NrCopies   uint8
	CopyPolicy uint8
	Sha1       [sha1Size]byte
}

// trunkEntrySize is the wire stride: oid, redundancy, pad, digest.
const trunkEntrySize = 8 + 1 + 1 + 6 + sha1Size

// writeTrunk serializes and stores the trunk file, returning its digest.
func (s *SliceStore) writeTrunk(entries []TrunkEntry) ([sha1Size]byte, error) {
	buf := make([]byte, 8+uint64(len(entries))*trunkEntrySize)
	binary.LittleEndian.PutUint64(buf, uint64(len(entries)))

	off := 8
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.Oid))
		buf[off+8] = e.NrCopies
		buf[off+9] = e.CopyPolicy
		copy(buf[off+16:], e.Sha1[:])
		off += trunkEntrySize
	}

	d, err := s.Write(buf)
	if err != nil {
		return [sha1Size]byte{}, errors.Wrap(err, "write trunk file")
	}
	return parseSliceDigest(d)
}

// forEachTrunkEntry streams the trunk's entries to fn, returning the entry
// count. The count is returned only after the entries have been streamed;
// fn itself is not told the total.
func (s *SliceStore) forEachTrunkEntry(trunkSha1 [sha1Size]byte, fn func(TrunkEntry) error) (uint64, error) {
	buf, err := s.Read(sliceDigest(trunkSha1))
	if err != nil {
		return 0, errors.Wrap(err, "read trunk file")
	}
	if len(buf) < 8 {
		return 0, errors.Errorf("trunk file corrupt: %d bytes", len(buf))
	}

	count := binary.LittleEndian.Uint64(buf)
	if uint64(len(buf)) != 8+count*trunkEntrySize {
		return 0, errors.Errorf("trunk file corrupt: %d entries in %d bytes", count, len(buf))
	}

	off := uint64(8)
	for i := uint64(0); i < count; i++ {
		var e TrunkEntry
		e.Oid = sd.Oid(binary.LittleEndian.Uint64(buf[off:]))
		e.NrCopies = buf[off+8]
		e.CopyPolicy = buf[off+9]
		copy(e.Sha1[:], buf[off+16:])
		off += trunkEntrySize

		if err := fn(e); err != nil {
			return count, err
		}
	}
	return count, nil
}
