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

package kv

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // etags are SHA-1 by format
	"encoding/binary"
	"io"
	"sort"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/cephpp/sheepdog/sd"
)

// Objects are placed into a bucket volume's data slots by hashing their
// name over MaxDataObjs and probing linearly. Each used slot holds an
// onode: a one-block header optionally followed, inline, by the payload. A
// header whose name begins with NUL is a deleted slot (tombstone); reads
// pass over it, creates may reuse it.

const (
	// MaxObjectName bounds an object name, including the trailing NUL of
	// the wire representation.
	MaxObjectName = 1024

	// BlockSize is the onode header size.
	BlockSize = 4096

	// OnodeInlineSize is the payload capacity of an inlined onode.
	OnodeInlineSize = sd.DataObjSize - BlockSize
)

// etagSize is the etag field width (a SHA-1, rounded up to 8).
const etagSize = 24

// Onode header field offsets. Padding up to BlockSize is written as zero
// and ignored on read.
const (
	onodeOffSha1     = MaxObjectName
	onodeOffSize     = MaxObjectName + etagSize
	onodeOffCtime    = MaxObjectName + etagSize + 8
	onodeOffMtime    = MaxObjectName + etagSize + 16
	onodeOffDataVid  = MaxObjectName + etagSize + 24
	onodeOffNrExtent = MaxObjectName + etagSize + 28
	onodeOffInlined  = MaxObjectName + etagSize + 32
	onodeHeaderUsed  = MaxObjectName + etagSize + 33
)

const _ = uint64(BlockSize) - onodeHeaderUsed // header fields must fit the header block

type onodeHeader struct {
	Name     string
	Sha1     [sha1.Size]byte
	Size     uint64
	Ctime    uint64
	Mtime    uint64
	DataVid  sd.Vid
	NrExtent uint32
	Inlined  bool
}

func decodeOnodeHeader(buf []byte) onodeHeader {
	name := buf[:MaxObjectName]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	var hdr onodeHeader
	hdr.Name = string(name)
	copy(hdr.Sha1[:], buf[onodeOffSha1:])
	hdr.Size = binary.LittleEndian.Uint64(buf[onodeOffSize:])
	hdr.Ctime = binary.LittleEndian.Uint64(buf[onodeOffCtime:])
	hdr.Mtime = binary.LittleEndian.Uint64(buf[onodeOffMtime:])
	hdr.DataVid = sd.Vid(binary.LittleEndian.Uint32(buf[onodeOffDataVid:]))
	hdr.NrExtent = binary.LittleEndian.Uint32(buf[onodeOffNrExtent:])
	hdr.Inlined = buf[onodeOffInlined] != 0
	return hdr
}

func (hdr onodeHeader) encode() []byte {
	buf := make([]byte, BlockSize)
	copy(buf[:MaxObjectName-1], hdr.Name)
	copy(buf[onodeOffSha1:], hdr.Sha1[:])
	binary.LittleEndian.PutUint64(buf[onodeOffSize:], hdr.Size)
	binary.LittleEndian.PutUint64(buf[onodeOffCtime:], hdr.Ctime)
	binary.LittleEndian.PutUint64(buf[onodeOffMtime:], hdr.Mtime)
	binary.LittleEndian.PutUint32(buf[onodeOffDataVid:], uint32(hdr.DataVid))
	binary.LittleEndian.PutUint32(buf[onodeOffNrExtent:], hdr.NrExtent)
	if hdr.Inlined {
		buf[onodeOffInlined] = 1
	}
	return buf
}

// packTime folds a timestamp into the onode time format: seconds in the
// high half, nanoseconds in the low half.
func packTime(t time.Time) uint64 {
	return uint64(t.Unix())<<32 | uint64(t.Nanosecond())
}

// lookupBucket resolves a bucket's backing volume, deciding the response
// on a miss or failure.
func (s *Store) lookupBucket(req *Request, account, bucket string) (sd.Vid, error) {
	vid, err := s.lookupVdi(bucketVdiName(account, bucket))
	switch {
	case err == nil:
		return vid, nil
	case sd.IsNoVdi(err):
		log.Infof("no such bucket %s/%s", account, bucket)
		req.respond(StatusNotFound)
	default:
		log.Errorf("failed to find bucket %s/%s: %v", account, bucket, err)
		req.respond(StatusInternalServerError)
	}
	return 0, err
}

// readBody consumes the request payload, deciding the response when it is
// unreadable or beyond the inline capacity.
func (s *Store) readBody(req *Request, account, bucket, object string) ([]byte, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, int64(OnodeInlineSize)+1))
		if err != nil {
			log.Errorf("failed to read payload: bucket %s/%s, object %s: %v", account, bucket, object, err)
			req.respond(StatusInternalServerError)
			return nil, errors.Wrap(err, "read request payload")
		}
	}
	if uint64(len(body)) > OnodeInlineSize {
		// Extent-based large objects are not supported.
		req.respond(StatusServiceUnavailable)
		return nil, errors.Wrapf(ErrTooLarge, "object %s", object)
	}
	return body, nil
}

// CreateObject stores an object into the bucket. An existing object with
// the same name is overwritten in place.
func (s *Store) CreateObject(req *Request, account, bucket, object string) error {
	vid, err := s.lookupBucket(req, account, bucket)
	if err != nil {
		return err
	}
	if len(object)+1 > MaxObjectName {
		req.respond(StatusInternalServerError)
		return errors.Errorf("object name %q too long", object)
	}

	body, err := s.readBody(req, account, bucket, object)
	if err != nil {
		return err
	}

	now := packTime(time.Now())
	hdr := onodeHeader{
		Name:    object,
		Sha1:    sha1.Sum(body),
		Size:    uint64(len(body)),
		Ctime:   now,
		Mtime:   now,
		Inlined: true,
	}

	hval := sd.Hash(object)
	for i := uint64(0); i < s.maxDataObjs; i++ {
		idx := uint32((hval + i) % s.maxDataObjs)

		err := s.createObjectAt(hdr, body, vid, idx)
		switch errors.Cause(err) {
		case nil:
			req.respond(StatusCreated)
			return nil
		case sd.ErrObjTaken:
			continue
		default:
			log.Errorf("failed to create object %s/%s/%s: %v", account, bucket, object, err)
			req.respond(StatusInternalServerError)
			return err
		}
	}

	// No free slot for the object.
	req.respond(StatusServiceUnavailable)
	return errors.Errorf("bucket %s/%s is full", account, bucket)
}

// createObjectAt tries to place the onode at slot idx of the bucket
// volume. Returns sd.ErrObjTaken when the slot belongs to another object.
func (s *Store) createObjectAt(hdr onodeHeader, body []byte, vid sd.Vid, idx uint32) error {
	inode, err := sd.ReadInode(s.cluster, vid)
	if err != nil {
		return errors.Wrapf(err, "read bucket inode %x", vid)
	}

	oid := sd.VidToDataOid(vid, idx)
	overwrite := false
	if slotVid := inode.GetVid(idx); slotVid != 0 {
		buf := make([]byte, BlockSize)
		if err := s.cluster.ReadObject(oid, buf, 0); err != nil {
			return errors.Wrapf(err, "read onode %x", uint64(oid))
		}
		cur := decodeOnodeHeader(buf)
		if cur.Name != "" && cur.Name != hdr.Name {
			log.Debugf("slot %d is already used", idx)
			return errors.Wrapf(sd.ErrObjTaken, "slot %d", idx)
		}
		overwrite = true
	}

	buf := append(hdr.encode(), body...)
	opts := sd.WriteOptions{Create: !overwrite, NrCopies: s.nrCopies, CopyPolicy: s.copyPolicy}
	if err := s.cluster.WriteObject(oid, buf, 0, opts); err != nil {
		return errors.Wrapf(err, "write onode %x", uint64(oid))
	}
	if overwrite {
		log.Infof("overwrote object %s", hdr.Name)
		return nil
	}

	inode.SetVid(idx, vid)
	if err := sd.WriteInodeVid(s.cluster, inode, idx); err != nil {
		return err
	}
	return nil
}

// ReadObject writes the object's payload to the response.
func (s *Store) ReadObject(req *Request, account, bucket, object string) error {
	vid, err := s.lookupBucket(req, account, bucket)
	if err != nil {
		return err
	}

	hval := sd.Hash(object)
	for i := uint64(0); i < s.maxDataObjs; i++ {
		idx := uint32((hval + i) % s.maxDataObjs)

		done, err := s.readObjectAt(req, object, vid, idx)
		if done {
			return err
		}
	}

	req.respond(StatusNotFound)
	return errors.Wrapf(sd.ErrNoObj, "object %s", object)
}

// readObjectAt probes slot idx for the object. done reports that the probe
// sequence terminated, whether by success or by a decided error response.
func (s *Store) readObjectAt(req *Request, object string, vid sd.Vid, idx uint32) (done bool, _ error) {
	oid := sd.VidToDataOid(vid, idx)
	buf := make([]byte, sd.DataObjSize)

	switch err := s.cluster.ReadObject(oid, buf, 0); {
	case err == nil:
	case sd.IsNoObj(err):
		log.Infof("object %s doesn't exist", object)
		req.respond(StatusNotFound)
		return true, errors.Wrapf(err, "object %s", object)
	default:
		log.Errorf("failed to read object %s: %v", object, err)
		req.respond(StatusInternalServerError)
		return true, errors.Wrapf(err, "read onode %x", uint64(oid))
	}

	hdr := decodeOnodeHeader(buf)
	if hdr.Name != object {
		return false, nil
	}
	if hdr.Size > OnodeInlineSize {
		req.respond(StatusInternalServerError)
		return true, errors.Errorf("onode %x is corrupt: size %d", uint64(oid), hdr.Size)
	}

	req.respond(StatusOK)
	req.write(buf[BlockSize : BlockSize+hdr.Size])
	return true, nil
}

// UpdateObject replaces the object's payload, preserving its slot and
// creation time.
func (s *Store) UpdateObject(req *Request, account, bucket, object string) error {
	vid, err := s.lookupBucket(req, account, bucket)
	if err != nil {
		return err
	}

	body, err := s.readBody(req, account, bucket, object)
	if err != nil {
		return err
	}

	hval := sd.Hash(object)
	for i := uint64(0); i < s.maxDataObjs; i++ {
		idx := uint32((hval + i) % s.maxDataObjs)

		done, err := s.updateObjectAt(req, object, vid, idx, body)
		if done {
			return err
		}
	}

	req.respond(StatusNotFound)
	return errors.Wrapf(sd.ErrNoObj, "object %s", object)
}

func (s *Store) updateObjectAt(req *Request, object string, vid sd.Vid, idx uint32, body []byte) (done bool, _ error) {
	oid := sd.VidToDataOid(vid, idx)
	buf := make([]byte, BlockSize)

	switch err := s.cluster.ReadObject(oid, buf, 0); {
	case err == nil:
	case sd.IsNoObj(err), sd.IsNoVdi(err):
		log.Infof("object %s doesn't exist", object)
		req.respond(StatusNotFound)
		return true, errors.Wrapf(err, "object %s", object)
	default:
		log.Errorf("failed to read object %s: %v", object, err)
		req.respond(StatusInternalServerError)
		return true, errors.Wrapf(err, "read onode %x", uint64(oid))
	}

	hdr := decodeOnodeHeader(buf)
	if hdr.Name != object {
		return false, nil
	}

	hdr.Mtime = packTime(time.Now())
	hdr.Size = uint64(len(body))
	hdr.Sha1 = sha1.Sum(body)

	out := append(hdr.encode(), body...)
	opts := sd.WriteOptions{NrCopies: s.nrCopies, CopyPolicy: s.copyPolicy}
	if err := s.cluster.WriteObject(oid, out, 0, opts); err != nil {
		log.Errorf("failed to update object %s: %v", object, err)
		req.respond(StatusInternalServerError)
		return true, errors.Wrapf(err, "write onode %x", uint64(oid))
	}

	req.respond(StatusAccepted)
	return true, nil
}

// DeleteObject tombstones the object: its slot keeps the data object, but
// the stored name is zeroed so reads and listings pass over it.
func (s *Store) DeleteObject(req *Request, account, bucket, object string) error {
	vid, err := s.lookupBucket(req, account, bucket)
	if err != nil {
		return err
	}

	hval := sd.Hash(object)
	for i := uint64(0); i < s.maxDataObjs; i++ {
		idx := uint32((hval + i) % s.maxDataObjs)

		done, err := s.deleteObjectAt(req, object, vid, idx)
		if done {
			return err
		}
	}

	req.respond(StatusNotFound)
	return errors.Wrapf(sd.ErrNoObj, "object %s", object)
}

func (s *Store) deleteObjectAt(req *Request, object string, vid sd.Vid, idx uint32) (done bool, _ error) {
	oid := sd.VidToDataOid(vid, idx)
	buf := make([]byte, MaxObjectName)

	switch err := s.cluster.ReadObject(oid, buf, 0); {
	case err == nil:
	case sd.IsNoObj(err):
		log.Infof("object %s doesn't exist", object)
		req.respond(StatusNotFound)
		return true, errors.Wrapf(err, "object %s", object)
	default:
		log.Errorf("failed to read object %s: %v", object, err)
		req.respond(StatusInternalServerError)
		return true, errors.Wrapf(err, "read onode %x", uint64(oid))
	}

	name := buf
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if string(name) != object {
		return false, nil
	}

	zero := make([]byte, MaxObjectName)
	opts := sd.WriteOptions{NrCopies: s.nrCopies, CopyPolicy: s.copyPolicy}
	if err := s.cluster.WriteObject(oid, zero, 0, opts); err != nil {
		log.Errorf("failed to delete object %s: %v", object, err)
		req.respond(StatusInternalServerError)
		return true, errors.Wrapf(err, "write onode %x", uint64(oid))
	}

	req.respond(StatusNoContent)
	return true, nil
}

// ListObjects calls fn with every live object name in the bucket, in slot
// order. Tombstoned slots are skipped.
func (s *Store) ListObjects(req *Request, account, bucket string, fn func(object string)) error {
	vid, err := s.lookupBucket(req, account, bucket)
	if err != nil {
		return err
	}

	inode, err := sd.ReadInode(s.cluster, vid)
	if err != nil {
		log.Errorf("failed to read bucket %s/%s: %v", account, bucket, err)
		req.respond(StatusInternalServerError)
		return errors.Wrapf(err, "read bucket inode %x", vid)
	}

	req.respond(StatusOK)

	idxs := make([]uint32, 0, len(inode.DataVdiID))
	for idx := range inode.DataVdiID {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	buf := make([]byte, MaxObjectName)
	for _, idx := range idxs {
		oid := sd.VidToDataOid(vid, idx)
		if err := s.cluster.ReadObject(oid, buf, 0); err != nil {
			log.Errorf("failed to read onode %x: %v", uint64(oid), err)
			continue
		}
		if buf[0] == 0 {
			continue
		}

		name := buf
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		if fn != nil {
			fn(string(name))
		}
	}
	return nil
}
