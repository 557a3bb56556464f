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
	"encoding/binary"
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/cephpp/sheepdog/sd"
)

// An account is a hyper volume whose data objects hold fixed-stride bucket
// records. A bucket named B of account A is placed at slot
// Hash(B) mod MaxBuckets, probing linearly; its objects live in a second
// hyper volume named "A/B" whose vid the record carries. A record with
// onode vid zero is a free slot.

const (
	// MaxBucketName bounds a bucket name, including the trailing NUL of
	// the wire representation.
	MaxBucketName = 64

	// bucketInodeSize is the record stride inside account data objects.
	bucketInodeSize = MaxBucketName << 1

	// BucketsPerObj is the number of bucket records per data object.
	BucketsPerObj = sd.DataObjSize / bucketInodeSize

	// MaxBuckets is the bucket capacity of an account.
	MaxBuckets = sd.MaxVdiSize / bucketInodeSize
)

// bucketInode field offsets. Padding up to bucketInodeSize is written as
// zero and ignored on read.
const (
	bucketOffObjCount  = MaxBucketName
	bucketOffBytesUsed = MaxBucketName + 8
	bucketOffOnodeVid  = MaxBucketName + 16
	bucketInodeUsed    = MaxBucketName + 20
)

const _ = uint64(bucketInodeSize) - bucketInodeUsed // fields must fit the record stride

type bucketInode struct {
	Name      string
	ObjCount  uint64
	BytesUsed uint64
	OnodeVid  sd.Vid
}

func decodeBucketInode(rec []byte) bucketInode {
	name := rec[:MaxBucketName]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return bucketInode{
		Name:      string(name),
		ObjCount:  binary.LittleEndian.Uint64(rec[bucketOffObjCount:]),
		BytesUsed: binary.LittleEndian.Uint64(rec[bucketOffBytesUsed:]),
		OnodeVid:  sd.Vid(binary.LittleEndian.Uint32(rec[bucketOffOnodeVid:])),
	}
}

func (b bucketInode) encode(rec []byte) {
	for i := 0; i < bucketInodeSize; i++ {
		rec[i] = 0
	}
	copy(rec[:MaxBucketName-1], b.Name)
	binary.LittleEndian.PutUint64(rec[bucketOffObjCount:], b.ObjCount)
	binary.LittleEndian.PutUint64(rec[bucketOffBytesUsed:], b.BytesUsed)
	binary.LittleEndian.PutUint32(rec[bucketOffOnodeVid:], uint32(b.OnodeVid))
}

// CreateAccount creates the account's hyper volume.
func (s *Store) CreateAccount(account string) error {
	_, err := s.createHyperVolume(account)
	return err
}

// ReadAccount returns the number of buckets in the account.
func (s *Store) ReadAccount(account string) (uint64, error) {
	accountVid, err := s.lookupVdi(account)
	if err != nil {
		return 0, errors.Wrapf(err, "find account %q", account)
	}
	inode, err := sd.ReadInode(s.cluster, accountVid)
	if err != nil {
		return 0, errors.Wrapf(err, "read account %q", account)
	}
	return s.forEachBucket(inode, nil)
}

// UpdateAccount would update account metadata; the store has none yet.
func (s *Store) UpdateAccount(account string) error {
	return errors.Wrapf(ErrNotImplemented, "update account %q", account)
}

// DeleteAccount removes the account's hyper volume. The caller is expected
// to have emptied the account first; bucket volumes are not swept.
func (s *Store) DeleteAccount(account string) error {
	if err := s.deleteVdi(account); err != nil {
		return errors.Wrapf(err, "delete account %q", account)
	}
	return nil
}

// bucketVdiName returns the name of the bucket's backing volume.
func bucketVdiName(account, bucket string) string {
	return account + "/" + bucket
}

// CreateBucket creates a bucket in the account: a record in the account
// volume plus the bucket's own hyper volume. Returns (a wrapped)
// sd.ErrVdiExist if the bucket already exists.
func (s *Store) CreateBucket(account, bucket string) error {
	if len(bucket)+1 > MaxBucketName {
		return errors.Errorf("bucket name %q too long", bucket)
	}

	accountVid, err := s.lookupVdi(account)
	if err != nil {
		return errors.Wrapf(err, "find account %q", account)
	}
	inode, err := sd.ReadInode(s.cluster, accountVid)
	if err != nil {
		return errors.Wrapf(err, "read account %q", account)
	}

	switch _, err := s.lookupVdi(bucketVdiName(account, bucket)); {
	case err == nil:
		return errors.Wrapf(sd.ErrVdiExist, "bucket %q", bucket)
	case !sd.IsNoVdi(err):
		return errors.Wrapf(err, "find bucket %q", bucket)
	}

	hval := sd.Hash(bucket)
	for i := uint64(0); i < s.maxBuckets; i++ {
		idx := (hval + i) % s.maxBuckets

		res, err := s.addBucket(inode, idx, bucket)
		if err != nil {
			return errors.Wrapf(err, "add bucket %q", bucket)
		}
		if res == probeFull {
			// This data object has no free slot; skip to the next one.
			i += BucketsPerObj
			continue
		}
		log.Debugf("added bucket %s/%s at slot %d", account, bucket, idx)
		return nil
	}
	return errors.Errorf("account %q is full", account)
}

// addBucket tries to place bucket in the data object covering slot idx,
// scanning from idx's offset to the end of the object.
func (s *Store) addBucket(inode *sd.Inode, idx uint64, bucket string) (probeResult, error) {
	dataIndex := uint32(idx / BucketsPerObj)
	offset := int(idx % BucketsPerObj)

	vid := inode.GetVid(dataIndex)
	oid := sd.VidToDataOid(inode.VdiID, dataIndex)
	create := vid == 0

	buf := make([]byte, sd.DataObjSize)
	if !create {
		if err := s.cluster.ReadObject(oid, buf, 0); err != nil {
			return 0, errors.Wrapf(err, "read account data object %x", uint64(oid))
		}
	}

	for i := offset; i < int(BucketsPerObj); i++ {
		rec := buf[i*bucketInodeSize : (i+1)*bucketInodeSize]
		if decodeBucketInode(rec).OnodeVid != 0 {
			continue
		}

		vdiName := bucketVdiName(inode.Name, bucket)
		onodeVid, err := s.createHyperVolume(vdiName)
		if err != nil {
			return 0, err
		}
		log.Debugf("created hyper volume %s", vdiName)

		bucketInode{Name: bucket, OnodeVid: onodeVid}.encode(rec)

		opts := sd.WriteOptions{NrCopies: s.nrCopies, CopyPolicy: s.copyPolicy}
		if create {
			opts.Create = true
			err = s.cluster.WriteObject(oid, buf, 0, opts)
		} else {
			err = s.cluster.WriteObject(oid, rec, uint64(i)*bucketInodeSize, opts)
		}
		if err != nil {
			return 0, errors.Wrapf(err, "write account data object %x", uint64(oid))
		}

		if create {
			inode.SetVid(dataIndex, inode.VdiID)
			if err := sd.WriteInodeVid(s.cluster, inode, dataIndex); err != nil {
				return 0, err
			}
		}
		return probePlaced, nil
	}
	return probeFull, nil
}

// ReadBucket would report bucket metadata; the record's object count and
// byte usage are not maintained yet.
func (s *Store) ReadBucket(account, bucket string) error {
	return errors.Wrapf(ErrNotImplemented, "read bucket %q", bucket)
}

// UpdateBucket would update bucket metadata; the store has none yet.
func (s *Store) UpdateBucket(account, bucket string) error {
	return errors.Wrapf(ErrNotImplemented, "update bucket %q", bucket)
}

// DeleteBucket removes a bucket and its backing volume. Returns (a
// wrapped) sd.ErrNoVdi if the bucket does not exist.
func (s *Store) DeleteBucket(account, bucket string) error {
	accountVid, err := s.lookupVdi(account)
	if err != nil {
		return errors.Wrapf(err, "find account %q", account)
	}
	inode, err := sd.ReadInode(s.cluster, accountVid)
	if err != nil {
		return errors.Wrapf(err, "read account %q", account)
	}
	if _, err := s.lookupVdi(bucketVdiName(account, bucket)); err != nil {
		return errors.Wrapf(err, "find bucket %q", bucket)
	}

	hval := sd.Hash(bucket)
	for i := uint64(0); i < s.maxBuckets; i++ {
		idx := (hval + i) % s.maxBuckets

		res, err := s.deleteBucket(inode, idx, account, bucket)
		if err != nil {
			return errors.Wrapf(err, "delete bucket %q", bucket)
		}
		if res == probeFull {
			i += BucketsPerObj
			continue
		}
		log.Debugf("deleted bucket %s/%s", account, bucket)
		return nil
	}
	return errors.Wrapf(sd.ErrNoVdi, "bucket %q", bucket)
}

// deleteBucket looks for bucket in the data object covering slot idx. When
// the removal empties the whole data object, the object is discarded and
// its extent cleared from the account inode.
func (s *Store) deleteBucket(inode *sd.Inode, idx uint64, account, bucket string) (probeResult, error) {
	dataIndex := uint32(idx / BucketsPerObj)
	offset := int(idx % BucketsPerObj)

	vid := inode.GetVid(dataIndex)
	if vid == 0 {
		return 0, errors.Errorf("data object %d of vdi %q does not exist", dataIndex, inode.Name)
	}

	oid := sd.VidToDataOid(inode.VdiID, dataIndex)
	buf := make([]byte, sd.DataObjSize)
	if err := s.cluster.ReadObject(oid, buf, 0); err != nil {
		return 0, errors.Wrapf(err, "read account data object %x", uint64(oid))
	}

	found := -1
	emptySlots := 0
	for i := 0; i < int(BucketsPerObj); i++ {
		rec := buf[i*bucketInodeSize : (i+1)*bucketInodeSize]
		bnode := decodeBucketInode(rec)
		if bnode.OnodeVid == 0 {
			emptySlots++
			continue
		}
		if bnode.Name != bucket {
			continue
		}
		if i < offset {
			return 0, errors.Errorf("bucket record %d placed before probe offset %d", i, offset)
		}

		found = i
		bnode.OnodeVid = 0
		bnode.encode(rec)

		if err := s.deleteVdi(bucketVdiName(account, bucket)); err != nil {
			return 0, errors.Wrapf(err, "delete bucket volume %q", bucketVdiName(account, bucket))
		}
	}

	if found < 0 {
		return probeFull, nil
	}

	if emptySlots == int(BucketsPerObj)-1 {
		// The record we just freed was the last one in this data object.
		if err := s.cluster.DiscardObject(oid); err != nil {
			return 0, errors.Wrapf(err, "discard account data object %x", uint64(oid))
		}
		inode.SetVid(dataIndex, 0)
		if err := sd.WriteInodeVid(s.cluster, inode, dataIndex); err != nil {
			return 0, err
		}
		log.Debugf("discarded data object %x of account %s", uint64(oid), account)
	} else {
		rec := buf[found*bucketInodeSize : (found+1)*bucketInodeSize]
		opts := sd.WriteOptions{NrCopies: s.nrCopies, CopyPolicy: s.copyPolicy}
		if err := s.cluster.WriteObject(oid, rec, uint64(found)*bucketInodeSize, opts); err != nil {
			return 0, errors.Wrapf(err, "write account data object %x", uint64(oid))
		}
	}
	return probePlaced, nil
}

// ListBuckets calls fn with every bucket name in the account, in data
// object order.
func (s *Store) ListBuckets(account string, fn func(bucket string)) error {
	accountVid, err := s.lookupVdi(account)
	if err != nil {
		return errors.Wrapf(err, "find account %q", account)
	}
	inode, err := sd.ReadInode(s.cluster, accountVid)
	if err != nil {
		return errors.Wrapf(err, "read account %q", account)
	}

	_, err = s.forEachBucket(inode, fn)
	return err
}

// forEachBucket walks the account's extents and calls fn (when non-nil)
// for every used bucket record, returning the record count.
func (s *Store) forEachBucket(inode *sd.Inode, fn func(bucket string)) (uint64, error) {
	idxs := make([]uint32, 0, len(inode.DataVdiID))
	for idx := range inode.DataVdiID {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	var count uint64
	buf := make([]byte, sd.DataObjSize)
	for _, idx := range idxs {
		oid := sd.VidToDataOid(inode.DataVdiID[idx], idx)
		if err := s.cluster.ReadObject(oid, buf, 0); err != nil {
			return count, errors.Wrapf(err, "read account data object %x", uint64(oid))
		}

		for i := 0; i < int(BucketsPerObj); i++ {
			bnode := decodeBucketInode(buf[i*bucketInodeSize : (i+1)*bucketInodeSize])
			if bnode.OnodeVid == 0 {
				continue
			}
			if fn != nil {
				fn(bnode.Name)
			}
			count++
		}
	}
	return count, nil
}
