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

package sd

import "github.com/pkg/errors"

// WriteOptions qualifies an object write.
type WriteOptions struct {
	// Create allocates the object; without it the object must exist.
	Create bool

	// NrCopies and CopyPolicy set the redundancy of a created object.
	NrCopies   uint8
	CopyPolicy uint8
}

// VdiOptions describes a volume to create.
type VdiOptions struct {
	Name        string
	Size        uint64
	BaseVid     Vid
	Snapshot    bool
	NrCopies    uint8
	CopyPolicy  uint8
	StorePolicy uint8
}

// ObjectMeta identifies one object known to the cluster together with its
// redundancy parameters.
type ObjectMeta struct {
	Oid        Oid
	NrCopies   uint8
	CopyPolicy uint8
}

// Cluster is the block store as seen by the snapshot engine and the kv
// layer. Implementations are safe for concurrent use.
type Cluster interface {
	// ReadObject fills buf with object content starting at offset. Reads
	// past the object's stored length return zero bytes.
	ReadObject(oid Oid, buf []byte, offset uint64) error

	// WriteObject writes buf at offset.
	WriteObject(oid Oid, buf []byte, offset uint64, opts WriteOptions) error

	// DiscardObject releases an object.
	DiscardObject(oid Oid) error

	// LookupVdi resolves a volume name, returning ErrNoVdi on a miss.
	LookupVdi(name string) (Vid, error)

	// CreateVdi allocates a volume and its inode object, returning
	// ErrVdiExist if the name is taken.
	CreateVdi(opts VdiOptions) (Vid, error)

	// DeleteVdi removes a volume and its objects.
	DeleteVdi(name string) error

	// NotifyVdiAdd announces a restored volume to the cluster so its vid
	// is marked in use before the inode is referenced.
	NotifyVdiAdd(vid Vid, nrCopies, copyPolicy uint8, setBitmap bool) error

	// ObjectCount returns the number of objects currently known.
	ObjectCount() (uint64, error)

	// ForEachObject calls fn for every object currently known, in
	// ascending oid order.
	ForEachObject(fn func(ObjectMeta) error) error
}

// ReadInode reads and decodes the inode object of vid.
func ReadInode(c Cluster, vid Vid) (*Inode, error) {
	buf := make([]byte, InodeSize)
	if err := c.ReadObject(VidToVdiOid(vid), buf, 0); err != nil {
		return nil, errors.Wrapf(err, "read inode %x", vid)
	}
	return DecodeInode(buf)
}

// WriteInodeVid updates one extent slot of an inode and writes the inode
// object back. This is the write half of the store's B-tree slot contract:
// the caller mutates the in-memory inode with SetVid first and hands the
// same slot index here.
func WriteInodeVid(c Cluster, inode *Inode, dataIndex uint32) error {
	buf, err := inode.Encode()
	if err != nil {
		return err
	}
	oid := VidToVdiOid(inode.VdiID)
	if err := c.WriteObject(oid, buf, 0, WriteOptions{NrCopies: inode.NrCopies, CopyPolicy: inode.CopyPolicy}); err != nil {
		return errors.Wrapf(err, "write inode %x slot %d", inode.VdiID, dataIndex)
	}
	return nil
}
