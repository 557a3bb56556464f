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

// Package sd models the object address space, volume inodes and wire
// statuses of the sheepdog block store, and defines the Cluster interface
// through which the higher layers (the farm snapshot engine and the kv
// object layer) talk to it.
package sd

// Oid is an object identifier inside the block store. The top bit marks VDI
// inode objects, the upper half of the remaining bits carries the VID and
// the lower half the data slot index.
type Oid uint64

// Vid identifies a logical volume (VDI).
type Vid uint32

const (
	// VdiBit marks an Oid as referring to a VDI inode object.
	VdiBit = Oid(1) << 63

	// VdiSpaceShift is the number of low bits reserved for the per-volume
	// data slot index.
	VdiSpaceShift = 32
)

const (
	// DataObjSize is the fixed size of every data object.
	DataObjSize = uint64(1) << 22 // 4 MiB

	// InodeHeaderSize is the fixed size of the inode header block.
	InodeHeaderSize = uint64(1) << 12 // 4 KiB

	// InodeSize is the full serialized size of a VDI inode object: the
	// header block followed by the extent area.
	InodeSize = InodeHeaderSize + DataObjSize

	// MaxVdiLen bounds a volume name, including the trailing NUL of the
	// wire representation.
	MaxVdiLen = 256

	// MaxSnapshotTagLen bounds a snapshot tag the same way.
	MaxSnapshotTagLen = 256

	// MaxVdiSize is the capacity of a hyper volume.
	MaxVdiSize = uint64(1) << 54 // 16 PiB

	// MaxDataObjs is the number of data slots a hyper volume can address.
	MaxDataObjs = MaxVdiSize / DataObjSize
)

// VidToVdiOid returns the oid of the inode object of vid.
func VidToVdiOid(vid Vid) Oid {
	return VdiBit | (Oid(vid) << VdiSpaceShift)
}

// VidToDataOid returns the oid of data slot idx of vid.
func VidToDataOid(vid Vid, idx uint32) Oid {
	return (Oid(vid) << VdiSpaceShift) | Oid(idx)
}

// OidToVid extracts the owning vid from an oid.
func OidToVid(oid Oid) Vid {
	return Vid((oid &^ VdiBit) >> VdiSpaceShift)
}

// OidToDataIndex extracts the data slot index from a data oid.
func OidToDataIndex(oid Oid) uint32 {
	return uint32(oid & (Oid(1)<<VdiSpaceShift - 1))
}

// IsVdiObj reports whether oid names a VDI inode object.
func IsVdiObj(oid Oid) bool {
	return oid&VdiBit != 0
}

// ObjSize returns the logical size of the object named by oid.
func ObjSize(oid Oid) uint64 {
	if IsVdiObj(oid) {
		return InodeSize
	}
	return DataObjSize
}
