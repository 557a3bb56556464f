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

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Inode header field offsets inside the fixed header block. Padding bytes
// are written as zero and ignored on read.
const (
	inodeOffName        = 0
	inodeOffVdiID       = MaxVdiLen
	inodeOffSnapID      = MaxVdiLen + 4
	inodeOffVdiSize     = MaxVdiLen + 8
	inodeOffNrCopies    = MaxVdiLen + 16
	inodeOffCopyPolicy  = MaxVdiLen + 17
	inodeOffStorePolicy = MaxVdiLen + 18
	inodeHeaderUsed     = MaxVdiLen + 19
)

const _ = uint64(InodeHeaderSize) - inodeHeaderUsed // header fields must fit the header block

// InodeHeader carries the identifying fields of a volume, without the
// extent map. It is what the snapshot restore path needs to know about an
// inode object without interpreting the rest of it.
type InodeHeader struct {
	Name        string
	VdiID       Vid
	SnapID      uint32
	VdiSize     uint64
	NrCopies    uint8
	CopyPolicy  uint8
	StorePolicy uint8
}

// Inode is the full on-disk descriptor of a volume: the header plus the
// sparse data-slot extent map. The extent map associates a data slot index
// with the VID owning that slot; absent entries mean the slot has no
// backing object.
type Inode struct {
	InodeHeader

	// DataVdiID is the sparse slot→vid extent map.
	DataVdiID map[uint32]Vid
}

// NewInode returns an inode with an empty extent map.
func NewInode(hdr InodeHeader) *Inode {
	return &Inode{InodeHeader: hdr, DataVdiID: make(map[uint32]Vid)}
}

// GetVid reads the extent map slot for dataIndex, zero when absent.
func (inode *Inode) GetVid(dataIndex uint32) Vid {
	return inode.DataVdiID[dataIndex]
}

// SetVid updates the extent map slot for dataIndex. Setting zero clears the
// slot.
func (inode *Inode) SetVid(dataIndex uint32, vid Vid) {
	if vid == 0 {
		delete(inode.DataVdiID, dataIndex)
		return
	}
	inode.DataVdiID[dataIndex] = vid
}

// Encode serializes the inode: the fixed header block followed by the
// extent area (a count and sorted (index, vid) pairs).
func (inode *Inode) Encode() ([]byte, error) {
	if len(inode.Name)+1 > MaxVdiLen {
		return nil, errors.Errorf("vdi name %q too long", inode.Name)
	}

	buf := make([]byte, InodeHeaderSize+4+8*uint64(len(inode.DataVdiID)))
	copy(buf[inodeOffName:], inode.Name)
	binary.LittleEndian.PutUint32(buf[inodeOffVdiID:], uint32(inode.VdiID))
	binary.LittleEndian.PutUint32(buf[inodeOffSnapID:], inode.SnapID)
	binary.LittleEndian.PutUint64(buf[inodeOffVdiSize:], inode.VdiSize)
	buf[inodeOffNrCopies] = inode.NrCopies
	buf[inodeOffCopyPolicy] = inode.CopyPolicy
	buf[inodeOffStorePolicy] = inode.StorePolicy

	idxs := make([]uint32, 0, len(inode.DataVdiID))
	for idx := range inode.DataVdiID {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	off := InodeHeaderSize
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(idxs)))
	off += 4
	for _, idx := range idxs {
		binary.LittleEndian.PutUint32(buf[off:], idx)
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(inode.DataVdiID[idx]))
		off += 8
	}
	return buf, nil
}

// DecodeInodeHeader decodes the identifying fields from a raw inode object.
func DecodeInodeHeader(buf []byte) (InodeHeader, error) {
	if uint64(len(buf)) < InodeHeaderSize {
		return InodeHeader{}, errors.Errorf("inode object truncated: %d bytes", len(buf))
	}

	name := buf[inodeOffName : inodeOffName+MaxVdiLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return InodeHeader{
		Name:        string(name),
		VdiID:       Vid(binary.LittleEndian.Uint32(buf[inodeOffVdiID:])),
		SnapID:      binary.LittleEndian.Uint32(buf[inodeOffSnapID:]),
		VdiSize:     binary.LittleEndian.Uint64(buf[inodeOffVdiSize:]),
		NrCopies:    buf[inodeOffNrCopies],
		CopyPolicy:  buf[inodeOffCopyPolicy],
		StorePolicy: buf[inodeOffStorePolicy],
	}, nil
}

// DecodeInode decodes a full inode object, header and extent area.
func DecodeInode(buf []byte) (*Inode, error) {
	hdr, err := DecodeInodeHeader(buf)
	if err != nil {
		return nil, err
	}

	inode := NewInode(hdr)
	if uint64(len(buf)) < InodeHeaderSize+4 {
		// Header-only objects decode as an empty extent map.
		return inode, nil
	}

	off := InodeHeaderSize
	count := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	if uint64(len(buf)) < off+8*uint64(count) {
		return nil, errors.Errorf("inode extent area truncated: %d entries, %d bytes", count, len(buf))
	}
	for i := uint32(0); i < count; i++ {
		idx := binary.LittleEndian.Uint32(buf[off:])
		vid := Vid(binary.LittleEndian.Uint32(buf[off+4:]))
		if vid != 0 {
			inode.DataVdiID[idx] = vid
		}
		off += 8
	}
	return inode, nil
}
