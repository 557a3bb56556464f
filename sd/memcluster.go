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
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type memObject struct {
	data       []byte
	nrCopies   uint8
	copyPolicy uint8
}

// MemCluster is an in-memory Cluster. It backs the package tests and local
// tooling that needs block-store semantics without a running cluster.
type MemCluster struct {
	mu       sync.Mutex
	objects  map[Oid]*memObject
	vdis     map[string]Vid
	usedVids map[Vid]bool
	nextVid  Vid

	// DefaultNrCopies and DefaultCopyPolicy are applied to volumes created
	// without explicit redundancy.
	DefaultNrCopies   uint8
	DefaultCopyPolicy uint8
}

// NewMemCluster returns an empty in-memory cluster.
func NewMemCluster() *MemCluster {
	return &MemCluster{
		objects:         make(map[Oid]*memObject),
		vdis:            make(map[string]Vid),
		usedVids:        make(map[Vid]bool),
		nextVid:         1,
		DefaultNrCopies: 3,
	}
}

// ReadObject implements Cluster.
func (c *MemCluster) ReadObject(oid Oid, buf []byte, offset uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[oid]
	if !ok {
		return errors.Wrapf(ErrNoObj, "read %x", uint64(oid))
	}

	n := 0
	if offset < uint64(len(obj.data)) {
		n = copy(buf, obj.data[offset:])
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteObject implements Cluster.
func (c *MemCluster) WriteObject(oid Oid, buf []byte, offset uint64, opts WriteOptions) error {
	if offset+uint64(len(buf)) > ObjSize(oid) {
		return errors.Errorf("write beyond object %x: offset %d len %d", uint64(oid), offset, len(buf))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[oid]
	if !ok {
		if !opts.Create {
			return errors.Wrapf(ErrNoObj, "write %x", uint64(oid))
		}
		obj = &memObject{nrCopies: opts.NrCopies, copyPolicy: opts.CopyPolicy}
		c.objects[oid] = obj
		c.usedVids[OidToVid(oid)] = true
	}

	end := offset + uint64(len(buf))
	if end > uint64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[offset:], buf)
	return nil
}

// DiscardObject implements Cluster.
func (c *MemCluster) DiscardObject(oid Oid) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.objects[oid]; !ok {
		return errors.Wrapf(ErrNoObj, "discard %x", uint64(oid))
	}
	delete(c.objects, oid)
	return nil
}

// LookupVdi implements Cluster.
func (c *MemCluster) LookupVdi(name string) (Vid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vid, ok := c.vdis[name]
	if !ok {
		return 0, errors.Wrapf(ErrNoVdi, "lookup %q", name)
	}
	return vid, nil
}

// CreateVdi implements Cluster.
func (c *MemCluster) CreateVdi(opts VdiOptions) (Vid, error) {
	if len(opts.Name)+1 > MaxVdiLen {
		return 0, errors.Errorf("vdi name %q too long", opts.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.vdis[opts.Name]; ok {
		return 0, errors.Wrapf(ErrVdiExist, "create %q", opts.Name)
	}

	nrCopies := opts.NrCopies
	if nrCopies == 0 {
		nrCopies = c.DefaultNrCopies
	}
	copyPolicy := opts.CopyPolicy
	if copyPolicy == 0 {
		copyPolicy = c.DefaultCopyPolicy
	}

	vid := c.allocVid()
	inode := NewInode(InodeHeader{
		Name:        opts.Name,
		VdiID:       vid,
		VdiSize:     opts.Size,
		NrCopies:    nrCopies,
		CopyPolicy:  copyPolicy,
		StorePolicy: opts.StorePolicy,
	})
	buf, err := inode.Encode()
	if err != nil {
		return 0, err
	}

	c.objects[VidToVdiOid(vid)] = &memObject{data: buf, nrCopies: nrCopies, copyPolicy: copyPolicy}
	c.vdis[opts.Name] = vid
	return vid, nil
}

// DeleteVdi implements Cluster.
func (c *MemCluster) DeleteVdi(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vid, ok := c.vdis[name]
	if !ok {
		return errors.Wrapf(ErrNoVdi, "delete %q", name)
	}
	delete(c.vdis, name)

	for oid := range c.objects {
		if OidToVid(oid) == vid {
			delete(c.objects, oid)
		}
	}
	return nil
}

// NotifyVdiAdd implements Cluster.
func (c *MemCluster) NotifyVdiAdd(vid Vid, nrCopies, copyPolicy uint8, setBitmap bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if setBitmap {
		c.usedVids[vid] = true
	}
	return nil
}

// ObjectCount implements Cluster.
func (c *MemCluster) ObjectCount() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return uint64(len(c.objects)), nil
}

// ForEachObject implements Cluster.
func (c *MemCluster) ForEachObject(fn func(ObjectMeta) error) error {
	c.mu.Lock()
	oids := make([]Oid, 0, len(c.objects))
	for oid := range c.objects {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })
	metas := make([]ObjectMeta, 0, len(oids))
	for _, oid := range oids {
		obj := c.objects[oid]
		metas = append(metas, ObjectMeta{Oid: oid, NrCopies: obj.nrCopies, CopyPolicy: obj.copyPolicy})
	}
	c.mu.Unlock()

	for _, meta := range metas {
		if err := fn(meta); err != nil {
			return err
		}
	}
	return nil
}

// allocVid must be called with the lock held.
func (c *MemCluster) allocVid() Vid {
	for c.usedVids[c.nextVid] || c.nextVid == 0 {
		c.nextVid++
	}
	vid := c.nextVid
	c.usedVids[vid] = true
	c.nextVid++
	return vid
}
