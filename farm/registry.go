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
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/cephpp/sheepdog/sd"
)

// vdiRegistry collects, per volume name, the most recent inode seen while a
// snapshot streams in. Load workers insert concurrently; the orchestrator
// commits after the stream has drained.
type vdiRegistry struct {
	mu   sync.RWMutex
	vdis map[string]sd.InodeHeader
}

func newVdiRegistry() *vdiRegistry {
	return &vdiRegistry{vdis: make(map[string]sd.InodeHeader)}
}

// insert records hdr, replacing an existing entry for the same name only
// when hdr carries a higher snap id.
func (r *vdiRegistry) insert(hdr sd.InodeHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.vdis[hdr.Name]
	if !ok || cur.SnapID < hdr.SnapID {
		r.vdis[hdr.Name] = hdr
	}
}

// commit re-creates the active volume for every name seen, in name order.
func (r *vdiRegistry) commit(cluster sd.Cluster) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.vdis))
	for name := range r.vdis {
		names = append(names, name)
	}
	sort.Strings(names)
	r.mu.RUnlock()

	for _, name := range names {
		hdr := r.vdis[name]
		if _, err := cluster.CreateVdi(sd.VdiOptions{
			Name:        hdr.Name,
			Size:        hdr.VdiSize,
			BaseVid:     hdr.VdiID,
			Snapshot:    false,
			NrCopies:    hdr.NrCopies,
			CopyPolicy:  hdr.CopyPolicy,
			StorePolicy: hdr.StorePolicy,
		}); err != nil {
			return errors.Wrapf(err, "create active vdi %q", name)
		}
		log.Debugf("created active vdi %q from snap %d", name, hdr.SnapID)
	}
	return nil
}

// clear releases the registry.
func (r *vdiRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.vdis = make(map[string]sd.InodeHeader)
}
