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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOidMath(t *testing.T) {
	for _, test := range []struct {
		name string
		vid  Vid
		idx  uint32
	}{
		{"Small", 1, 0},
		{"Typical", 0xfd32, 1234},
		{"MaxIdx", 0xfd32, ^uint32(0)},
		{"MaxVid", ^Vid(0), 7},
	} {
		t.Run(test.name, func(t *testing.T) {
			dataOid := VidToDataOid(test.vid, test.idx)
			assert.False(t, IsVdiObj(dataOid), "data oid must not carry the vdi bit")
			assert.Equal(t, test.vid, OidToVid(dataOid), "vid must round-trip through a data oid")
			assert.Equal(t, test.idx, OidToDataIndex(dataOid), "data index must round-trip")
			assert.Equal(t, DataObjSize, ObjSize(dataOid))

			vdiOid := VidToVdiOid(test.vid)
			assert.True(t, IsVdiObj(vdiOid), "inode oid must carry the vdi bit")
			assert.Equal(t, test.vid, OidToVid(vdiOid), "vid must round-trip through an inode oid")
			assert.Equal(t, InodeSize, ObjSize(vdiOid))

			assert.NotEqual(t, dataOid, vdiOid)
		})
	}
}

func TestHashIsStable(t *testing.T) {
	// Placement depends on the hash being a pure function of the name.
	assert.Equal(t, Hash("bucket"), Hash("bucket"))
	assert.NotEqual(t, Hash("bucket"), Hash("bucke"))
}
