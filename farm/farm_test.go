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
	"crypto/sha1" //nolint:gosec // the archive format is SHA-1 addressed
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cephpp/sheepdog/sd"
)

func TestInitLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm")
	_, err := Init(path)
	require.NoError(t, err)

	for i := 0; i < 256; i++ {
		fi, err := os.Stat(filepath.Join(path, "objects", fmt.Sprintf("%02x", i)))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}

	fi, err := os.Stat(filepath.Join(path, "snap_log"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size(), "a fresh snap log is empty")
}

func TestInitTwiceFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm")
	_, err := Init(path)
	require.NoError(t, err)

	_, err = Init(path)
	require.Error(t, err)
	assert.ErrorContains(t, err, "Path is not a directory")
}

func TestInitUnknownCompression(t *testing.T) {
	_, err := Init(filepath.Join(t.TempDir(), "farm"), WithCompression("lzma"))
	assert.Error(t, err)
}

func TestOpenValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farm")
	_, err := Init(path, WithCompression("zstd"))
	require.NoError(t, err)

	f, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "zstd", f.store.algo.Name(), "open must pick up the archive's algorithm")

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	plain := t.TempDir()
	_, err = Open(plain)
	assert.ErrorContains(t, err, "not a farm archive")
}

func TestSaveEmptyCluster(t *testing.T) {
	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(sd.NewMemCluster()))
	require.NoError(t, err)

	require.NoError(t, f.SaveSnapshot("v0"))

	assert.True(t, f.ContainSnapshot(1, "v0"))
	assert.True(t, f.ContainSnapshot(1, "no-such-tag"), "a matching index alone resolves")
	assert.True(t, f.ContainSnapshot(99, "v0"), "a matching tag alone resolves")
	assert.False(t, f.ContainSnapshot(2, "no-such-tag"))

	snapshots, err := f.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint32(1), snapshots[0].Idx)
	assert.Equal(t, "v0", snapshots[0].Tag)
	assert.Zero(t, snapshots[0].Objects)
}

func TestSaveAssignsIncreasingIndexes(t *testing.T) {
	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(sd.NewMemCluster()))
	require.NoError(t, err)

	require.NoError(t, f.SaveSnapshot("first"))
	require.NoError(t, f.SaveSnapshot("second"))

	snapshots, err := f.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, uint32(1), snapshots[0].Idx)
	assert.Equal(t, uint32(2), snapshots[1].Idx)
}

// clusterState digests every object for whole-state comparison.
func clusterState(t *testing.T, c sd.Cluster) map[sd.Oid][sha1.Size]byte {
	state := make(map[sd.Oid][sha1.Size]byte)
	require.NoError(t, c.ForEachObject(func(meta sd.ObjectMeta) error {
		buf := make([]byte, sd.ObjSize(meta.Oid))
		if err := c.ReadObject(meta.Oid, buf, 0); err != nil {
			return err
		}
		state[meta.Oid] = sha1.Sum(buf)
		return nil
	}))
	return state
}

func TestSaveLoadFixedPoint(t *testing.T) {
	cluster := sd.NewMemCluster()
	vid, err := cluster.CreateVdi(sd.VdiOptions{Name: "vol0", Size: 1 << 30, NrCopies: 3})
	require.NoError(t, err)
	for i := uint32(0); i < 3; i++ {
		payload := []byte(fmt.Sprintf("object %d payload", i))
		require.NoError(t, cluster.WriteObject(sd.VidToDataOid(vid, i), payload, 0,
			sd.WriteOptions{Create: true, NrCopies: 3}))
	}

	var lastDone, lastTotal uint64
	f, err := Init(filepath.Join(t.TempDir(), "farm"),
		WithCluster(cluster),
		WithProgress(func(done, total uint64) { lastDone, lastTotal = done, total }))
	require.NoError(t, err)

	require.NoError(t, f.SaveSnapshot("base"))
	saved := clusterState(t, cluster)
	assert.Equal(t, uint64(len(saved)), lastDone)
	assert.Equal(t, uint64(len(saved)), lastTotal)

	// Mutate the cluster after the save.
	require.NoError(t, cluster.WriteObject(sd.VidToDataOid(vid, 0), []byte("clobbered"), 0, sd.WriteOptions{}))
	require.NoError(t, cluster.DiscardObject(sd.VidToDataOid(vid, 2)))

	// Restore into a fresh cluster.
	restored := sd.NewMemCluster()
	f2, err := Open(f.Dir(), WithCluster(restored))
	require.NoError(t, err)
	require.NoError(t, f2.LoadSnapshot(1, "base"))

	state := clusterState(t, restored)
	for oid, digest := range saved {
		assert.Equal(t, digest, state[oid], "object %x must restore bit-for-bit", uint64(oid))
	}

	// The captured volume is re-created as an active vdi.
	_, err = restored.LookupVdi("vol0")
	assert.NoError(t, err)
}

func TestLoadSelectsLatestSnapID(t *testing.T) {
	cluster := sd.NewMemCluster()
	writeInode := func(vid sd.Vid, snapID uint32, size uint64) {
		inode := sd.NewInode(sd.InodeHeader{
			Name: "a", VdiID: vid, SnapID: snapID, VdiSize: size, NrCopies: 3,
		})
		buf, err := inode.Encode()
		require.NoError(t, err)
		require.NoError(t, cluster.WriteObject(sd.VidToVdiOid(vid), buf, 0,
			sd.WriteOptions{Create: true, NrCopies: 3}))
	}
	writeInode(5, 3, 1<<20)
	writeInode(6, 5, 2<<20)

	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(cluster))
	require.NoError(t, err)
	require.NoError(t, f.SaveSnapshot("snaps"))

	restored := sd.NewMemCluster()
	f2, err := Open(f.Dir(), WithCluster(restored))
	require.NoError(t, err)
	require.NoError(t, f2.LoadSnapshot(1, "snaps"))

	vid, err := restored.LookupVdi("a")
	require.NoError(t, err)
	inode, err := sd.ReadInode(restored, vid)
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), inode.VdiSize, "exactly the snap_id=5 parameters must be used")
}

// brokenCluster fails every object read.
type brokenCluster struct {
	*sd.MemCluster
}

func (c brokenCluster) ReadObject(oid sd.Oid, buf []byte, offset uint64) error {
	return errors.Errorf("injected read failure for %x", uint64(oid))
}

func TestSaveAbortsOnReadFailure(t *testing.T) {
	cluster := sd.NewMemCluster()
	_, err := cluster.CreateVdi(sd.VdiOptions{Name: "vol0", Size: 1 << 30})
	require.NoError(t, err)

	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(brokenCluster{cluster}))
	require.NoError(t, err)

	require.Error(t, f.SaveSnapshot("doomed"))
	assert.False(t, f.ContainSnapshot(1, "doomed"), "an aborted save must not commit")

	entries, err := f.log.Read()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogAppendIsTheCommitPoint(t *testing.T) {
	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(sd.NewMemCluster()))
	require.NoError(t, err)

	// Everything but the log append: trunk and snap file written.
	trunkSha1, err := f.store.writeTrunk(nil)
	require.NoError(t, err)
	_, err = f.store.writeSnapFile(1, trunkSha1)
	require.NoError(t, err)

	assert.False(t, f.ContainSnapshot(1, "phantom"),
		"work before the log append must not be visible")
}

func TestLoadMissingSnapshot(t *testing.T) {
	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(sd.NewMemCluster()))
	require.NoError(t, err)

	err = f.LoadSnapshot(1, "nope")
	require.Error(t, err)
	assert.Equal(t, ErrSnapshotNotFound, errors.Cause(err))
}

func TestCheck(t *testing.T) {
	cluster := sd.NewMemCluster()
	vid, err := cluster.CreateVdi(sd.VdiOptions{Name: "vol0", Size: 1 << 30})
	require.NoError(t, err)
	require.NoError(t, cluster.WriteObject(sd.VidToDataOid(vid, 0), []byte("content"), 0,
		sd.WriteOptions{Create: true}))

	f, err := Init(filepath.Join(t.TempDir(), "farm"), WithCluster(cluster))
	require.NoError(t, err)
	require.NoError(t, f.SaveSnapshot("v1"))

	require.NoError(t, f.Check())

	// Corrupt one stored slice; the check must notice.
	var slicePath string
	err = filepath.Walk(filepath.Join(f.Dir(), "objects"), func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() && fi.Size() > 0 && slicePath == "" {
			slicePath = path
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, slicePath)
	require.NoError(t, os.WriteFile(slicePath, []byte("corruption"), 0o644))

	assert.Error(t, f.Check())
}
