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

// Package farm implements the cluster snapshot archive: a local
// content-addressed slice store plus the snap log / snap file / trunk file
// metadata that lets the whole object set of a cluster be captured and
// later restored.
package farm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cephpp/sheepdog/internal/workqueue"
	"github.com/cephpp/sheepdog/sd"
)

const (
	objectDirectory  = "objects"
	snapLogFile      = "snap_log"
	compressFile     = "compress"
	shardCount       = 256
	objectDirPerm    = 0o755
	snapLogFilePerm  = 0o644
	compressFilePerm = 0o644
)

// ErrSnapshotNotFound is returned when an (idx, tag) pair resolves to no
// snapshot.
var ErrSnapshotNotFound = errors.Errorf("snapshot not found")

// ProgressFunc receives per-object progress during save and load.
type ProgressFunc func(done, total uint64)

// Farm is one snapshot archive. All state is owned by the value; nothing
// is process-global, so independent archives can be driven from the same
// process.
type Farm struct {
	dir      string
	store    *SliceStore
	log      snapLog
	cluster  sd.Cluster
	progress ProgressFunc
	workers  int
	algoName string
}

// Option configures a Farm.
type Option func(*Farm)

// WithCluster attaches the block store the farm saves from and loads into.
// Save and load fail without one; archive-local operations don't need it.
func WithCluster(c sd.Cluster) Option {
	return func(f *Farm) { f.cluster = c }
}

// WithProgress attaches a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(f *Farm) { f.progress = fn }
}

// WithWorkers bounds the transfer parallelism of save and load.
func WithWorkers(n int) Option {
	return func(f *Farm) { f.workers = n }
}

// WithCompression selects the slice compression algorithm. Only honored by
// Init; an existing archive keeps the algorithm it was created with.
func WithCompression(name string) Option {
	return func(f *Farm) { f.algoName = name }
}

// Init creates a farm archive at path: the root directory, the sharded
// object directory, and an empty snap log. It fails if path already
// exists.
func Init(path string, opts ...Option) (*Farm, error) {
	f := newFarm(path, opts)

	algo := GetAlgorithm(f.algoName)
	if algo == nil {
		return nil, errors.Errorf("unknown compression algorithm %q", f.algoName)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, objectDirPerm); err != nil {
			return nil, errors.Wrap(err, "mkdir parent")
		}
	}
	if err := os.Mkdir(path, objectDirPerm); err != nil {
		if os.IsExist(err) {
			return nil, errors.Errorf("Path is not a directory: %s", path)
		}
		return nil, errors.Wrap(err, "mkdir farm root")
	}

	objectDir := filepath.Join(path, objectDirectory)
	if err := os.Mkdir(objectDir, objectDirPerm); err != nil {
		return nil, errors.Wrap(err, "mkdir object directory")
	}
	for i := 0; i < shardCount; i++ {
		if err := os.Mkdir(filepath.Join(objectDir, fmt.Sprintf("%02x", i)), objectDirPerm); err != nil {
			return nil, errors.Wrapf(err, "mkdir object shard %02x", i)
		}
	}

	if err := os.WriteFile(filepath.Join(path, compressFile), []byte(f.algoName+"\n"), compressFilePerm); err != nil {
		return nil, errors.Wrap(err, "write compress config")
	}

	fh, err := os.OpenFile(filepath.Join(path, snapLogFile), os.O_CREATE|os.O_EXCL|os.O_WRONLY, snapLogFilePerm)
	if err != nil {
		return nil, errors.Wrap(err, "create snap log")
	}
	fh.Close()

	f.store = newSliceStore(objectDir, algo)
	return f, nil
}

// Open validates an existing farm archive at path and returns a handle to
// it.
func Open(path string, opts ...Option) (*Farm, error) {
	f := newFarm(path, opts)

	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat farm root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("Path is not a directory: %s", path)
	}

	objectDir := filepath.Join(path, objectDirectory)
	for i := 0; i < shardCount; i++ {
		shard := filepath.Join(objectDir, fmt.Sprintf("%02x", i))
		if fi, err := os.Stat(shard); err != nil || !fi.IsDir() {
			return nil, errors.Errorf("not a farm archive: missing object shard %02x", i)
		}
	}
	if _, err := os.Stat(filepath.Join(path, snapLogFile)); err != nil {
		return nil, errors.Wrap(err, "not a farm archive: check snap log")
	}

	algoName := Noop.Name()
	if buf, err := os.ReadFile(filepath.Join(path, compressFile)); err == nil {
		algoName = strings.TrimSpace(string(buf))
	}
	algo := GetAlgorithm(algoName)
	if algo == nil {
		return nil, errors.Errorf("archive uses unknown compression algorithm %q", algoName)
	}

	f.store = newSliceStore(objectDir, algo)
	return f, nil
}

func newFarm(path string, opts []Option) *Farm {
	f := &Farm{
		dir:      path,
		log:      snapLog{path: filepath.Join(path, snapLogFile)},
		algoName: Noop.Name(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dir returns the archive root.
func (f *Farm) Dir() string {
	return f.dir
}

func (f *Farm) reportProgress(done, total uint64) {
	if f.progress != nil {
		f.progress(done, total)
	}
}

// lock takes an exclusive advisory lock on the archive root for the
// duration of a save or load.
func (f *Farm) lock() (*os.File, error) {
	fh, err := os.Open(f.dir)
	if err != nil {
		return nil, errors.Wrap(err, "open farm root for locking")
	}
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX); err != nil {
		fh.Close()
		return nil, errors.Wrap(err, "lock farm root")
	}
	return fh, nil
}

func unlock(fh *os.File) {
	_ = unix.Flock(int(fh.Fd()), unix.LOCK_UN)
	fh.Close()
}

// resolveTrunk maps (idx, tag) to the trunk digest. An entry matches when
// either its index or its tag matches; the first match wins.
func (f *Farm) resolveTrunk(idx uint32, tag string) ([sha1Size]byte, error) {
	entries, err := f.log.Read()
	if err != nil {
		return [sha1Size]byte{}, err
	}

	for _, e := range entries {
		if e.Idx != idx && e.Tag != tag {
			continue
		}
		sf, err := f.store.readSnapFile(e.Sha1)
		if err != nil {
			return [sha1Size]byte{}, err
		}
		return sf.TrunkSha1, nil
	}
	return [sha1Size]byte{}, errors.Wrapf(ErrSnapshotNotFound, "snapshot (%d, %q)", idx, tag)
}

// ContainSnapshot reports whether (idx, tag) resolves to a snapshot.
func (f *Farm) ContainSnapshot(idx uint32, tag string) bool {
	_, err := f.resolveTrunk(idx, tag)
	return err == nil
}

// SaveSnapshot captures every object currently known to the cluster into
// the archive under the given tag. The snap log append is the commit
// point: a failure before it leaves at most orphan slices behind.
func (f *Farm) SaveSnapshot(tag string) (err error) {
	if f.cluster == nil {
		return errors.Errorf("farm has no cluster attached")
	}
	if len(tag)+1 > sd.MaxSnapshotTagLen {
		return errors.Errorf("snapshot tag %q too long", tag)
	}

	lockFh, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock(lockFh)

	logEntries, err := f.log.Read()
	if err != nil {
		return err
	}
	idx := uint32(len(logEntries) + 1)

	total, err := f.cluster.ObjectCount()
	if err != nil {
		return errors.Wrap(err, "count cluster objects")
	}

	var workError atomic.Bool
	var saved atomic.Uint64
	entries := make([]TrunkEntry, 0, total)

	wq := workqueue.NewOrdered(f.workers)
	err = f.cluster.ForEachObject(func(meta sd.ObjectMeta) error {
		entry := TrunkEntry{Oid: meta.Oid, NrCopies: meta.NrCopies, CopyPolicy: meta.CopyPolicy}

		wq.Queue(workqueue.Task{
			Run: func() {
				if workError.Load() {
					return
				}

				buf := make([]byte, sd.ObjSize(entry.Oid))
				if err := f.cluster.ReadObject(entry.Oid, buf, 0); err != nil {
					log.Errorf("failed to save object %x: %v", uint64(entry.Oid), err)
					workError.Store(true)
					return
				}
				d, err := f.store.Write(buf)
				if err != nil {
					log.Errorf("failed to save object %x: %v", uint64(entry.Oid), err)
					workError.Store(true)
					return
				}
				entry.Sha1, _ = parseSliceDigest(d)
			},
			Done: func() {
				if workError.Load() {
					return
				}
				entries = append(entries, entry)
				f.reportProgress(saved.Add(1), total)
			},
		})
		return nil
	})
	wq.Wait()
	if err != nil {
		return errors.Wrap(err, "walk cluster objects")
	}
	if workError.Load() {
		return errors.Errorf("failed to save snapshot objects")
	}

	trunkSha1, err := f.store.writeTrunk(entries)
	if err != nil {
		return err
	}
	snapSha1, err := f.store.writeSnapFile(idx, trunkSha1)
	if err != nil {
		return err
	}
	if err := f.log.Append(snapLogEntry{Idx: idx, Tag: tag, Sha1: snapSha1}); err != nil {
		return err
	}

	log.Infof("saved snapshot %d (%q): %d objects", idx, tag, len(entries))
	return nil
}

// LoadSnapshot restores the snapshot named by (idx, tag): every archived
// object is rewritten into the cluster, restored VDI inodes are announced
// and registered, and once the stream has drained the newest version of
// each volume is re-created as the active one.
func (f *Farm) LoadSnapshot(idx uint32, tag string) (err error) {
	if f.cluster == nil {
		return errors.Errorf("farm has no cluster attached")
	}

	lockFh, err := f.lock()
	if err != nil {
		return err
	}
	defer unlock(lockFh)

	trunkSha1, err := f.resolveTrunk(idx, tag)
	if err != nil {
		return err
	}

	registry := newVdiRegistry()
	defer registry.clear()

	var entries []TrunkEntry
	total, err := f.store.forEachTrunkEntry(trunkSha1, func(entry TrunkEntry) error {
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "walk trunk entries")
	}

	var workError atomic.Bool
	var loaded atomic.Uint64

	wq := workqueue.NewDynamic(f.workers)
	for _, entry := range entries {
		entry := entry
		wq.Queue(workqueue.Task{
			Run: func() {
				if workError.Load() {
					return
				}
				if err := f.loadObject(entry, registry); err != nil {
					log.Errorf("failed to load object %x: %v", uint64(entry.Oid), err)
					workError.Store(true)
					return
				}
				f.reportProgress(loaded.Add(1), total)
			},
		})
	}
	wq.Wait()
	if workError.Load() {
		return errors.Errorf("failed to load snapshot objects")
	}

	if err := registry.commit(f.cluster); err != nil {
		return err
	}

	log.Infof("loaded snapshot %d (%q)", idx, tag)
	return nil
}

func (f *Farm) loadObject(entry TrunkEntry, registry *vdiRegistry) error {
	buf, err := f.store.Read(sliceDigest(entry.Sha1))
	if err != nil {
		return err
	}

	opts := sd.WriteOptions{Create: true, NrCopies: entry.NrCopies, CopyPolicy: entry.CopyPolicy}
	if err := f.cluster.WriteObject(entry.Oid, buf, 0, opts); err != nil {
		return err
	}

	if sd.IsVdiObj(entry.Oid) {
		vid := sd.OidToVid(entry.Oid)
		if err := f.cluster.NotifyVdiAdd(vid, entry.NrCopies, entry.CopyPolicy, true); err != nil {
			return err
		}
		hdr, err := sd.DecodeInodeHeader(buf)
		if err != nil {
			return err
		}
		registry.insert(hdr)
	}
	return nil
}

// Snapshot describes one snapshot for listing purposes.
type Snapshot struct {
	Idx     uint32
	Tag     string
	Ctime   time.Time
	Objects uint64
	Bytes   uint64
}

// List returns every snapshot in the log, oldest first.
func (f *Farm) List() ([]Snapshot, error) {
	entries, err := f.log.Read()
	if err != nil {
		return nil, err
	}

	snapshots := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		sf, err := f.store.readSnapFile(e.Sha1)
		if err != nil {
			return nil, err
		}

		var bytes uint64
		objects, err := f.store.forEachTrunkEntry(sf.TrunkSha1, func(te TrunkEntry) error {
			bytes += sd.ObjSize(te.Oid)
			return nil
		})
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, Snapshot{
			Idx:     e.Idx,
			Tag:     e.Tag,
			Ctime:   sf.Ctime,
			Objects: objects,
			Bytes:   bytes,
		})
	}
	return snapshots, nil
}

// Check verifies that every digest referenced from every snapshot is
// retrievable and content-valid. It returns an error describing how many
// slices failed, nil when the archive is sound.
func (f *Farm) Check() error {
	entries, err := f.log.Read()
	if err != nil {
		return err
	}

	var bad int
	for _, e := range entries {
		sf, err := f.store.readSnapFile(e.Sha1)
		if err != nil {
			log.Warnf("snapshot %d (%q): bad snap file: %v", e.Idx, e.Tag, err)
			bad++
			continue
		}

		if _, err := f.store.forEachTrunkEntry(sf.TrunkSha1, func(te TrunkEntry) error {
			if _, err := f.store.Read(sliceDigest(te.Sha1)); err != nil {
				log.Warnf("snapshot %d (%q): object %x: %v", e.Idx, e.Tag, uint64(te.Oid), err)
				bad++
			}
			return nil
		}); err != nil {
			log.Warnf("snapshot %d (%q): bad trunk: %v", e.Idx, e.Tag, err)
			bad++
		}
	}

	if bad > 0 {
		return errors.Errorf("archive check failed: %d bad slices", bad)
	}
	return nil
}
