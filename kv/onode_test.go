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
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cephpp/sheepdog/sd"
)

// newTestBucket prepares an account with one bucket and returns the store
// with the bucket's volume id.
func newTestBucket(t *testing.T) (*Store, *sd.MemCluster, sd.Vid) {
	s, cluster := newTestStore(t)
	require.NoError(t, s.CreateAccount("acc"))
	require.NoError(t, s.CreateBucket("acc", "b"))

	vid, err := cluster.LookupVdi("acc/b")
	require.NoError(t, err)
	return s, cluster, vid
}

func createObject(t *testing.T, s *Store, object, payload string) *Request {
	req := &Request{Body: strings.NewReader(payload)}
	err := s.CreateObject(req, "acc", "b", object)
	require.NoError(t, err)
	require.Equal(t, StatusCreated, req.Status())
	return req
}

func readObject(t *testing.T, s *Store, object string) (Status, string) {
	var body bytes.Buffer
	req := &Request{Response: &body}
	_ = s.ReadObject(req, "acc", "b", object)
	return req.Status(), body.String()
}

func TestOnodeHeaderCodec(t *testing.T) {
	hdr := onodeHeader{
		Name:     "key",
		Size:     5,
		Ctime:    0xdead << 32,
		Mtime:    0xbeef << 32,
		DataVid:  7,
		NrExtent: 0,
		Inlined:  true,
	}
	copy(hdr.Sha1[:], bytes.Repeat([]byte{0xaa}, len(hdr.Sha1)))

	buf := hdr.encode()
	require.Len(t, buf, BlockSize)
	assert.Equal(t, hdr, decodeOnodeHeader(buf))
}

func TestObjectCreateReadRoundTrip(t *testing.T) {
	s, _, _ := newTestBucket(t)
	createObject(t, s, "key", "hello sheep")

	status, body := readObject(t, s, "key")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "hello sheep", body)
}

func TestObjectCreateOverwritesSameName(t *testing.T) {
	s, _, _ := newTestBucket(t)
	createObject(t, s, "k", "a")
	createObject(t, s, "k", "bb")

	status, body := readObject(t, s, "k")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "bb", body)
}

func TestObjectReadMissing(t *testing.T) {
	s, _, _ := newTestBucket(t)

	status, _ := readObject(t, s, "ghost")
	assert.Equal(t, StatusNotFound, status)
}

func TestObjectReadMissingBucket(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.CreateAccount("acc"))

	req := &Request{}
	err := s.ReadObject(req, "acc", "nope", "k")
	require.Error(t, err)
	assert.Equal(t, StatusNotFound, req.Status())
}

func TestObjectDeleteTombstone(t *testing.T) {
	s, cluster, vid := newTestBucket(t)
	createObject(t, s, "k", "payload")

	req := &Request{}
	require.NoError(t, s.DeleteObject(req, "acc", "b", "k"))
	assert.Equal(t, StatusNoContent, req.Status())

	// The slot keeps its data object, but the name is zeroed.
	inode, err := sd.ReadInode(cluster, vid)
	require.NoError(t, err)
	assert.NotEmpty(t, inode.DataVdiID, "delete must not compact the slot")

	status, _ := readObject(t, s, "k")
	assert.Equal(t, StatusNotFound, status)

	var listed []string
	listReq := &Request{}
	require.NoError(t, s.ListObjects(listReq, "acc", "b", func(object string) {
		listed = append(listed, object)
	}))
	assert.Equal(t, StatusOK, listReq.Status())
	assert.Empty(t, listed, "tombstoned objects must not be listed")
}

func TestObjectDeleteMissing(t *testing.T) {
	s, _, _ := newTestBucket(t)

	req := &Request{}
	err := s.DeleteObject(req, "acc", "b", "ghost")
	require.Error(t, err)
	assert.Equal(t, StatusNotFound, req.Status())
}

func TestObjectUpdate(t *testing.T) {
	s, _, _ := newTestBucket(t)
	createObject(t, s, "k", "old")

	req := &Request{Body: strings.NewReader("updated payload")}
	require.NoError(t, s.UpdateObject(req, "acc", "b", "k"))
	assert.Equal(t, StatusAccepted, req.Status())

	status, body := readObject(t, s, "k")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "updated payload", body)
}

func TestObjectUpdateMissing(t *testing.T) {
	s, _, _ := newTestBucket(t)

	req := &Request{Body: strings.NewReader("x")}
	err := s.UpdateObject(req, "acc", "b", "ghost")
	require.Error(t, err)
	assert.Equal(t, StatusNotFound, req.Status())
}

func TestObjectCreateProbesPastTakenSlot(t *testing.T) {
	s, cluster, vid := newTestBucket(t)

	// Forge an occupant at the exact slot "victim" hashes to.
	idx := uint32(sd.Hash("victim") % s.maxDataObjs)
	hdr := onodeHeader{Name: "squatter", Size: 4, Inlined: true}
	require.NoError(t, s.createObjectAt(hdr, []byte("data"), vid, idx))

	createObject(t, s, "victim", "displaced")

	status, body := readObject(t, s, "victim")
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "displaced", body)

	// The object must sit one slot past its hash position.
	inode, err := sd.ReadInode(cluster, vid)
	require.NoError(t, err)
	next := uint32((uint64(idx) + 1) % s.maxDataObjs)
	require.NotZero(t, inode.GetVid(next))

	buf := make([]byte, BlockSize)
	require.NoError(t, cluster.ReadObject(sd.VidToDataOid(vid, next), buf, 0))
	assert.Equal(t, "victim", decodeOnodeHeader(buf).Name)
}

func TestObjectCreateNoSpace(t *testing.T) {
	s, _, vid := newTestBucket(t)
	s.maxDataObjs = 2

	require.NoError(t, s.createObjectAt(onodeHeader{Name: "a", Inlined: true}, nil, vid, 0))
	require.NoError(t, s.createObjectAt(onodeHeader{Name: "b", Inlined: true}, nil, vid, 1))

	req := &Request{Body: strings.NewReader("no home")}
	err := s.CreateObject(req, "acc", "b", "c")
	require.Error(t, err)
	assert.Equal(t, StatusServiceUnavailable, req.Status())
}

func TestObjectTooLarge(t *testing.T) {
	s, _, _ := newTestBucket(t)

	req := &Request{Body: bytes.NewReader(make([]byte, OnodeInlineSize+1))}
	err := s.CreateObject(req, "acc", "b", "big")
	require.Error(t, err)
	assert.Equal(t, ErrTooLarge, errors.Cause(err))
	assert.Equal(t, StatusServiceUnavailable, req.Status())
}

func TestListObjects(t *testing.T) {
	s, _, _ := newTestBucket(t)
	createObject(t, s, "one", "1")
	createObject(t, s, "two", "22")
	createObject(t, s, "three", "333")

	var listed []string
	req := &Request{}
	require.NoError(t, s.ListObjects(req, "acc", "b", func(object string) {
		listed = append(listed, object)
	}))
	assert.Equal(t, StatusOK, req.Status())
	assert.ElementsMatch(t, []string{"one", "two", "three"}, listed)
}

func TestAccountLifecycle(t *testing.T) {
	s, cluster := newTestStore(t)
	require.NoError(t, s.CreateAccount("acme"))

	count, err := s.ReadAccount("acme")
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Equal(t, ErrNotImplemented, errors.Cause(s.UpdateAccount("acme")))

	require.NoError(t, s.DeleteAccount("acme"))
	_, err = cluster.LookupVdi("acme")
	assert.True(t, sd.IsNoVdi(err))

	// The lookup cache must not resurrect the deleted account.
	_, err = s.ReadAccount("acme")
	require.Error(t, err)
	assert.Equal(t, sd.ErrNoVdi, errors.Cause(err))
}
