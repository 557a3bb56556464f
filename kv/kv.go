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

// Package kv implements object storage (accounts, buckets, objects) on top
// of the block store's fixed-size data objects. An account is a hyper
// volume holding bucket records placed by hashing and linear probing; each
// bucket is in turn a hyper volume whose data slots hold object inodes
// (onodes) placed the same way.
package kv

import (
	"io"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/cephpp/sheepdog/sd"
)

// Status is the response code handed back to the HTTP front-end.
type Status int

// Response codes. The zero value means no response has been decided yet.
const (
	StatusUnknown             Status = 0
	StatusOK                  Status = 200
	StatusCreated             Status = 201
	StatusAccepted            Status = 202
	StatusNoContent           Status = 204
	StatusNotFound            Status = 404
	StatusInternalServerError Status = 500
	StatusServiceUnavailable  Status = 503
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusOK:
		return "OK"
	case StatusCreated:
		return "Created"
	case StatusAccepted:
		return "Accepted"
	case StatusNoContent:
		return "No Content"
	case StatusNotFound:
		return "Not Found"
	case StatusInternalServerError:
		return "Internal Server Error"
	case StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return "Invalid"
	}
}

// Request carries one front-end request through the object operations: the
// request body to consume, the response body to produce, and the response
// status. The status is decided exactly once per operation.
type Request struct {
	// Body is the request payload, may be nil.
	Body io.Reader

	// Response receives the response payload, may be nil.
	Response io.Writer

	status Status
}

// Status returns the decided response status, StatusUnknown before any
// operation has run.
func (r *Request) Status() Status {
	return r.status
}

// respond decides the response status. The first decision wins.
func (r *Request) respond(status Status) {
	if r.status == StatusUnknown {
		r.status = status
	}
}

// write emits response payload.
func (r *Request) write(p []byte) {
	if r.Response == nil {
		return
	}
	if _, err := r.Response.Write(p); err != nil {
		log.Warnf("failed to write response payload: %v", err)
	}
}

// ErrTooLarge is returned when an object payload exceeds the inline
// capacity of a data object. Extent-based large objects are not supported.
var ErrTooLarge = errors.Errorf("object payload too large")

// ErrNotImplemented is returned by operations the store does not support.
var ErrNotImplemented = errors.Errorf("operation not implemented")

// Store gives access to the object storage of one cluster.
type Store struct {
	cluster    sd.Cluster
	nrCopies   uint8
	copyPolicy uint8
	vids       *lru.Cache

	// Probe spans, normally the full hyper-volume geometry.
	maxBuckets  uint64
	maxDataObjs uint64
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRedundancy sets the redundancy applied to created volumes and
// objects.
func WithRedundancy(nrCopies, copyPolicy uint8) StoreOption {
	return func(s *Store) {
		s.nrCopies = nrCopies
		s.copyPolicy = copyPolicy
	}
}

// vidCacheSize bounds the volume name lookup cache.
const vidCacheSize = 1024

// NewStore returns a Store backed by cluster.
func NewStore(cluster sd.Cluster, opts ...StoreOption) *Store {
	cache, err := lru.New(vidCacheSize)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}

	s := &Store{
		cluster:     cluster,
		nrCopies:    3,
		vids:        cache,
		maxBuckets:  MaxBuckets,
		maxDataObjs: sd.MaxDataObjs,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookupVdi resolves a volume name through the lookup cache.
func (s *Store) lookupVdi(name string) (sd.Vid, error) {
	if v, ok := s.vids.Get(name); ok {
		return v.(sd.Vid), nil
	}

	vid, err := s.cluster.LookupVdi(name)
	if err != nil {
		if sd.IsNoVdi(err) {
			log.Infof("no such vdi %s", name)
		}
		return 0, err
	}
	s.vids.Add(name, vid)
	return vid, nil
}

// deleteVdi removes a volume and drops it from the lookup cache.
func (s *Store) deleteVdi(name string) error {
	s.vids.Remove(name)
	return s.cluster.DeleteVdi(name)
}

// createHyperVolume creates a maximum-size hash-placed volume.
func (s *Store) createHyperVolume(name string) (sd.Vid, error) {
	vid, err := s.cluster.CreateVdi(sd.VdiOptions{
		Name:        name,
		Size:        sd.MaxVdiSize,
		NrCopies:    s.nrCopies,
		CopyPolicy:  s.copyPolicy,
		StorePolicy: 1,
	})
	if err != nil {
		return 0, errors.Wrapf(err, "create hyper volume %q", name)
	}
	return vid, nil
}

// probeResult is the outcome of one placement step against a single data
// object.
type probeResult int

const (
	// probePlaced means the step found (or freed) its slot.
	probePlaced probeResult = iota

	// probeFull means every candidate slot in this data object was
	// occupied (create) or none matched (delete); the caller skips ahead
	// to the next data object.
	probeFull
)
